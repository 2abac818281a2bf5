package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/tomb.v2"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	dispatchpkg "github.com/drblury/flowbus/internal/runtime/dispatch"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	gatewaypkg "github.com/drblury/flowbus/internal/runtime/gateway"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metricspkg "github.com/drblury/flowbus/internal/runtime/metrics"
	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	storepkg "github.com/drblury/flowbus/internal/runtime/store"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
	"github.com/drblury/flowbus/transport"
)

// Dependencies overrides the collaborators NewBus would otherwise build.
type Dependencies struct {
	// Registerer receives the bus collectors. Nil uses a private registry.
	Registerer prometheus.Registerer
	// Transports defaults to transport.DefaultRegistry.
	Transports *transport.Registry
	Types      *typeregistrypkg.Registry
	// Backend replaces the persisters selected by Config.PersistenceBackend.
	// The bus does not close a supplied backend.
	Backend *storepkg.Backend
	// Hooks observe every endpoint activated through the bus.
	Hooks endpointpkg.JobHooks
	// Now overrides the timeout service clock.
	Now func() time.Time
}

// Bus wires channels, endpoints, sagas, timeouts and adapters into one
// runtime.
type Bus struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	channels    *channelpkg.Registry
	dispatcher  *dispatchpkg.Dispatcher
	types       *typeregistrypkg.Registry
	metrics     *metricspkg.Metrics
	transports  *transport.Registry
	backend     *storepkg.Backend
	ownsBackend bool
	timeouts    *timeoutpkg.Service
	sagas       *sagapkg.Engine
	hooks       endpointpkg.JobHooks

	// lifeMu serializes start and stop; mu guards the fields below it.
	lifeMu    sync.Mutex
	mu        sync.RWMutex
	routes    map[reflect.Type][]string
	endpoints []*endpointpkg.Activator
	adapters  []transport.Adapter
	pumps     []pump
	built     map[string]transport.Transport
	tomb      *tomb.Tomb
	runCtx    context.Context
	running   bool
	closed    bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server
	httpOnce      sync.Once

	stopping  chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewBus validates conf and builds the bus. The timeout endpoint is bound
// to conf.TimeoutChannel before NewBus returns.
func NewBus(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	b := &Bus{
		Conf:       c,
		Logger:     log,
		dispatcher: dispatchpkg.New(),
		types:      deps.Types,
		transports: deps.Transports,
		hooks:      deps.Hooks,
		routes:     make(map[reflect.Type][]string),
		built:      make(map[string]transport.Transport),
		stopping:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if b.types == nil {
		b.types = typeregistrypkg.New()
	}
	if b.transports == nil {
		b.transports = transport.DefaultRegistry
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	b.metrics = metricspkg.New(registerer)
	if err := b.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	b.channels = channelpkg.NewRegistry(b.metrics.Observer())

	b.backend = deps.Backend
	if b.backend == nil {
		backend, err := storepkg.Open(ctx, &b.Conf, b.types, log)
		if err != nil {
			return nil, err
		}
		b.backend = backend
		b.ownsBackend = true
	}

	if err := b.buildTimeoutsAndSagas(deps.Now); err != nil {
		b.backend.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) buildTimeoutsAndSagas(now func() time.Time) error {
	timeouts, err := timeoutpkg.NewService(b.backend.Timeouts, timeoutpkg.PublisherFunc(b.Publish), timeoutpkg.Options{
		PollInterval: b.Conf.TimeoutPollInterval,
		Logger:       b.Logger,
		Hooks:        b.metrics.TimeoutHooks(),
		Now:          now,
	})
	if err != nil {
		return err
	}
	b.timeouts = timeouts

	sagas, err := sagapkg.NewEngine(sagapkg.Options{
		Persister: b.backend.Sagas,
		Publisher: timeoutpkg.PublisherFunc(b.Publish),
		Timeouts:  timeouts,
		Types:     b.types,
		Logger:    b.Logger,
		OnHandled: b.metrics.SagaHook,
	})
	if err != nil {
		return err
	}
	b.sagas = sagas

	if _, err := b.Activate(timeoutpkg.NewEndpoint(timeouts), EndpointOptions{
		Name:  "timeouts",
		Input: b.Conf.TimeoutChannel,
	}); err != nil {
		return err
	}
	if err := b.Subscribe(timeoutpkg.Request{}, b.Conf.TimeoutChannel); err != nil {
		return err
	}
	return b.Subscribe(timeoutpkg.CancelRequest{}, b.Conf.TimeoutChannel)
}

// Channel returns the named channel, or the null channel when none exists.
func (b *Bus) Channel(name string) channelpkg.Channel {
	return b.channels.Find(name)
}

// Channels lists the registered channel names.
func (b *Bus) Channels() []string {
	return b.channels.Names()
}

// CreateChannel returns the queue channel called name, creating it if
// needed.
func (b *Bus) CreateChannel(name string) (channelpkg.Channel, error) {
	return b.channels.RegisterName(name)
}

// CreatePublishSubscribe returns the fan-out channel called name, creating
// it if needed.
func (b *Bus) CreatePublishSubscribe(name string) (channelpkg.Channel, error) {
	return b.channels.RegisterPublishSubscribe(name)
}

// Subscribe routes published payloads of sample's type to channelName.
// The channel is created as a queue when it does not exist yet. A type may
// be routed to several channels; each receives its own envelope.
func (b *Bus) Subscribe(sample any, channelName string) error {
	if sample == nil {
		return errspkg.ErrPayloadRequired
	}
	ch, err := b.ensureChannel(channelName)
	if err != nil {
		return err
	}
	b.types.Register(sample)

	b.route(reflect.TypeOf(sample), ch.Name())
	return nil
}

// Routes returns the channels payloads of sample's type are published to.
func (b *Bus) Routes(sample any) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.routes[reflect.TypeOf(sample)])
}

// Publish wraps payload in an envelope and sends it to every channel its
// type is routed to. When ctx carries the envelope being handled the new
// envelope continues its correlation. An *envelope.Envelope is routed by
// its payload and sent as is.
func (b *Bus) Publish(ctx context.Context, payload any) error {
	if payload == nil {
		return errspkg.ErrPayloadRequired
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return errspkg.ErrBusClosed
	}

	e, ok := payload.(*envelopepkg.Envelope)
	if !ok {
		if parent := envelopepkg.FromContext(ctx); !parent.IsNull() {
			e = parent.Reply(payload)
		} else {
			e = envelopepkg.New(payload)
		}
	}
	if e.IsNull() {
		return errspkg.ErrPayloadRequired
	}

	names := b.Routes(e.Payload())
	if len(names) == 0 {
		return fmt.Errorf("%w: %T", errspkg.ErrNoRoute, e.Payload())
	}
	for i, name := range names {
		out := e
		if i > 0 {
			out = e.Clone()
		}
		b.channels.Find(name).Send(out)
	}
	return nil
}

// Send delivers payload to the named channel, bypassing type routing.
func (b *Bus) Send(ctx context.Context, channelName string, payload any) error {
	if payload == nil {
		return errspkg.ErrPayloadRequired
	}
	ch := b.channels.Find(channelName)
	if channelpkg.IsNull(ch) {
		return &channelpkg.LookupError{Name: channelName}
	}
	e, ok := payload.(*envelopepkg.Envelope)
	if !ok {
		if parent := envelopepkg.FromContext(ctx); !parent.IsNull() {
			e = parent.Reply(payload)
		} else {
			e = envelopepkg.New(payload)
		}
	}
	ch.Send(e)
	return nil
}

// Gateway returns a synchronous client over the request and reply channels.
// Both are created when missing; reply may be empty for fire-and-forget.
func (b *Bus) Gateway(request, reply string, timeout time.Duration) (*gatewaypkg.Gateway, error) {
	req, err := b.channels.RegisterName(request)
	if err != nil {
		return nil, err
	}
	opts := gatewaypkg.Options{Request: req, Timeout: timeout}
	if reply != "" {
		if opts.Reply, err = b.channels.RegisterName(reply); err != nil {
			return nil, err
		}
	}
	return gatewaypkg.New(opts)
}

func (b *Bus) ChannelRegistry() *channelpkg.Registry { return b.channels }
func (b *Bus) Sagas() *sagapkg.Engine                { return b.sagas }
func (b *Bus) Timeouts() *timeoutpkg.Service         { return b.timeouts }
func (b *Bus) Metrics() *metricspkg.Metrics          { return b.metrics }
func (b *Bus) Types() *typeregistrypkg.Registry      { return b.types }
func (b *Bus) Dispatcher() *dispatchpkg.Dispatcher   { return b.dispatcher }
func (b *Bus) Transports() *transport.Registry       { return b.transports }
func (b *Bus) Backend() *storepkg.Backend            { return b.backend }
func (b *Bus) Endpoints() []*endpointpkg.Activator   { return b.snapshotEndpoints() }

func (b *Bus) snapshotEndpoints() []*endpointpkg.Activator {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.endpoints)
}

// Running reports whether Start is active.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Start launches adapters, endpoints, the timeout poller and the HTTP
// servers, then blocks until ctx ends or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-b.stopping:
	}
	return b.stop()
}

// parts is what one start or stop acts on.
type parts struct {
	tomb      *tomb.Tomb
	adapters  []transport.Adapter
	pumps     []pump
	endpoints []*endpointpkg.Activator
}

func (b *Bus) snapshot() parts {
	return parts{
		tomb:      b.tomb,
		adapters:  slices.Clone(b.adapters),
		pumps:     slices.Clone(b.pumps),
		endpoints: slices.Clone(b.endpoints),
	}
}

// start marks the bus running before launching anything, so components
// added concurrently are started by whoever adds them, exactly once.
func (b *Bus) start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errspkg.ErrBusClosed
	}
	if b.running {
		b.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	t, tctx := tomb.WithContext(ctx)
	// Keeps the tomb alive while no pump is registered.
	t.Go(func() error {
		<-t.Dying()
		return nil
	})
	b.tomb, b.runCtx, b.running = t, tctx, true
	p := b.snapshot()
	b.mu.Unlock()

	var errs []error
	for _, a := range p.adapters {
		if err := a.Start(tctx); err != nil {
			errs = append(errs, fmt.Errorf("start adapter %s: %w", a.URI(), err))
		}
	}
	for _, run := range p.pumps {
		t.Go(func() error { return run(tctx, t) })
	}
	for _, ep := range p.endpoints {
		if err := ep.Start(tctx); err != nil {
			errs = append(errs, fmt.Errorf("start endpoint %s: %w", ep.Name(), err))
		}
	}
	if err := b.timeouts.Start(tctx); err != nil {
		errs = append(errs, fmt.Errorf("start timeouts: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		b.shutdown(b.halt())
		return err
	}

	if n, err := b.timeouts.Pending(tctx); err == nil {
		b.metrics.SetTimeoutsPending(n)
	}
	b.registerHTTPHandlers()
	b.startHTTPServers()
	b.Logger.Info("Bus started", loggingpkg.LogFields{
		"channels":  len(b.channels.Names()),
		"endpoints": len(p.endpoints),
		"adapters":  len(p.adapters),
		"backend":   b.backend.Name,
	})
	return nil
}

// halt clears the running state and returns what has to be stopped.
func (b *Bus) halt() parts {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.snapshot()
	b.tomb, b.runCtx, b.running = nil, nil, false
	return p
}

func (b *Bus) stop() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if !b.Running() {
		return nil
	}
	err := b.shutdown(b.halt())
	b.Logger.Info("Bus stopped", nil)
	return err
}

// shutdown stops components in the reverse order of start. No bus lock is
// held: in-flight handlers may still publish while their endpoint drains.
func (b *Bus) shutdown(p parts) error {
	var errs []error
	if err := b.timeouts.Stop(); err != nil {
		errs = append(errs, err)
	}
	for i := len(p.endpoints) - 1; i >= 0; i-- {
		if err := p.endpoints[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop endpoint %s: %w", p.endpoints[i].Name(), err))
		}
	}
	if p.tomb != nil {
		p.tomb.Kill(nil)
		if err := p.tomb.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, err)
		}
	}
	for i := len(p.adapters) - 1; i >= 0; i-- {
		if err := p.adapters[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop adapter %s: %w", p.adapters[i].URI(), err))
		}
	}
	errs = append(errs, b.shutdownHTTPServers())
	return errors.Join(errs...)
}

// Close stops a running bus and releases transports and the persistence
// backend. Publishing after Close fails with ErrBusClosed.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stopping)

		errs := []error{b.stop()}
		b.mu.Lock()
		built := b.built
		b.built = map[string]transport.Transport{}
		b.mu.Unlock()
		for name, t := range built {
			if cerr := t.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close transport %s: %w", name, cerr))
			}
		}
		if b.ownsBackend {
			errs = append(errs, b.backend.Close())
		}
		err = errors.Join(errs...)
		close(b.stopped)
	})
	<-b.stopped
	return err
}
