// Package endpoint binds components to channels and runs the worker loops
// that feed them.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	dispatchpkg "github.com/drblury/flowbus/internal/runtime/dispatch"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	pipelinepkg "github.com/drblury/flowbus/internal/runtime/pipeline"
)

// Style is fixed when the activator is created.
type Style int

const (
	// Reactive endpoints dispatch whenever a message is available on the
	// input channel.
	Reactive Style = iota + 1
	// Scheduled endpoints call Options.Method on a fixed interval
	// regardless of channel state.
	Scheduled
)

func (s Style) String() string {
	switch s {
	case Reactive:
		return "reactive"
	case Scheduled:
		return "scheduled"
	}
	return "unknown"
}

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultReceiveTimeout = 250 * time.Millisecond
)

type Options struct {
	Name  string
	Style Style

	// Input is required for reactive endpoints.
	Input channelpkg.Channel
	// Output receives dispatch results unless a redirect applies.
	Output channelpkg.Channel
	// Redirects routes the results of individual methods.
	Redirects map[string]channelpkg.Channel
	// Resolve looks up the reply channel named in an envelope header when
	// neither a redirect nor Output applies.
	Resolve func(name string) channelpkg.Channel

	// Method is the method invoked by scheduled endpoints. On reactive
	// endpoints it forces every message to that method.
	Method string

	// Concurrency is the number of reactive workers draining Input.
	Concurrency int
	// PollInterval is the idle wait of reactive workers and the tick of
	// scheduled endpoints.
	PollInterval   time.Duration
	ReceiveTimeout time.Duration

	// RateLimit caps dispatches per second across all workers. Zero
	// disables limiting.
	RateLimit rate.Limit
	Burst     int

	ReceivePipeline *pipelinepkg.Pipeline
	SendPipeline    *pipelinepkg.Pipeline

	Hooks  JobHooks
	Logger loggingpkg.ServiceLogger
}

func (o Options) withDefaults() Options {
	if o.Style == 0 {
		o.Style = Reactive
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.Output == nil {
		o.Output = channelpkg.Null()
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Activator binds one component instance to one input channel.
type Activator struct {
	opts    Options
	binding *dispatchpkg.Binding
	limiter *rate.Limiter
	logger  loggingpkg.ServiceLogger

	mu   sync.Mutex
	tomb *tomb.Tomb
}

// New validates opts and binds target. Redirect targets are checked against
// the target's methods here, once.
func New(d *dispatchpkg.Dispatcher, target any, opts Options) (*Activator, error) {
	opts = opts.withDefaults()
	if opts.Name == "" {
		return nil, errspkg.ErrEndpointNameRequired
	}
	if d == nil {
		d = dispatchpkg.New()
	}
	binding, err := d.Bind(target)
	if err != nil {
		return nil, err
	}

	switch opts.Style {
	case Reactive:
		if channelpkg.IsNull(opts.Input) {
			return nil, fmt.Errorf("endpoint %q: %w", opts.Name, errspkg.ErrChannelNameRequired)
		}
	case Scheduled:
		if opts.Method == "" {
			return nil, fmt.Errorf("endpoint %q: %w", opts.Name, errspkg.ErrMethodRequired)
		}
	default:
		return nil, fmt.Errorf("endpoint %q: unknown activation style %d", opts.Name, opts.Style)
	}
	if opts.Method != "" && !binding.HasMethod(opts.Method) {
		return nil, &dispatchpkg.DispatchError{Kind: dispatchpkg.KindUnknownMethod, Target: binding.TargetName(), Method: opts.Method}
	}
	if opts.Style == Scheduled && binding.TakesMessage(opts.Method) {
		return nil, fmt.Errorf("endpoint %q: scheduled method %s must not take a message", opts.Name, opts.Method)
	}
	for method := range opts.Redirects {
		if !binding.HasMethod(method) {
			return nil, &dispatchpkg.DispatchError{Kind: dispatchpkg.KindUnknownMethod, Target: binding.TargetName(), Method: method}
		}
	}

	a := &Activator{
		opts:    opts,
		binding: binding,
		logger: loggingpkg.Component(opts.Logger, "endpoint").With(loggingpkg.LogFields{
			"endpoint": opts.Name,
			"style":    opts.Style.String(),
		}),
	}
	if opts.RateLimit > 0 {
		a.limiter = rate.NewLimiter(opts.RateLimit, opts.Burst)
	}
	return a, nil
}

func (a *Activator) Name() string { return a.opts.Name }

func (a *Activator) Style() Style { return a.opts.Style }

// Input returns the bound input channel, or the null channel for scheduled
// endpoints without one.
func (a *Activator) Input() channelpkg.Channel {
	if a.opts.Input == nil {
		return channelpkg.Null()
	}
	return a.opts.Input
}

// Running reports whether workers are active.
func (a *Activator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tomb != nil && a.tomb.Alive()
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (a *Activator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tomb != nil && a.tomb.Alive() {
		return errspkg.ErrAlreadyStarted
	}

	t, tctx := tomb.WithContext(ctx)
	a.tomb = t
	switch a.opts.Style {
	case Scheduled:
		t.Go(func() error { return a.scheduledLoop(tctx, t) })
	default:
		for i := 0; i < a.opts.Concurrency; i++ {
			t.Go(func() error { return a.reactiveLoop(tctx, t) })
		}
	}
	a.logger.Info("Endpoint started", loggingpkg.LogFields{
		"input":       a.Input().Name(),
		"concurrency": a.opts.Concurrency,
	})
	return nil
}

// Stop signals the workers and waits for them. A worker finishes the
// dispatch in progress before it observes the signal.
func (a *Activator) Stop() error {
	a.mu.Lock()
	t := a.tomb
	a.mu.Unlock()
	if t == nil {
		return nil
	}

	t.Kill(nil)
	err := t.Wait()
	a.logger.Info("Endpoint stopped", nil)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Activator) reactiveLoop(ctx context.Context, t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		handled, err := a.ProcessOne(ctx)
		if err != nil {
			// Already reported through the hooks and the logger.
			continue
		}
		if !handled {
			select {
			case <-t.Dying():
				return nil
			case <-time.After(a.opts.PollInterval):
			}
		}
	}
}

func (a *Activator) scheduledLoop(ctx context.Context, t *tomb.Tomb) error {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			_ = a.Tick(ctx)
		}
	}
}

// ProcessOne receives at most one envelope from the input channel and
// handles it. It reports false when nothing was available. Errors are
// returned after being passed to the hooks.
func (a *Activator) ProcessOne(ctx context.Context) (bool, error) {
	e := a.Input().Receive(a.opts.ReceiveTimeout)
	if e.IsNull() {
		return false, nil
	}
	return true, a.Handle(ctx, e)
}

// Handle runs e through the receive pipeline, dispatches it and forwards the
// result.
func (a *Activator) Handle(ctx context.Context, e *envelopepkg.Envelope) error {
	job := JobContext{
		Endpoint:      a.opts.Name,
		Channel:       e.Header.InputChannel,
		Method:        a.opts.Method,
		EnvelopeID:    e.Header.ID,
		CorrelationID: e.CorrelationKey(),
		Context:       ctx,
		StartedAt:     time.Now(),
	}
	a.opts.Hooks.start(job)

	method, err := a.handle(ctx, e)
	if method != "" {
		job.Method = method
	}
	job.Duration = time.Since(job.StartedAt)
	if err != nil {
		a.opts.Hooks.failed(job, err)
		a.logger.Error("Endpoint iteration failed", err, jobFields(job))
		return err
	}
	a.opts.Hooks.done(job)
	return nil
}

// Tick invokes the scheduled method once.
func (a *Activator) Tick(ctx context.Context) error {
	return a.Handle(ctx, envelopepkg.Null())
}

func (a *Activator) handle(ctx context.Context, e *envelopepkg.Envelope) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	in, err := a.opts.ReceivePipeline.Invoke(ctx, pipelinepkg.Receive, e.Header.InputChannel, e)
	if err != nil {
		return "", err
	}
	if in.IsNull() && a.opts.Style == Reactive {
		return "", nil
	}

	res, err := a.binding.Dispatch(ctx, in, a.opts.Method)
	if err != nil {
		return res.Method, err
	}
	return res.Method, a.forward(ctx, in, res)
}

// forward sends the result to the method's redirect channel, else the
// output channel, else the reply channel named by the request, else drops
// it.
func (a *Activator) forward(ctx context.Context, in *envelopepkg.Envelope, res dispatchpkg.Result) error {
	if res.Envelope.IsNull() {
		return nil
	}
	target := a.route(in, res.Method)
	if channelpkg.IsNull(target) {
		a.logger.Debug("Dropping dispatch result without destination", loggingpkg.LogFields{
			"method":      res.Method,
			"envelope_id": res.Envelope.Header.ID,
		})
		return nil
	}

	out, err := a.opts.SendPipeline.Invoke(ctx, pipelinepkg.Send, target.Name(), res.Envelope)
	if err != nil {
		return err
	}
	target.Send(out)
	return nil
}

func (a *Activator) route(in *envelopepkg.Envelope, method string) channelpkg.Channel {
	if ch, ok := a.opts.Redirects[method]; ok && !channelpkg.IsNull(ch) {
		return ch
	}
	if !channelpkg.IsNull(a.opts.Output) {
		return a.opts.Output
	}
	if !in.IsNull() && in.Header.ReplyChannel != "" && a.opts.Resolve != nil {
		return a.opts.Resolve(in.Header.ReplyChannel)
	}
	return channelpkg.Null()
}
