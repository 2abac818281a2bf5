package runtime

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"golang.org/x/time/rate"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	pipelinepkg "github.com/drblury/flowbus/internal/runtime/pipeline"
)

// EndpointOptions names channels instead of holding them; the bus creates
// missing queue channels on activation.
type EndpointOptions struct {
	Name string
	// Input is required for reactive endpoints. A publish-subscribe input
	// gets a private subscription named after the endpoint.
	Input  string
	Output string
	// Redirects maps a method name to the channel receiving its results.
	Redirects map[string]string
	// Method is the method a scheduled endpoint calls on every tick.
	Method string

	// Zero values fall back to the bus configuration.
	Concurrency  int
	PollInterval time.Duration

	RateLimit rate.Limit
	Burst     int

	ReceivePipeline *pipelinepkg.Pipeline
	SendPipeline    *pipelinepkg.Pipeline
	Hooks           endpointpkg.JobHooks
}

// Activate binds target to a channel. Workers start with the bus, or
// immediately when the bus is already running.
func (b *Bus) Activate(target any, opts EndpointOptions) (*endpointpkg.Activator, error) {
	return b.activate(target, endpointpkg.Reactive, opts)
}

// Schedule calls opts.Method on target every opts.PollInterval.
func (b *Bus) Schedule(target any, opts EndpointOptions) (*endpointpkg.Activator, error) {
	return b.activate(target, endpointpkg.Scheduled, opts)
}

// ActivateSagas routes every message type the saga engine handles to input
// and binds the engine there. Call it after the saga handlers are
// registered.
func (b *Bus) ActivateSagas(input string, concurrency int) (*endpointpkg.Activator, error) {
	ep, err := b.Activate(b.sagas.Endpoint(), EndpointOptions{
		Name:        "sagas",
		Input:       input,
		Concurrency: concurrency,
	})
	if err != nil {
		return nil, err
	}
	ch := b.channels.Find(input)
	for _, t := range b.sagas.MessageTypes() {
		b.route(t, ch.Name())
	}
	return ep, nil
}

func (b *Bus) activate(target any, style endpointpkg.Style, opts EndpointOptions) (*endpointpkg.Activator, error) {
	if opts.Name == "" {
		return nil, errspkg.ErrEndpointNameRequired
	}
	eo := endpointpkg.Options{
		Name:            opts.Name,
		Style:           style,
		Method:          opts.Method,
		Concurrency:     opts.Concurrency,
		PollInterval:    opts.PollInterval,
		ReceiveTimeout:  b.Conf.ReceiveTimeout,
		RateLimit:       opts.RateLimit,
		Burst:           opts.Burst,
		ReceivePipeline: opts.ReceivePipeline,
		SendPipeline:    opts.SendPipeline,
		Resolve:         b.channels.Find,
		Hooks:           b.metrics.JobHooks().Merge(endpointpkg.LoggingHooks(b.Logger)).Merge(b.hooks).Merge(opts.Hooks),
		Logger:          b.Logger,
	}
	if eo.Concurrency <= 0 {
		eo.Concurrency = b.Conf.WorkerConcurrency
	}
	if eo.PollInterval <= 0 {
		eo.PollInterval = b.Conf.PollInterval
	}

	var err error
	if opts.Input != "" {
		if eo.Input, err = b.ensureChannel(opts.Input); err != nil {
			return nil, err
		}
		if ps, ok := eo.Input.(*channelpkg.PublishSubscribeChannel); ok {
			eo.Input = ps.Subscribe(opts.Name)
		}
	}
	if opts.Output != "" {
		if eo.Output, err = b.ensureChannel(opts.Output); err != nil {
			return nil, err
		}
	}
	if len(opts.Redirects) > 0 {
		eo.Redirects = make(map[string]channelpkg.Channel, len(opts.Redirects))
		for method, name := range opts.Redirects {
			if eo.Redirects[method], err = b.ensureChannel(name); err != nil {
				return nil, err
			}
		}
	}

	ep, err := endpointpkg.New(b.dispatcher, target, eo)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.ContainsFunc(b.endpoints, func(a *endpointpkg.Activator) bool { return a.Name() == opts.Name }) {
		return nil, fmt.Errorf("flowbus: endpoint %q already activated", opts.Name)
	}
	b.endpoints = append(b.endpoints, ep)
	if b.running {
		if err := ep.Start(b.runCtx); err != nil {
			return nil, err
		}
	}
	return ep, nil
}

// ensureChannel finds name or creates it as a queue.
func (b *Bus) ensureChannel(name string) (channelpkg.Channel, error) {
	if ch := b.channels.Find(name); !channelpkg.IsNull(ch) {
		return ch, nil
	}
	return b.channels.RegisterName(name)
}

func (b *Bus) route(t reflect.Type, channelName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.routes[t], channelName) {
		b.routes[t] = append(b.routes[t], channelName)
	}
}
