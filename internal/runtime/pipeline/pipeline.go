// Package pipeline runs an ordered chain of components around a send or
// receive hop.
package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
)

// Direction tells a component which hop it wraps.
type Direction int

const (
	Send Direction = iota + 1
	Receive
)

func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Component transforms or validates an envelope. Returning the null envelope
// drops the message and skips the remaining components.
type Component interface {
	Name() string
	Process(ctx context.Context, dir Direction, e *envelopepkg.Envelope) (*envelopepkg.Envelope, error)
}

// ComponentFunc is the function form of Component.Process.
type ComponentFunc func(ctx context.Context, dir Direction, e *envelopepkg.Envelope) (*envelopepkg.Envelope, error)

type funcComponent struct {
	name string
	fn   ComponentFunc
}

func (c funcComponent) Name() string { return c.name }

func (c funcComponent) Process(ctx context.Context, dir Direction, e *envelopepkg.Envelope) (*envelopepkg.Envelope, error) {
	return c.fn(ctx, dir, e)
}

// Named wraps fn as a Component.
func Named(name string, fn ComponentFunc) Component {
	return funcComponent{name: name, fn: fn}
}

// FlowThrough passes every envelope on unchanged.
var FlowThrough = Named("flow-through", func(_ context.Context, _ Direction, e *envelopepkg.Envelope) (*envelopepkg.Envelope, error) {
	return e, nil
})

// OnlyOn applies c in one direction and flows through in the other.
func OnlyOn(dir Direction, c Component) Component {
	return Named(c.Name(), func(ctx context.Context, d Direction, e *envelopepkg.Envelope) (*envelopepkg.Envelope, error) {
		if d != dir {
			return e, nil
		}
		return c.Process(ctx, d, e)
	})
}

// Pipeline is immutable once built.
type Pipeline struct {
	name       string
	components []Component
}

// New copies components; an empty list yields a flow-through pipeline.
func New(name string, components ...Component) *Pipeline {
	list := make([]Component, 0, len(components))
	for _, c := range components {
		if c != nil {
			list = append(list, c)
		}
	}
	if len(list) == 0 {
		list = append(list, FlowThrough)
	}
	return &Pipeline{name: name, components: list}
}

// Identity returns a flow-through pipeline.
func Identity() *Pipeline { return New("flow-through") }

func (p *Pipeline) Name() string { return p.name }

// Components returns the component names in order.
func (p *Pipeline) Components() []string {
	names := make([]string, len(p.components))
	for i, c := range p.components {
		names[i] = c.Name()
	}
	return names
}

// Invoke runs e through every component in order. The first failing
// component aborts the chain with a *PipelineError. A nil pipeline flows
// through.
func (p *Pipeline) Invoke(ctx context.Context, dir Direction, channelName string, e *envelopepkg.Envelope) (out *envelopepkg.Envelope, err error) {
	if p == nil || e.IsNull() {
		return e, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer("flowbus/pipeline").Start(ctx, "pipeline "+p.name,
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("flowbus.pipeline", p.name),
		attribute.String("flowbus.channel", channelName),
		attribute.String("flowbus.direction", dir.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	current := e
	for _, c := range p.components {
		next, cerr := c.Process(ctx, dir, current)
		if cerr != nil {
			return nil, &PipelineError{
				Pipeline:  p.name,
				Channel:   channelName,
				Component: c.Name(),
				Direction: dir,
				Err:       cerr,
			}
		}
		if next.IsNull() {
			return envelopepkg.Null(), nil
		}
		current = next
	}
	return current, nil
}

// PipelineError carries the hop context of a failed component.
type PipelineError struct {
	Pipeline  string
	Channel   string
	Component string
	Direction Direction
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %q on channel %q: component %q failed on %s: %v",
		e.Pipeline, e.Channel, e.Component, e.Direction, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
