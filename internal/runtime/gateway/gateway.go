// Package gateway offers a synchronous call over an asynchronous pair of
// request and reply channels.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	pipelinepkg "github.com/drblury/flowbus/internal/runtime/pipeline"
)

// ErrReplyTimeout is returned when no reply arrives within the timeout.
var ErrReplyTimeout = errors.New("gateway: reply timeout")

const DefaultTimeout = 5 * time.Second

// receiveSlice bounds each wait on the reply channel so context
// cancellation is noticed.
const receiveSlice = 50 * time.Millisecond

// requeuePause is how long a caller backs off after putting back a reply
// that belongs to another gateway on a shared reply channel.
const requeuePause = 10 * time.Millisecond

type Options struct {
	Request channelpkg.Channel
	// Reply is optional. Without it Call returns as soon as the request is
	// sent.
	Reply   channelpkg.Channel
	Timeout time.Duration
	// SendPipeline runs on outgoing requests.
	SendPipeline *pipelinepkg.Pipeline
	// ReceivePipeline runs on replies.
	ReceivePipeline *pipelinepkg.Pipeline
}

// Gateway is safe for concurrent use. Replies are matched to calls by
// correlation id. A reply for another pending call of the same gateway is
// handed to that call; one nobody here waits for is put back on the reply
// channel unless it is older than the timeout, in which case it is dropped.
type Gateway struct {
	opts Options

	mu      sync.Mutex
	waiting map[string]chan *envelopepkg.Envelope
}

func New(opts Options) (*Gateway, error) {
	if channelpkg.IsNull(opts.Request) {
		return nil, fmt.Errorf("gateway: %w", errspkg.ErrChannelNameRequired)
	}
	if opts.Reply == nil {
		opts.Reply = channelpkg.Null()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Gateway{opts: opts, waiting: make(map[string]chan *envelopepkg.Envelope)}, nil
}

// Send delivers payload to the request channel without waiting for a reply.
func (g *Gateway) Send(ctx context.Context, payload any) error {
	_, err := g.send(ctx, payload)
	return err
}

func (g *Gateway) send(ctx context.Context, payload any) (*envelopepkg.Envelope, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	e := envelopepkg.New(payload)
	e.Header.CorrelationID = e.Header.ID
	if !channelpkg.IsNull(g.opts.Reply) {
		e.Header.ReplyChannel = g.opts.Reply.Name()
	}
	out, err := g.opts.SendPipeline.Invoke(ctx, pipelinepkg.Send, g.opts.Request.Name(), e)
	if err != nil {
		return nil, err
	}
	g.opts.Request.Send(out)
	return e, nil
}

// Call sends payload and waits for the correlated reply. It returns nil
// without waiting when no reply channel is configured.
func (g *Gateway) Call(ctx context.Context, payload any) (any, error) {
	req, err := g.send(ctx, payload)
	if err != nil {
		return nil, err
	}
	if channelpkg.IsNull(g.opts.Reply) {
		return nil, nil
	}

	mine := g.wait(req.Header.ID)
	defer g.release(req.Header.ID)

	reply, err := g.await(ctx, req.Header.ID, mine)
	if err != nil {
		return nil, err
	}
	in, err := g.opts.ReceivePipeline.Invoke(ctx, pipelinepkg.Receive, g.opts.Reply.Name(), reply)
	if err != nil {
		return nil, err
	}
	return in.Payload(), nil
}

func (g *Gateway) await(ctx context.Context, id string, mine <-chan *envelopepkg.Envelope) (*envelopepkg.Envelope, error) {
	deadline := time.Now().Add(g.opts.Timeout)
	for {
		select {
		case reply := <-mine:
			return reply, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w after %s", ErrReplyTimeout, g.opts.Timeout)
		}
		reply := g.opts.Reply.Receive(min(remaining, receiveSlice))
		if reply.IsNull() {
			continue
		}
		if reply.Header.CorrelationID == id {
			return reply, nil
		}
		if g.handOff(reply) {
			continue
		}
		if time.Since(reply.Header.CreatedAt) > g.opts.Timeout {
			continue
		}
		g.opts.Reply.Send(reply)
		time.Sleep(min(remaining, requeuePause))
	}
}

func (g *Gateway) wait(id string) <-chan *envelopepkg.Envelope {
	ch := make(chan *envelopepkg.Envelope, 1)
	g.mu.Lock()
	g.waiting[id] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gateway) release(id string) {
	g.mu.Lock()
	delete(g.waiting, id)
	g.mu.Unlock()
}

// handOff passes reply to the pending call it correlates to, if any.
func (g *Gateway) handOff(reply *envelopepkg.Envelope) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiting[reply.Header.CorrelationID]
	if !ok {
		return false
	}
	select {
	case ch <- reply:
	default:
		// A duplicate reply for a call that already has one.
	}
	return true
}

// CallAs is Call with the reply payload asserted to R.
func CallAs[R any](ctx context.Context, g *Gateway, payload any) (R, error) {
	var zero R
	out, err := g.Call(ctx, payload)
	if err != nil {
		return zero, err
	}
	r, ok := out.(R)
	if !ok {
		return zero, &envelopepkg.TypeMismatchError{Want: reflect.TypeFor[R](), Got: reflect.TypeOf(out)}
	}
	return r, nil
}
