// Package channel provides named in-process message queues and the registry
// used to look them up.
package channel

import (
	"sync"
	"time"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
)

// Channel is a named FIFO of envelopes.
type Channel interface {
	Name() string
	// Send appends e to the channel. It never blocks indefinitely.
	Send(e *envelopepkg.Envelope)
	// Receive pops the head envelope, waiting at most timeout. It returns the
	// null envelope when nothing arrives in time.
	Receive(timeout time.Duration) *envelopepkg.Envelope
	// Len reports how many envelopes are waiting.
	Len() int
}

// Observer is notified synchronously on the sending or receiving goroutine,
// so implementations must not block.
type Observer interface {
	OnSent(channel string, e *envelopepkg.Envelope)
	OnReceived(channel string, e *envelopepkg.Envelope)
}

// Observable channels accept observers after construction.
type Observable interface {
	AddObserver(o Observer)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Sent     func(channel string, e *envelopepkg.Envelope)
	Received func(channel string, e *envelopepkg.Envelope)
}

func (o ObserverFuncs) OnSent(channel string, e *envelopepkg.Envelope) {
	if o.Sent != nil {
		o.Sent(channel, e)
	}
}

func (o ObserverFuncs) OnReceived(channel string, e *envelopepkg.Envelope) {
	if o.Received != nil {
		o.Received(channel, e)
	}
}

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	if obs == nil {
		return
	}
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observers) sent(name string, e *envelopepkg.Envelope) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.list {
		obs.OnSent(name, e)
	}
}

func (o *observers) received(name string, e *envelopepkg.Envelope) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.list {
		obs.OnReceived(name, e)
	}
}

// QueueChannel is a point-to-point channel: each envelope is received by
// exactly one consumer.
type QueueChannel struct {
	name string

	mu    sync.Mutex
	items []*envelopepkg.Envelope
	// ready holds a token while items may be waiting.
	ready chan struct{}

	observers observers
}

// NewQueue creates an unbounded point-to-point channel.
func NewQueue(name string, obs ...Observer) *QueueChannel {
	c := &QueueChannel{
		name:  name,
		ready: make(chan struct{}, 1),
	}
	for _, o := range obs {
		c.observers.add(o)
	}
	return c
}

func (c *QueueChannel) Name() string { return c.name }

func (c *QueueChannel) AddObserver(o Observer) { c.observers.add(o) }

// Send stamps the channel name into the envelope header and enqueues it.
// The null envelope is ignored.
func (c *QueueChannel) Send(e *envelopepkg.Envelope) {
	if e.IsNull() {
		return
	}
	e.Header.InputChannel = c.name

	c.mu.Lock()
	c.items = append(c.items, e)
	c.mu.Unlock()

	c.signal()
	c.observers.sent(c.name, e)
}

func (c *QueueChannel) Receive(timeout time.Duration) *envelopepkg.Envelope {
	if e := c.pop(); e != nil {
		return e
	}
	if timeout <= 0 {
		return envelopepkg.Null()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.ready:
			if e := c.pop(); e != nil {
				return e
			}
		case <-timer.C:
			if e := c.pop(); e != nil {
				return e
			}
			return envelopepkg.Null()
		}
	}
}

func (c *QueueChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *QueueChannel) pop() *envelopepkg.Envelope {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return nil
	}
	e := c.items[0]
	c.items[0] = nil
	c.items = c.items[1:]
	more := len(c.items) > 0
	c.mu.Unlock()

	if more {
		c.signal()
	}
	c.observers.received(c.name, e)
	return e
}

func (c *QueueChannel) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// PublishSubscribeChannel fans every envelope out to all subscriptions.
// Consumers read from the channel returned by Subscribe; Receive on the
// publish-subscribe channel itself always yields the null envelope.
type PublishSubscribeChannel struct {
	name string

	mu   sync.RWMutex
	subs map[string]*QueueChannel
	// order keeps fan-out deterministic.
	order []string

	observers observers
}

func NewPublishSubscribe(name string, obs ...Observer) *PublishSubscribeChannel {
	c := &PublishSubscribeChannel{
		name: name,
		subs: make(map[string]*QueueChannel),
	}
	for _, o := range obs {
		c.observers.add(o)
	}
	return c
}

func (c *PublishSubscribeChannel) Name() string { return c.name }

func (c *PublishSubscribeChannel) AddObserver(o Observer) { c.observers.add(o) }

// Subscribe returns the queue for subscriber, creating it on first use.
// Envelopes sent before a subscription exists are not replayed to it.
func (c *PublishSubscribeChannel) Subscribe(subscriber string) *QueueChannel {
	key := Normalize(subscriber)

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.subs[key]; ok {
		return q
	}
	q := NewQueue(c.name + "/" + key)
	c.subs[key] = q
	c.order = append(c.order, key)
	return q
}

// Unsubscribe removes a subscription and discards its pending envelopes.
func (c *PublishSubscribeChannel) Unsubscribe(subscriber string) {
	key := Normalize(subscriber)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; !ok {
		return
	}
	delete(c.subs, key)
	for i, name := range c.order {
		if name == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Send delivers a clone of e to every subscription.
func (c *PublishSubscribeChannel) Send(e *envelopepkg.Envelope) {
	if e.IsNull() {
		return
	}
	e.Header.InputChannel = c.name

	c.mu.RLock()
	targets := make([]*QueueChannel, 0, len(c.order))
	for _, key := range c.order {
		targets = append(targets, c.subs[key])
	}
	c.mu.RUnlock()

	for _, q := range targets {
		q.Send(e.Clone())
	}
	c.observers.sent(c.name, e)
}

func (c *PublishSubscribeChannel) Receive(time.Duration) *envelopepkg.Envelope {
	return envelopepkg.Null()
}

// Len reports the number of subscriptions.
func (c *PublishSubscribeChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

type nullChannel struct{}

var null Channel = nullChannel{}

// Null returns the channel that stands in for unknown names. Sending to it
// discards the envelope and receiving from it yields the null envelope
// immediately.
func Null() Channel { return null }

// IsNull reports whether ch is the null channel or nil.
func IsNull(ch Channel) bool {
	if ch == nil {
		return true
	}
	_, ok := ch.(nullChannel)
	return ok
}

func (nullChannel) Name() string                                { return "" }
func (nullChannel) Send(*envelopepkg.Envelope)                  {}
func (nullChannel) Receive(time.Duration) *envelopepkg.Envelope { return envelopepkg.Null() }
func (nullChannel) Len() int                                    { return 0 }
