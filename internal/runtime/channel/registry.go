package channel

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

// Normalize returns the registry key for a channel name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Registry maps normalized names to channels. Each name maps to at most one
// channel for the lifetime of the registry.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel

	// observers are attached to every channel registered afterwards.
	observers []Observer
}

func NewRegistry(obs ...Observer) *Registry {
	return &Registry{
		channels:  make(map[string]Channel),
		observers: obs,
	}
}

// Register adds ch under its name and returns the channel now registered for
// that name. If the name is already taken the existing channel is returned
// and ch is ignored.
func (r *Registry) Register(ch Channel) (Channel, error) {
	if IsNull(ch) {
		return nil, errspkg.ErrChannelNameRequired
	}
	key := Normalize(ch.Name())
	if key == "" {
		return nil, errspkg.ErrChannelNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.channels[key]; ok {
		return existing, nil
	}
	if o, ok := ch.(Observable); ok {
		for _, obs := range r.observers {
			o.AddObserver(obs)
		}
	}
	r.channels[key] = ch
	return ch, nil
}

// RegisterName registers a point-to-point channel called name.
func (r *Registry) RegisterName(name string) (Channel, error) {
	if Normalize(name) == "" {
		return nil, errspkg.ErrChannelNameRequired
	}
	return r.Register(NewQueue(strings.TrimSpace(name)))
}

// RegisterPublishSubscribe registers a publish-subscribe channel called name.
func (r *Registry) RegisterPublishSubscribe(name string) (Channel, error) {
	if Normalize(name) == "" {
		return nil, errspkg.ErrChannelNameRequired
	}
	return r.Register(NewPublishSubscribe(strings.TrimSpace(name)))
}

// Find returns the channel registered as name, or the null channel.
func (r *Registry) Find(name string) Channel {
	key := Normalize(name)
	if key == "" {
		return null
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch, ok := r.channels[key]; ok {
		return ch
	}
	return null
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return !IsNull(r.Find(name))
}

// Names returns the registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// LookupError reports a failed typed lookup.
type LookupError struct {
	Name string
	Want string
	// Got is empty when no channel is registered under Name.
	Got string
}

func (e *LookupError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("channel %q: not registered (want %s)", e.Name, e.Want)
	}
	return fmt.Sprintf("channel %q: is %s, want %s", e.Name, e.Got, e.Want)
}

// FindAs looks up name and asserts its concrete kind.
func FindAs[T Channel](r *Registry, name string) (T, error) {
	var zero T
	want := reflect.TypeFor[T]().String()

	ch := r.Find(name)
	if IsNull(ch) {
		return zero, &LookupError{Name: name, Want: want}
	}
	typed, ok := ch.(T)
	if !ok {
		return zero, &LookupError{Name: name, Want: want, Got: reflect.TypeOf(ch).String()}
	}
	return typed, nil
}
