// Package typeregistry maps stable names to Go types so payloads can be
// stored or sent as bytes and decoded back into their original type.
package typeregistry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	jsoncodecpkg "github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// ErrUnknownType is returned when decoding a name that was never registered.
var ErrUnknownType = errors.New("typeregistry: unknown type")

var protoMessageType = reflect.TypeFor[proto.Message]()

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func New() *Registry {
	return &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// NameOf returns the default name for t, e.g. "github.com/acme/orders.Placed"
// or "*github.com/acme/orders.Placed".
func NameOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		return "*" + NameOf(t.Elem())
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Register records the type of sample under its default name and returns it.
func (r *Registry) Register(sample any) string {
	t := reflect.TypeOf(sample)
	name := NameOf(t)
	_ = r.RegisterAs(name, sample)
	return name
}

// RegisterAs records the type of sample under name. Registering the same
// pair again is a no-op; reusing a name for a different type fails.
func (r *Registry) RegisterAs(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil || name == "" {
		return fmt.Errorf("typeregistry: name and sample are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok {
		if existing != t {
			return fmt.Errorf("typeregistry: name %q already bound to %s", name, existing)
		}
		return nil
	}
	r.byName[name] = t
	if _, ok := r.byType[t]; !ok {
		r.byType[t] = name
	}
	return nil
}

// Name returns the registered name for the runtime type of v.
func (r *Registry) Name(v any) (string, error) {
	t := reflect.TypeOf(v)
	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, NameOf(t))
	}
	return name, nil
}

// Type returns the type registered under name.
func (r *Registry) Type(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Encode returns the registered name of v and its serialized form. Protobuf
// messages are encoded with protojson, everything else as JSON.
func (r *Registry) Encode(v any) (string, []byte, error) {
	name, err := r.Name(v)
	if err != nil {
		return "", nil, err
	}
	var data []byte
	if pm, ok := v.(proto.Message); ok {
		data, err = protojson.Marshal(pm)
	} else {
		data, err = jsoncodecpkg.Marshal(v)
	}
	if err != nil {
		return "", nil, fmt.Errorf("typeregistry: encode %s: %w", name, err)
	}
	return name, data, nil
}

// Decode rebuilds a value of the type registered under name. Pointer types
// decode to a fresh pointer, value types to a value.
func (r *Registry) Decode(name string, data []byte) (any, error) {
	t, ok := r.Type(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	base := t
	if t.Kind() == reflect.Pointer {
		base = t.Elem()
	}
	ptr := reflect.New(base)

	var err error
	if t.Kind() == reflect.Pointer && t.Implements(protoMessageType) {
		err = protojson.Unmarshal(data, ptr.Interface().(proto.Message))
	} else {
		err = jsoncodecpkg.Unmarshal(data, ptr.Interface())
	}
	if err != nil {
		return nil, fmt.Errorf("typeregistry: decode %s: %w", name, err)
	}

	if t.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
