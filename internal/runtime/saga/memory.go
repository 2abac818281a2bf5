package saga

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// MemoryPersister keeps sagas in a map guarded by one mutex. It stores and
// hands out JSON copies, like the durable stores, so a handler that fails
// does not leave its partial changes behind and handlers never share maps
// or slices with the stored state. Saga state must survive a JSON round
// trip.
type MemoryPersister struct {
	mu    sync.Mutex
	sagas map[string]Saga
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{sagas: make(map[string]Saga)}
}

func (p *MemoryPersister) Find(_ context.Context, id string) (Saga, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sagas[id]
	if !ok {
		return nil, false, nil
	}
	cp, err := clone(s)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (p *MemoryPersister) Save(_ context.Context, s Saga) error {
	if s == nil || s.SagaID() == "" {
		return errspkg.ErrPayloadRequired
	}
	cp, err := clone(s)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sagas[s.SagaID()] = cp
	return nil
}

func (p *MemoryPersister) Complete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sagas, id)
	return nil
}

// Len returns the number of stored sagas.
func (p *MemoryPersister) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sagas)
}

func clone(s Saga) (Saga, error) {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return s, nil
	}
	data, err := jsoncodec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("saga: copy %s: %w", v.Type(), err)
	}
	cp := reflect.New(v.Elem().Type())
	if err := jsoncodec.Unmarshal(data, cp.Interface()); err != nil {
		return nil, fmt.Errorf("saga: copy %s: %w", v.Type(), err)
	}
	return cp.Interface().(Saga), nil
}
