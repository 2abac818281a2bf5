package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

// Role is fixed per (saga type, message type).
type Role int

const (
	Initiating Role = iota + 1
	Orchestrated
)

func (r Role) String() string {
	switch r {
	case Initiating:
		return "initiating"
	case Orchestrated:
		return "orchestrated"
	}
	return "unknown"
}

// TimeoutScheduler is the part of the timeout service sagas use.
type TimeoutScheduler interface {
	RegisterTimeout(ctx context.Context, d time.Duration, payload any) (*timeoutpkg.Message, error)
	RegisterCancellation(ctx context.Context, payload any) (int, error)
}

// HandleInfo describes one handler invocation for hooks.
type HandleInfo struct {
	SagaType    string
	MessageType string
	SagaID      string
	Role        Role
	Created     bool
	Completed   bool
}

type Options struct {
	Persister Persister
	Publisher timeoutpkg.Publisher
	Timeouts  TimeoutScheduler
	// Types receives every registered saga and message type so durable
	// persisters can decode them.
	Types  *typeregistrypkg.Registry
	Logger loggingpkg.ServiceLogger
	// OnHandled is called after every handler invocation.
	OnHandled func(info HandleInfo, err error)
}

type entry struct {
	sagaType reflect.Type
	msgType  reflect.Type
	role     Role
	newSaga  func() Saga
	invoke   func(sc *Context, s Saga, msg any) error
}

type tableKey struct {
	saga reflect.Type
	msg  reflect.Type
}

// Engine routes correlated messages to saga handlers.
type Engine struct {
	persister Persister
	publisher timeoutpkg.Publisher
	timeouts  TimeoutScheduler
	types     *typeregistrypkg.Registry
	onHandled func(HandleInfo, error)
	logger    loggingpkg.ServiceLogger

	mu      sync.RWMutex
	byMsg   map[reflect.Type][]*entry
	entries map[tableKey]*entry
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Persister == nil {
		return nil, errspkg.ErrPersisterRequired
	}
	if opts.Types == nil {
		opts.Types = typeregistrypkg.New()
	}
	return &Engine{
		persister: opts.Persister,
		publisher: opts.Publisher,
		timeouts:  opts.Timeouts,
		types:     opts.Types,
		onHandled: opts.OnHandled,
		logger:    loggingpkg.Component(opts.Logger, "sagas"),
		byMsg:     make(map[reflect.Type][]*entry),
		entries:   make(map[tableKey]*entry),
	}, nil
}

// Initiate registers fn as the initiating handler of saga type S for
// messages of type M.
func Initiate[S Saga, M any](e *Engine, fn func(sc *Context, s S, m M) error) error {
	return register[S, M](e, Initiating, fn)
}

// Orchestrate registers fn as the orchestrated handler of saga type S for
// messages of type M.
func Orchestrate[S Saga, M Message](e *Engine, fn func(sc *Context, s S, m M) error) error {
	return register[S, M](e, Orchestrated, fn)
}

func register[S Saga, M any](e *Engine, role Role, fn func(*Context, S, M) error) error {
	if fn == nil {
		return fmt.Errorf("saga: handler is required")
	}
	sagaType := reflect.TypeFor[S]()
	if sagaType.Kind() != reflect.Pointer {
		return fmt.Errorf("saga: %s must be a pointer type", sagaType)
	}
	msgType := reflect.TypeFor[M]()
	if msgType.Kind() == reflect.Interface {
		return fmt.Errorf("saga: message type %s must be concrete", msgType)
	}

	en := &entry{
		sagaType: sagaType,
		msgType:  msgType,
		role:     role,
		newSaga: func() Saga {
			return reflect.New(sagaType.Elem()).Interface().(Saga)
		},
		invoke: func(sc *Context, s Saga, msg any) error {
			return fn(sc, s.(S), msg.(M))
		},
	}
	key := tableKey{saga: sagaType, msg: msgType}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.entries[key]; ok {
		return fmt.Errorf("saga: %s already has a %s handler for %s", sagaType, existing.role, msgType)
	}
	e.entries[key] = en
	e.byMsg[msgType] = append(e.byMsg[msgType], en)

	e.types.Register(reflect.Zero(sagaType).Interface())
	e.types.Register(reflect.Zero(msgType).Interface())
	return nil
}

// MessageTypes lists the message types with at least one handler.
func (e *Engine) MessageTypes() []reflect.Type {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]reflect.Type, 0, len(e.byMsg))
	for t := range e.byMsg {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b reflect.Type) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return out
}

// Handles reports whether msg has a registered handler.
func (e *Engine) Handles(msg any) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byMsg[reflect.TypeOf(msg)]) > 0
}

// Handle runs every saga handler registered for the runtime type of msg.
func (e *Engine) Handle(ctx context.Context, msg any) error {
	msgType := reflect.TypeOf(msg)
	e.mu.RLock()
	entries := slices.Clone(e.byMsg[msgType])
	e.mu.RUnlock()
	if len(entries) == 0 {
		return fmt.Errorf("saga: no handler for %v", msgType)
	}

	var errs []error
	for _, en := range entries {
		if err := e.handle(ctx, en, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handle(ctx context.Context, en *entry, msg any) (err error) {
	info := HandleInfo{
		SagaType:    en.sagaType.String(),
		MessageType: en.msgType.String(),
		Role:        en.role,
	}
	defer func() {
		if e.onHandled != nil {
			e.onHandled(info, err)
		}
	}()

	s, created, err := e.load(ctx, en, msg)
	if err != nil {
		return err
	}
	info.Created = created
	info.SagaID = s.SagaID()

	sc := &Context{
		Context:  ctx,
		engine:   e,
		sagaID:   s.SagaID(),
		envelope: envelopepkg.FromContext(ctx),
	}
	if err := en.invoke(sc, s, msg); err != nil {
		return fmt.Errorf("saga %s %s handler for %s: %w", info.SagaType, en.role, info.MessageType, err)
	}

	if s.Completed() {
		info.Completed = true
		if err := e.persister.Complete(ctx, s.SagaID()); err != nil {
			return fmt.Errorf("complete saga %s: %w", s.SagaID(), err)
		}
		e.logger.Debug("Saga completed", loggingpkg.LogFields{"saga_type": info.SagaType, "saga_id": info.SagaID})
		return nil
	}
	if err := e.persister.Save(ctx, s); err != nil {
		return fmt.Errorf("save saga %s: %w", s.SagaID(), err)
	}
	return nil
}

// load returns the persisted instance for msg. Initiating handlers get a
// new instance when none exists: it keeps the carried saga id, or gets a
// fresh one when the message has none or its id belongs to another saga
// type.
func (e *Engine) load(ctx context.Context, en *entry, msg any) (Saga, bool, error) {
	id := ""
	if m, ok := msg.(Message); ok {
		id = m.GetSagaID()
	}
	if id != "" {
		found, ok, err := e.persister.Find(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("find saga %s: %w", id, err)
		}
		if ok && reflect.TypeOf(found) == en.sagaType {
			return found, false, nil
		}
		if ok && en.role == Initiating {
			id = ""
		}
	}
	if en.role != Initiating {
		return nil, false, &NotFoundError{
			SagaType:    en.sagaType.String(),
			MessageType: en.msgType.String(),
			SagaID:      id,
		}
	}
	if id == "" {
		id = idspkg.New()
	}
	s := en.newSaga()
	s.SetSagaID(id)
	return s, true, nil
}

// Find returns the stored saga for id.
func (e *Engine) Find(ctx context.Context, id string) (Saga, bool, error) {
	return e.persister.Find(ctx, id)
}

// Complete removes a saga on operator request.
func (e *Engine) Complete(ctx context.Context, id string) error {
	if err := e.persister.Complete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("Saga completed by operator", loggingpkg.LogFields{"saga_id": id})
	return nil
}

// Endpoint returns the dispatch target that feeds messages to the engine.
func (e *Engine) Endpoint() *Endpoint {
	return &Endpoint{engine: e}
}

// Endpoint exposes only Handle, so the dispatcher routes every payload to
// the engine.
type Endpoint struct {
	engine *Engine
}

func (ep *Endpoint) Handle(ctx context.Context, msg any) error {
	return ep.engine.Handle(ctx, msg)
}
