// Package dispatch resolves and invokes handler methods by the runtime type
// of a payload.
//
// A handler method has one of these shapes, where M is the message type and
// R any result type:
//
//	func(M) | func(context.Context, M)
//	returning nothing, R, error or (R, error)
//
// Methods taking no message (only an optional context) are not selected by
// type; they are reachable by name, which is how scheduled endpoints call
// them. Method tables are built once per receiver type and shared by every
// binding of that type.
package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

type method struct {
	name     string
	index    int
	msgType  reflect.Type // nil when the method takes no message
	takesCtx bool
	returns  bool // returns a non-error value
	failable bool // last result is an error
}

// table is the per receiver type method index.
type table struct {
	typ      reflect.Type
	byName   map[string]*method
	handlers []*method
	// resolved caches payload type -> *method or *DispatchError.
	resolved sync.Map
}

// Dispatcher owns the method tables. The zero value is not usable; call New.
type Dispatcher struct {
	mu     sync.RWMutex
	tables map[reflect.Type]*table
}

func New() *Dispatcher {
	return &Dispatcher{tables: make(map[reflect.Type]*table)}
}

// Binding pairs a target instance with its method table.
type Binding struct {
	target reflect.Value
	table  *table
}

// Result describes a successful dispatch.
type Result struct {
	// Method is the name of the invoked method.
	Method string
	// Envelope wraps the returned value, or is the null envelope when the
	// method returned nothing.
	Envelope *envelopepkg.Envelope
}

// Bind builds (or reuses) the method table for target's type.
func (d *Dispatcher) Bind(target any) (*Binding, error) {
	if target == nil {
		return nil, errspkg.ErrTargetRequired
	}
	v := reflect.ValueOf(target)
	t := v.Type()

	d.mu.RLock()
	tbl, ok := d.tables[t]
	d.mu.RUnlock()
	if !ok {
		d.mu.Lock()
		if tbl, ok = d.tables[t]; !ok {
			tbl = buildTable(t)
			d.tables[t] = tbl
		}
		d.mu.Unlock()
	}
	return &Binding{target: v, table: tbl}, nil
}

// Dispatch binds target and dispatches e to it.
func (d *Dispatcher) Dispatch(ctx context.Context, target any, e *envelopepkg.Envelope, methodName string) (Result, error) {
	b, err := d.Bind(target)
	if err != nil {
		return Result{}, err
	}
	return b.Dispatch(ctx, e, methodName)
}

func buildTable(t reflect.Type) *table {
	tbl := &table{typ: t, byName: make(map[string]*method)}
	embedded := promotedNames(t)
	for i := 0; i < t.NumMethod(); i++ {
		rm := t.Method(i)
		if embedded[rm.Name] {
			continue
		}
		m, ok := inspect(rm)
		if !ok {
			continue
		}
		m.index = i
		tbl.byName[m.name] = m
		if m.msgType != nil {
			tbl.handlers = append(tbl.handlers, m)
		}
	}
	return tbl
}

// promotedNames lists the methods a struct target gains from its embedded
// fields. Only methods declared on the target itself are handlers; a
// method that shadows an embedded one of the same name is skipped too.
func promotedNames(t reflect.Type) map[string]bool {
	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct {
		return nil
	}
	var names map[string]bool
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := f.Type
		if ft.Kind() != reflect.Pointer && ft.Kind() != reflect.Interface {
			ft = reflect.PointerTo(ft)
		}
		for j := 0; j < ft.NumMethod(); j++ {
			if names == nil {
				names = make(map[string]bool)
			}
			names[ft.Method(j).Name] = true
		}
	}
	return names
}

func inspect(rm reflect.Method) (*method, bool) {
	if !rm.IsExported() {
		return nil, false
	}
	ft := rm.Type
	params := make([]reflect.Type, 0, ft.NumIn())
	// In(0) is the receiver.
	for i := 1; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	if ft.IsVariadic() {
		return nil, false
	}

	m := &method{name: rm.Name}
	if len(params) > 0 && params[0] == contextType {
		m.takesCtx = true
		params = params[1:]
	}
	switch len(params) {
	case 0:
	case 1:
		m.msgType = params[0]
	default:
		return nil, false
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.failable = true
		} else {
			m.returns = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
		m.returns = true
		m.failable = true
	default:
		return nil, false
	}
	return m, true
}

// Methods lists the invocable method names in sorted order.
func (b *Binding) Methods() []string {
	names := make([]string, 0, len(b.table.byName))
	for name := range b.table.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasMethod reports whether name is an invocable method of the target.
func (b *Binding) HasMethod(name string) bool {
	_, ok := b.table.byName[name]
	return ok
}

// TakesMessage reports whether the named method expects a message argument.
func (b *Binding) TakesMessage(name string) bool {
	m, ok := b.table.byName[name]
	return ok && m.msgType != nil
}

// TargetName returns the receiver type name used in errors.
func (b *Binding) TargetName() string { return b.table.typ.String() }

// Resolve returns the name of the method that would handle a payload of
// type t.
func (b *Binding) Resolve(t reflect.Type) (string, error) {
	m, err := b.table.resolve(t)
	if err != nil {
		return "", err
	}
	return m.name, nil
}

func (tbl *table) resolve(t reflect.Type) (*method, error) {
	if cached, ok := tbl.resolved.Load(t); ok {
		if err, isErr := cached.(*DispatchError); isErr {
			return nil, err
		}
		return cached.(*method), nil
	}
	m, err := tbl.selectHandler(t)
	if err != nil {
		tbl.resolved.Store(t, err)
		return nil, err
	}
	tbl.resolved.Store(t, m)
	return m, nil
}

// selectHandler prefers an exact parameter type match. Otherwise among the
// handlers the payload is assignable to it picks the one whose parameter
// type is assignable to every other candidate's.
func (tbl *table) selectHandler(t reflect.Type) (*method, *DispatchError) {
	fail := func(kind Kind, candidates []*method) *DispatchError {
		de := &DispatchError{Kind: kind, Target: tbl.typ.String()}
		if t != nil {
			de.MessageType = t.String()
		}
		for _, c := range candidates {
			de.Candidates = append(de.Candidates, c.name)
		}
		slices.Sort(de.Candidates)
		return de
	}
	if t == nil {
		return nil, fail(KindNoHandler, nil)
	}

	var exact, assignable []*method
	for _, m := range tbl.handlers {
		switch {
		case m.msgType == t:
			exact = append(exact, m)
		case t.AssignableTo(m.msgType):
			assignable = append(assignable, m)
		}
	}
	switch len(exact) {
	case 1:
		return exact[0], nil
	case 0:
	default:
		return nil, fail(KindAmbiguous, exact)
	}
	if len(assignable) == 0 {
		return nil, fail(KindNoHandler, nil)
	}

	var best []*method
	for _, m := range assignable {
		mostSpecific := true
		for _, other := range assignable {
			if other != m && !m.msgType.AssignableTo(other.msgType) {
				mostSpecific = false
				break
			}
		}
		if mostSpecific {
			best = append(best, m)
		}
	}
	if len(best) != 1 {
		return nil, fail(KindAmbiguous, assignable)
	}
	return best[0], nil
}

// Dispatch invokes methodName, or the handler selected by the payload's
// runtime type when methodName is empty. The payload of the null envelope
// is nil, which only methods taking no message accept.
func (b *Binding) Dispatch(ctx context.Context, e *envelopepkg.Envelope, methodName string) (res Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	payload := e.Payload()
	payloadType := reflect.TypeOf(payload)

	var m *method
	if methodName != "" {
		var ok bool
		if m, ok = b.table.byName[methodName]; !ok {
			return Result{}, &DispatchError{Kind: KindUnknownMethod, Target: b.TargetName(), Method: methodName}
		}
		if m.msgType != nil && (payloadType == nil || !payloadType.AssignableTo(m.msgType)) {
			de := &DispatchError{Kind: KindNoHandler, Target: b.TargetName(), Method: methodName}
			if payloadType != nil {
				de.MessageType = payloadType.String()
			}
			return Result{}, de
		}
	} else {
		if m, err = b.table.resolve(payloadType); err != nil {
			return Result{}, err
		}
	}

	ctx, span := otel.Tracer("flowbus/dispatch").Start(ctx, "dispatch "+b.TargetName()+"."+m.name,
		trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("flowbus.method", m.name),
		attribute.String("flowbus.envelope_id", e.Header.ID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	out, err := b.call(envelopepkg.NewContext(ctx, e), m, payload)
	if err != nil {
		de := &DispatchError{Kind: KindHandlerFailed, Target: b.TargetName(), Method: m.name, Err: err}
		if payloadType != nil {
			de.MessageType = payloadType.String()
		}
		return Result{Method: m.name}, de
	}
	return Result{Method: m.name, Envelope: wrap(e, out)}, nil
}

func (b *Binding) call(ctx context.Context, m *method, payload any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	fn := b.target.Method(m.index)
	args := make([]reflect.Value, 0, 2)
	if m.takesCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	if m.msgType != nil {
		args = append(args, reflect.ValueOf(payload))
	}
	results := fn.Call(args)

	if m.failable {
		if errVal := results[len(results)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	if m.returns {
		rv := results[0]
		if isNil(rv) {
			return nil, nil
		}
		return rv.Interface(), nil
	}
	return nil, nil
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func wrap(in *envelopepkg.Envelope, out any) *envelopepkg.Envelope {
	switch v := out.(type) {
	case nil:
		return envelopepkg.Null()
	case *envelopepkg.Envelope:
		if v.IsNull() {
			return envelopepkg.Null()
		}
		if v.Header.CorrelationID == "" && !in.IsNull() {
			v.Header.CorrelationID = in.CorrelationKey()
		}
		return v
	}
	return in.Reply(out)
}

// String is used in log fields.
func (r Result) String() string {
	return fmt.Sprintf("%s -> %s", r.Method, r.Envelope)
}
