package saga

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

type orderPlaced struct {
	MessageBase
	OrderID string
}

type paymentReceived struct {
	MessageBase
	Amount int
}

type orderShipped struct {
	MessageBase
}

type paymentOverdue struct {
	MessageBase
}

type orderSaga struct {
	Data
	OrderID string
	Paid    int
}

type ballotSaga struct {
	Data
	Votes map[string]int
}

type ballotOpened struct {
	MessageBase
}

type voteCast struct {
	MessageBase
	Option string
	Fail   bool
}

type auditSaga struct {
	Data
	Seen int
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []any
}

func (p *recordingPublisher) Publish(_ context.Context, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, payload)
	return nil
}

func newEngine(t *testing.T, opts Options) (*Engine, *MemoryPersister) {
	t.Helper()
	p := NewMemoryPersister()
	opts.Persister = p
	e, err := NewEngine(opts)
	require.NoError(t, err)

	require.NoError(t, Initiate(e, func(sc *Context, s *orderSaga, m orderPlaced) error {
		s.OrderID = m.OrderID
		return nil
	}))
	require.NoError(t, Orchestrate(e, func(sc *Context, s *orderSaga, m paymentReceived) error {
		if m.Amount < 0 {
			return errors.New("negative payment")
		}
		s.Paid += m.Amount
		return nil
	}))
	require.NoError(t, Orchestrate(e, func(sc *Context, s *orderSaga, m orderShipped) error {
		s.MarkCompleted()
		return nil
	}))
	return e, p
}

func onlySaga(t *testing.T, p *MemoryPersister) *orderSaga {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.sagas, 1)
	for _, s := range p.sagas {
		return s.(*orderSaga)
	}
	return nil
}

func TestInitiatorCreatesExactlyOneSaga(t *testing.T) {
	e, p := newEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, orderPlaced{OrderID: "o-1"}))

	s := onlySaga(t, p)
	assert.NotEmpty(t, s.SagaID())
	assert.Equal(t, "o-1", s.OrderID)
}

func TestOrchestratedMessageMutatesSameInstance(t *testing.T) {
	e, p := newEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, orderPlaced{OrderID: "o-1"}))
	id := onlySaga(t, p).SagaID()

	require.NoError(t, e.Handle(ctx, paymentReceived{MessageBase: MessageBase{SagaID: id}, Amount: 30}))
	require.NoError(t, e.Handle(ctx, paymentReceived{MessageBase: MessageBase{SagaID: id}, Amount: 12}))

	s := onlySaga(t, p)
	assert.Equal(t, id, s.SagaID())
	assert.Equal(t, 42, s.Paid)
	assert.Equal(t, "o-1", s.OrderID)
}

func TestUnknownSagaIDIsNotFound(t *testing.T) {
	e, p := newEngine(t, Options{})

	err := e.Handle(context.Background(), paymentReceived{MessageBase: MessageBase{SagaID: "missing"}, Amount: 1})
	require.ErrorIs(t, err, ErrSagaNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.SagaID)
	assert.Equal(t, 0, p.Len())

	err = e.Handle(context.Background(), paymentReceived{Amount: 1})
	assert.ErrorIs(t, err, ErrSagaNotFound)
	assert.ErrorContains(t, err, "has no saga id")
}

func TestInitiatorKeepsCarriedSagaID(t *testing.T) {
	e, p := newEngine(t, Options{})
	require.NoError(t, e.Handle(context.Background(), orderPlaced{MessageBase: MessageBase{SagaID: "chosen"}, OrderID: "o-2"}))

	assert.Equal(t, "chosen", onlySaga(t, p).SagaID())
}

func TestCompletedSagaIsRemoved(t *testing.T) {
	var infos []HandleInfo
	e, p := newEngine(t, Options{OnHandled: func(info HandleInfo, err error) {
		infos = append(infos, info)
	}})
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, orderPlaced{OrderID: "o-1"}))
	id := onlySaga(t, p).SagaID()

	require.NoError(t, e.Handle(ctx, orderShipped{MessageBase{SagaID: id}}))
	assert.Equal(t, 0, p.Len())

	err := e.Handle(ctx, paymentReceived{MessageBase: MessageBase{SagaID: id}, Amount: 1})
	assert.ErrorIs(t, err, ErrSagaNotFound)

	require.Len(t, infos, 3)
	assert.True(t, infos[0].Created)
	assert.Equal(t, Initiating, infos[0].Role)
	assert.True(t, infos[1].Completed)
	assert.Equal(t, Orchestrated, infos[2].Role)
}

func TestFailingHandlerDoesNotPersistChanges(t *testing.T) {
	e, p := newEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, orderPlaced{OrderID: "o-1"}))
	id := onlySaga(t, p).SagaID()
	require.NoError(t, e.Handle(ctx, paymentReceived{MessageBase: MessageBase{SagaID: id}, Amount: 5}))

	err := e.Handle(ctx, paymentReceived{MessageBase: MessageBase{SagaID: id}, Amount: -1})
	assert.ErrorContains(t, err, "negative payment")
	assert.Equal(t, 5, onlySaga(t, p).Paid)
}

func TestOperatorComplete(t *testing.T) {
	e, p := newEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, orderPlaced{OrderID: "o-1"}))
	id := onlySaga(t, p).SagaID()

	found, ok, err := e.Find(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, found.SagaID())

	require.NoError(t, e.Complete(ctx, id))
	_, ok, err = e.Find(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistrationRules(t *testing.T) {
	e, _ := newEngine(t, Options{})

	err := Initiate(e, func(*Context, *orderSaga, orderPlaced) error { return nil })
	assert.ErrorContains(t, err, "already has a initiating handler")

	err = Orchestrate(e, func(*Context, *orderSaga, orderPlaced) error { return nil })
	assert.Error(t, err)

	err = Initiate(e, func(*Context, *orderSaga, Message) error { return nil })
	assert.ErrorContains(t, err, "must be concrete")

	err = Initiate[*orderSaga, orderPlaced](e, nil)
	assert.Error(t, err)

	_, err = NewEngine(Options{})
	assert.ErrorIs(t, err, errspkg.ErrPersisterRequired)
}

func TestMessageTypesAndTypeRegistry(t *testing.T) {
	types := typeregistrypkg.New()
	e, _ := newEngine(t, Options{Types: types})

	assert.Equal(t, []reflect.Type{
		reflect.TypeFor[orderPlaced](),
		reflect.TypeFor[orderShipped](),
		reflect.TypeFor[paymentReceived](),
	}, e.MessageTypes())
	assert.True(t, e.Handles(orderPlaced{}))
	assert.False(t, e.Handles(paymentOverdue{}))

	_, err := types.Name(&orderSaga{})
	assert.NoError(t, err)
	_, err = types.Name(paymentReceived{})
	assert.NoError(t, err)
}

func TestUnhandledMessage(t *testing.T) {
	e, _ := newEngine(t, Options{})
	assert.ErrorContains(t, e.Handle(context.Background(), paymentOverdue{}), "no handler")
}

func TestSeveralSagaTypesForOneMessage(t *testing.T) {
	e, p := newEngine(t, Options{})
	require.NoError(t, Initiate(e, func(sc *Context, s *auditSaga, m orderPlaced) error {
		s.Seen++
		return nil
	}))

	require.NoError(t, e.Handle(context.Background(), orderPlaced{OrderID: "o-1"}))
	assert.Equal(t, 2, p.Len())
}

func TestInitiatorWithIDOfOtherSagaTypeStartsFresh(t *testing.T) {
	e, p := newEngine(t, Options{})
	require.NoError(t, Initiate(e, func(sc *Context, s *auditSaga, m paymentOverdue) error { return nil }))
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, orderPlaced{OrderID: "o-1"}))
	orderID := onlySaga(t, p).SagaID()

	require.NoError(t, e.Handle(ctx, paymentOverdue{MessageBase{SagaID: orderID}}))
	assert.Equal(t, 2, p.Len())
	s, ok, err := p.Find(ctx, orderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.IsType(t, &orderSaga{}, s)
}

func TestEndpointDelegatesToEngine(t *testing.T) {
	e, p := newEngine(t, Options{})
	require.NoError(t, e.Endpoint().Handle(context.Background(), orderPlaced{OrderID: "o-9"}))
	assert.Equal(t, 1, p.Len())
}

func TestContextPublishAndTimeouts(t *testing.T) {
	pub := &recordingPublisher{}
	timeouts, err := timeoutpkg.NewService(timeoutpkg.NewMemoryPersister(), pub, timeoutpkg.Options{})
	require.NoError(t, err)

	p := NewMemoryPersister()
	e, err := NewEngine(Options{Persister: p, Publisher: pub, Timeouts: timeouts})
	require.NoError(t, err)

	var seenEnvelope *envelopepkg.Envelope
	require.NoError(t, Initiate(e, func(sc *Context, s *orderSaga, m orderPlaced) error {
		seenEnvelope = sc.Envelope()
		if err := sc.Publish(orderShipped{MessageBase{SagaID: sc.SagaID()}}); err != nil {
			return err
		}
		if _, err := sc.RequestTimeout(time.Hour, paymentOverdue{MessageBase{SagaID: sc.SagaID()}}); err != nil {
			return err
		}
		_, err := sc.RequestTimeout(time.Hour, paymentOverdue{MessageBase{SagaID: "someone-else"}})
		assert.ErrorContains(t, err, "carries saga id")
		return nil
	}))
	require.NoError(t, Orchestrate(e, func(sc *Context, s *orderSaga, m paymentReceived) error {
		n, err := sc.CancelTimeout(paymentOverdue{MessageBase{SagaID: sc.SagaID()}})
		assert.Equal(t, 1, n)
		return err
	}))

	ctx := context.Background()
	env := envelopepkg.New(orderPlaced{OrderID: "o-1"})
	require.NoError(t, e.Handle(envelopepkg.NewContext(ctx, env), env.Payload()))
	assert.Same(t, env, seenEnvelope)

	id := onlySaga(t, p).SagaID()
	assert.Equal(t, []any{orderShipped{MessageBase{SagaID: id}}}, pub.sent)

	pending, err := timeouts.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	require.NoError(t, e.Handle(ctx, paymentReceived{MessageBase: MessageBase{SagaID: id}, Amount: 1}))
	pending, err = timeouts.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestContextWithoutCollaborators(t *testing.T) {
	e, err := NewEngine(Options{Persister: NewMemoryPersister()})
	require.NoError(t, err)
	sc := &Context{Context: context.Background(), engine: e, sagaID: "x"}

	assert.ErrorIs(t, sc.Publish("x"), errspkg.ErrPublisherRequired)
	_, err = sc.RequestTimeout(time.Second, "x")
	assert.Error(t, err)
	_, err = sc.CancelTimeout("x")
	assert.Error(t, err)
}

func TestMemoryPersisterCopies(t *testing.T) {
	p := NewMemoryPersister()
	ctx := context.Background()
	s := &orderSaga{Data: Data{ID: "s-1"}, Paid: 1}
	require.NoError(t, p.Save(ctx, s))

	s.Paid = 99
	found, ok, err := p.Find(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, found.(*orderSaga).Paid)

	b := &ballotSaga{Data: Data{ID: "b-1"}, Votes: map[string]int{"a": 1}}
	require.NoError(t, p.Save(ctx, b))
	b.Votes["a"] = 99
	found, _, err = p.Find(ctx, "b-1")
	require.NoError(t, err)
	loaded := found.(*ballotSaga)
	assert.Equal(t, map[string]int{"a": 1}, loaded.Votes)
	loaded.Votes["a"] = 42
	found, _, err = p.Find(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, found.(*ballotSaga).Votes)

	assert.ErrorIs(t, p.Save(ctx, &orderSaga{}), errspkg.ErrPayloadRequired)
}

func TestFailedHandlerLeavesStoredMapUntouched(t *testing.T) {
	p := NewMemoryPersister()
	e, err := NewEngine(Options{Persister: p})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, Initiate(e, func(sc *Context, s *ballotSaga, _ ballotOpened) error {
		s.Votes = map[string]int{"a": 1}
		return nil
	}))
	require.NoError(t, Orchestrate(e, func(sc *Context, s *ballotSaga, m voteCast) error {
		s.Votes[m.Option] = 99
		if m.Fail {
			return errors.New("ballot closed")
		}
		return nil
	}))

	require.NoError(t, e.Handle(ctx, ballotOpened{MessageBase{SagaID: "vote-1"}}))
	err = e.Handle(ctx, voteCast{MessageBase: MessageBase{SagaID: "vote-1"}, Option: "a", Fail: true})
	require.ErrorContains(t, err, "ballot closed")

	found, ok, err := p.Find(ctx, "vote-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": 1}, found.(*ballotSaga).Votes)
}
