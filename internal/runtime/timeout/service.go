package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

const DefaultPollInterval = time.Second

// Publisher re-injects a payload into the bus.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, payload any) error

func (f PublisherFunc) Publish(ctx context.Context, payload any) error { return f(ctx, payload) }

// Hooks observe the service. Nil hooks are skipped.
type Hooks struct {
	OnScheduled func(m *Message)
	OnDelivered func(m *Message)
	OnCancelled func(cancel any, removed int)
	// OnError receives poller failures, which are otherwise only logged.
	OnError func(m *Message, err error)
}

type Options struct {
	PollInterval time.Duration
	Logger       loggingpkg.ServiceLogger
	Hooks        Hooks
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service registers timeouts and runs the expiry poller.
type Service struct {
	persister Persister
	publisher Publisher
	interval  time.Duration
	hooks     Hooks
	now       func() time.Time
	logger    loggingpkg.ServiceLogger

	mu   sync.Mutex
	tomb *tomb.Tomb
}

func NewService(persister Persister, publisher Publisher, opts Options) (*Service, error) {
	if persister == nil {
		return nil, errspkg.ErrPersisterRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		persister: persister,
		publisher: publisher,
		interval:  opts.PollInterval,
		hooks:     opts.Hooks,
		now:       opts.Now,
		logger:    loggingpkg.Component(opts.Logger, "timeouts"),
	}, nil
}

// RegisterTimeout schedules payload for delivery after duration. Negative
// durations are treated as zero.
func (s *Service) RegisterTimeout(ctx context.Context, duration time.Duration, payload any) (*Message, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	if duration < 0 {
		duration = 0
	}
	m := NewMessage(duration, payload, s.now())
	if err := s.persister.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save timeout: %w", err)
	}
	if s.hooks.OnScheduled != nil {
		s.hooks.OnScheduled(m)
	}
	s.logger.Debug("Timeout registered", loggingpkg.LogFields{
		"timeout_id": m.ID,
		"at":         m.At,
	})
	return m, nil
}

// RegisterCancellation removes the pending timeouts matched by cancel. A
// cancel payload carrying a saga id only affects that saga's timeouts.
func (s *Service) RegisterCancellation(ctx context.Context, cancel any) (int, error) {
	if cancel == nil {
		return 0, errspkg.ErrPayloadRequired
	}
	removed, err := s.persister.AbortTimeout(ctx, cancel)
	if err != nil {
		return 0, fmt.Errorf("abort timeout: %w", err)
	}
	if s.hooks.OnCancelled != nil {
		s.hooks.OnCancelled(cancel, removed)
	}
	fields := loggingpkg.LogFields{"removed": removed}
	if id, ok := SagaIDOf(cancel); ok {
		fields["saga_id"] = id
	}
	s.logger.Debug("Timeouts cancelled", fields)
	return removed, nil
}

// Pending returns the number of stored timeouts.
func (s *Service) Pending(ctx context.Context) (int, error) {
	return s.persister.Pending(ctx)
}

// Poll delivers every expired timeout once. Each timeout is claimed by
// completing it before its message is published, so a cancellation that
// lands during the sweep wins. A failed publish saves the timeout again for
// the next sweep. Neither failures nor undecodable timeouts stop the others.
func (s *Service) Poll(ctx context.Context) (int, error) {
	var errs []error
	expired, err := s.persister.FindAllExpiredTimeouts(ctx, s.now())
	if err != nil {
		var undecodable *UndecodableError
		if !errors.As(err, &undecodable) {
			return 0, fmt.Errorf("find expired timeouts: %w", err)
		}
		s.reportUndecodable(err)
		errs = append(errs, err)
	}

	delivered := 0
	for _, m := range expired {
		ok, err := s.deliver(ctx, m)
		if err != nil {
			errs = append(errs, err)
			if s.hooks.OnError != nil {
				s.hooks.OnError(m, err)
			}
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

func (s *Service) deliver(ctx context.Context, m *Message) (bool, error) {
	claimed, err := s.persister.Complete(ctx, m)
	if err != nil {
		return false, fmt.Errorf("complete timeout %s: %w", m.ID, err)
	}
	if !claimed {
		s.logger.Debug("Timeout no longer pending", loggingpkg.LogFields{"timeout_id": m.ID})
		return false, nil
	}
	if err := s.publisher.Publish(ctx, m.DelayedMessage); err != nil {
		err = fmt.Errorf("publish timeout %s: %w", m.ID, err)
		if serr := s.persister.Save(ctx, m); serr != nil {
			return false, errors.Join(err, fmt.Errorf("restore timeout %s: %w", m.ID, serr))
		}
		return false, err
	}
	if s.hooks.OnDelivered != nil {
		s.hooks.OnDelivered(m)
	}
	return true, nil
}

// reportUndecodable passes every undecodable timeout in err to the logger
// and OnError. They stay stored so a process that knows the type can still
// deliver or cancel them.
func (s *Service) reportUndecodable(err error) {
	for _, e := range flatten(err) {
		var ue *UndecodableError
		if !errors.As(e, &ue) {
			continue
		}
		s.logger.Error("Skipping undecodable timeout", ue, loggingpkg.LogFields{
			"timeout_id": ue.ID,
			"type":       ue.TypeName,
		})
		if s.hooks.OnError != nil {
			s.hooks.OnError(&Message{ID: ue.ID}, ue)
		}
	}
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// Start runs the poller until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tomb != nil && s.tomb.Alive() {
		return errspkg.ErrAlreadyStarted
	}

	t, tctx := tomb.WithContext(ctx)
	s.tomb = t
	t.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				if n, err := s.Poll(tctx); err != nil {
					s.logger.Error("Timeout poll failed", err, loggingpkg.LogFields{"delivered": n})
				}
			}
		}
	})
	s.logger.Info("Timeout poller started", loggingpkg.LogFields{"interval": s.interval.String()})
	return nil
}

// Stop halts the poller and waits for the sweep in progress.
func (s *Service) Stop() error {
	s.mu.Lock()
	t := s.tomb
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	err := t.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
