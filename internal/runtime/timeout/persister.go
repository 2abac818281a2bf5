package timeout

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Persister stores pending timeouts.
type Persister interface {
	Save(ctx context.Context, m *Message) error
	// FindAllExpiredTimeouts returns pending timeouts with At <= now,
	// oldest first. It does not remove them. Stored timeouts whose payload
	// cannot be decoded are skipped and reported as *UndecodableError values
	// joined into the error; the returned timeouts are still valid then.
	FindAllExpiredTimeouts(ctx context.Context, now time.Time) ([]*Message, error)
	// AbortTimeout removes every pending timeout matched by cancel (see
	// Matches) and returns how many were removed.
	AbortTimeout(ctx context.Context, cancel any) (int, error)
	// Complete removes m and reports whether this call removed it. The
	// poller completes a timeout before publishing it, so false means it
	// was cancelled or claimed elsewhere.
	Complete(ctx context.Context, m *Message) (bool, error)
	// Pending returns the number of stored timeouts.
	Pending(ctx context.Context) (int, error)
}

// UndecodableError reports a stored timeout whose payload type is unknown
// to the process or whose payload no longer decodes.
type UndecodableError struct {
	ID       string
	TypeName string
	Err      error
}

func (e *UndecodableError) Error() string {
	return fmt.Sprintf("timeout %s: cannot decode %s: %v", e.ID, e.TypeName, e.Err)
}

func (e *UndecodableError) Unwrap() error { return e.Err }

// AbortGate orders saves behind in-flight aborts. Saves share the read side,
// aborts take the write side, so a registration waits for a running
// cancellation to finish before it lands.
type AbortGate struct {
	mu sync.RWMutex
}

func (g *AbortGate) EnterSave()  { g.mu.RLock() }
func (g *AbortGate) LeaveSave()  { g.mu.RUnlock() }
func (g *AbortGate) EnterAbort() { g.mu.Lock() }
func (g *AbortGate) LeaveAbort() { g.mu.Unlock() }

// MemoryPersister keeps timeouts in a map. Every operation is serialized by
// one mutex.
type MemoryPersister struct {
	gate AbortGate

	mu      sync.Mutex
	pending map[string]*Message
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{pending: make(map[string]*Message)}
}

func (p *MemoryPersister) Save(_ context.Context, m *Message) error {
	p.gate.EnterSave()
	defer p.gate.LeaveSave()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[m.ID] = m
	return nil
}

func (p *MemoryPersister) FindAllExpiredTimeouts(_ context.Context, now time.Time) ([]*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*Message
	for _, m := range p.pending {
		if m.ExpiredAt(now) {
			expired = append(expired, m)
		}
	}
	SortByDue(expired)
	return expired, nil
}

func (p *MemoryPersister) AbortTimeout(_ context.Context, cancel any) (int, error) {
	p.gate.EnterAbort()
	defer p.gate.LeaveAbort()

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, m := range p.pending {
		if Matches(m.DelayedMessage, cancel) {
			delete(p.pending, id)
			removed++
		}
	}
	return removed, nil
}

func (p *MemoryPersister) Complete(_ context.Context, m *Message) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[m.ID]; !ok {
		return false, nil
	}
	delete(p.pending, m.ID)
	return true, nil
}

func (p *MemoryPersister) Pending(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending), nil
}

// SortByDue orders timeouts by At, then id.
func SortByDue(list []*Message) {
	slices.SortFunc(list, func(a, b *Message) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
