package agenda

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Call records one operation received by a Memory agenda.
type Call struct {
	Op         string `json:"op"`
	EventID    string `json:"event_id,omitempty"`
	ExternalID string `json:"external_id"`
	Err        string `json:"error,omitempty"`
}

// IDGenerator produces external entry ids.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

// Memory is an in-process Agenda used by the harness and tests.
// It supports fault injection and simulated manual edits.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]Entry  // by external id
	byEvent  map[string]string // event id -> external id
	ids      IDGenerator
	failNext int
	failErr  error
	calls    []Call
	editor   EditHandler
}

// MemoryOption configures a Memory agenda.
type MemoryOption func(*Memory)

// WithIDGenerator replaces the default UUID external ids.
func WithIDGenerator(g IDGenerator) MemoryOption {
	return func(m *Memory) { m.ids = g }
}

// NewMemory creates an empty in-memory agenda.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]Entry),
		byEvent: make(map[string]string),
		ids:     uuidGenerator{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next n operations return err (ErrUnavailable if nil).
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrUnavailable
	}
	m.failNext = n
	m.failErr = err
}

func (m *Memory) injected() error {
	if m.failNext <= 0 {
		return nil
	}
	m.failNext--
	return m.failErr
}

// Publish implements Agenda.
func (m *Memory) Publish(ctx context.Context, e Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(); err != nil {
		m.calls = append(m.calls, Call{Op: "publish", EventID: e.EventID, ExternalID: e.ExternalID, Err: err.Error()})
		return "", err
	}

	id := e.ExternalID
	if _, ok := m.entries[id]; !ok {
		if known, ok := m.byEvent[e.EventID]; ok {
			id = known
		} else if id == "" {
			id = m.ids.Generate()
		}
	}
	e.ExternalID = id
	e.StartAt = e.StartAt.UTC()
	m.entries[id] = e
	m.byEvent[e.EventID] = id
	m.calls = append(m.calls, Call{Op: "publish", EventID: e.EventID, ExternalID: id})
	return id, nil
}

// Withdraw implements Agenda.
func (m *Memory) Withdraw(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(); err != nil {
		m.calls = append(m.calls, Call{Op: "withdraw", ExternalID: externalID, Err: err.Error()})
		return err
	}

	e, ok := m.entries[externalID]
	if ok {
		delete(m.entries, externalID)
		delete(m.byEvent, e.EventID)
	}
	m.calls = append(m.calls, Call{Op: "withdraw", EventID: e.EventID, ExternalID: externalID})
	return nil
}

// Watch registers the handler SimulateEdit reports to.
func (m *Memory) Watch(h EditHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editor = h
}

// SimulateEdit moves an entry as if an operator dragged it in the calendar,
// then reports the edit to the watching handler.
func (m *Memory) SimulateEdit(ctx context.Context, externalID string, at time.Time) error {
	m.mu.Lock()
	e, ok := m.entries[externalID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agenda: unknown entry %s", externalID)
	}
	e.StartAt = at.UTC()
	m.entries[externalID] = e
	editor := m.editor
	m.mu.Unlock()

	if editor == nil {
		return nil
	}
	return editor.HandleExternalEdit(ctx, externalID, at)
}

// Entry returns the entry with the given external id.
func (m *Memory) Entry(externalID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[externalID]
	return e, ok
}

// EntryForEvent returns the entry mirroring an event.
func (m *Memory) EntryForEvent(eventID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEvent[eventID]
	if !ok {
		return Entry{}, false
	}
	return m.entries[id], true
}

// Entries returns every live entry ordered by start time, then event id.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.StartAt.Compare(b.StartAt); c != 0 {
			return c
		}
		if a.EventID < b.EventID {
			return -1
		}
		if a.EventID > b.EventID {
			return 1
		}
		return 0
	})
	return out
}

// Calls returns every operation received so far, failed ones included.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}
