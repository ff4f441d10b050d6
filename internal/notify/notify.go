// Package notify is the process-wide change signal for timelines.
//
// The engine publishes exactly one Update per completed recompute cycle,
// after the cycle is durable, so subscribers never observe a partially
// reconciled timeline. Handlers run synchronously on the publishing
// goroutine in subscription order; a handler that needs to do I/O should
// hand off to its own goroutine. The engine publishes each key's updates
// one at a time in non-decreasing Revision order.
package notify

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// TopicTimelineUpdated is the broadcast name carried by every Update.
const TopicTimelineUpdated = "timeline-updated"

// AllContexts subscribes a handler to every context key.
const AllContexts = "*"

// Update describes one completed cycle.
type Update struct {
	Topic      string `json:"topic"`
	ContextKey string `json:"context_key"`
	Revision   int64  `json:"revision"`
	CycleID    string `json:"cycle_id,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// Handler receives updates.
type Handler func(Update)

type subscription struct {
	id      uint64
	handler Handler
}

// Notifier fans updates out to subscribers. The zero value is not usable;
// construct with New.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger *slog.Logger
}

// New creates a Notifier. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for key (or AllContexts) and returns a function
// that removes the subscription. Calling the returned function more than
// once is a no-op.
func (n *Notifier) Subscribe(key string, h Handler) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[key] = append(n.subs[key], subscription{id: id, handler: h})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.unsubscribe(key, id) })
	}
}

func (n *Notifier) unsubscribe(key string, id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := slices.DeleteFunc(n.subs[key], func(s subscription) bool { return s.id == id })
	if len(subs) == 0 {
		delete(n.subs, key)
		return
	}
	n.subs[key] = subs
}

// Notify publishes a bare update for key.
func (n *Notifier) Notify(key string) {
	n.Publish(Update{ContextKey: key})
}

// Publish delivers u to the key's subscribers, then to AllContexts
// subscribers. A panicking handler is logged and does not stop delivery.
func (n *Notifier) Publish(u Update) {
	if u.Topic == "" {
		u.Topic = TopicTimelineUpdated
	}

	n.mu.RLock()
	targets := make([]subscription, 0, len(n.subs[u.ContextKey])+len(n.subs[AllContexts]))
	targets = append(targets, n.subs[u.ContextKey]...)
	if u.ContextKey != AllContexts {
		targets = append(targets, n.subs[AllContexts]...)
	}
	n.mu.RUnlock()

	for _, s := range targets {
		n.deliver(s, u)
	}
}

func (n *Notifier) deliver(s subscription, u Update) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("subscriber panicked",
				"context", u.ContextKey,
				"subscription", s.id,
				"panic", fmt.Sprint(r))
		}
	}()
	s.handler(u)
}

// Subscribers returns the number of handlers registered for key.
func (n *Notifier) Subscribers(key string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[key])
}
