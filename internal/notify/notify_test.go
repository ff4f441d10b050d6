package notify

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietNotifier() *Notifier {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishReachesKeySubscribers(t *testing.T) {
	n := quietNotifier()
	var got []Update
	n.Subscribe("CT-1:INV-1", func(u Update) { got = append(got, u) })
	n.Subscribe("CT-2:INV-1", func(u Update) { t.Fatalf("wrong key notified: %+v", u) })

	n.Publish(Update{ContextKey: "CT-1:INV-1", Revision: 3, CycleID: "c-1"})

	require.Len(t, got, 1)
	assert.Equal(t, TopicTimelineUpdated, got[0].Topic)
	assert.Equal(t, int64(3), got[0].Revision)
	assert.Equal(t, "c-1", got[0].CycleID)
}

func TestWildcardAfterKeySubscribers(t *testing.T) {
	n := quietNotifier()
	var order []string
	n.Subscribe(AllContexts, func(Update) { order = append(order, "all") })
	n.Subscribe("k", func(Update) { order = append(order, "k1") })
	n.Subscribe("k", func(Update) { order = append(order, "k2") })

	n.Notify("k")
	n.Notify("other")

	assert.Equal(t, []string{"k1", "k2", "all", "all"}, order)
}

func TestUnsubscribe(t *testing.T) {
	n := quietNotifier()
	calls := 0
	unsubscribe := n.Subscribe("k", func(Update) { calls++ })
	keep := n.Subscribe("k", func(Update) {})
	defer keep()

	n.Notify("k")
	unsubscribe()
	unsubscribe()
	n.Notify("k")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n.Subscribers("k"))
}

func TestUnsubscribeLastRemovesKey(t *testing.T) {
	n := quietNotifier()
	unsubscribe := n.Subscribe("k", func(Update) {})
	unsubscribe()

	assert.Equal(t, 0, n.Subscribers("k"))
	assert.Empty(t, n.subs)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	n := quietNotifier()
	delivered := false
	n.Subscribe("k", func(Update) { panic("boom") })
	n.Subscribe("k", func(Update) { delivered = true })

	assert.NotPanics(t, func() { n.Notify("k") })
	assert.True(t, delivered)
}

func TestHandlerMaySubscribeDuringDelivery(t *testing.T) {
	n := quietNotifier()
	n.Subscribe("k", func(Update) {
		n.Subscribe("k", func(Update) {})
	})

	n.Notify("k")
	assert.Equal(t, 2, n.Subscribers("k"))
}

func TestConcurrentPublish(t *testing.T) {
	n := quietNotifier()
	var (
		mu    sync.Mutex
		count int
	)
	n.Subscribe(AllContexts, func(Update) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Notify("k")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}
