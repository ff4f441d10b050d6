package engine

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of edits into one call per key.
//
// Each Trigger restarts the key's quiet period and replaces its pending
// function; only the last function runs, once the key has been quiet for
// the delay. Use it in front of SyncTimeline when edits arrive per
// keystroke. The engine itself never debounces.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*debounced
	seq     uint64
	wg      sync.WaitGroup
}

type debounced struct {
	timer *time.Timer
	fn    func()
	gen   uint64
}

// NewDebouncer creates a Debouncer with the given quiet period.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, pending: make(map[string]*debounced)}
}

// Trigger schedules fn for key, replacing anything already pending.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		p = &debounced{}
		d.pending[key] = p
	} else {
		p.timer.Stop()
	}
	d.seq++
	p.fn = fn
	p.gen = d.seq
	gen := p.gen
	p.timer = time.AfterFunc(d.delay, func() { d.fire(key, gen) })
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := p.fn
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	fn()
}

// Flush runs every pending function now, in no particular order, and waits
// for functions already firing to return.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		fns = append(fns, p.fn)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	d.wg.Wait()
}

// Stop drops every pending function without running it.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending returns the number of keys waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
