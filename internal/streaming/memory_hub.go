package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan WorkflowChange
	filter ChangeFilter
}

// MemoryHub is an in-memory EventHub implementation using channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends a change to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the change is dropped.
func (h *MemoryHub) Publish(ctx context.Context, change WorkflowChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			// backpressure: drop change for slow subscriber
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given ChangeFilter.
// Returns a receive-only channel, a cancel function, and any error. Cancel
// closes the channel and is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter ChangeFilter) (<-chan WorkflowChange, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan WorkflowChange, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}

	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many changes were dropped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// matchFilter returns true if the change passes the filter criteria.
func matchFilter(f ChangeFilter, c WorkflowChange) bool {
	if f.WorkflowID != "" && f.WorkflowID != c.WorkflowID {
		return false
	}
	if f.ScheduleID != "" && f.ScheduleID != c.ScheduleID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, c.Kind) {
		return false
	}
	return true
}

var _ EventHub = (*MemoryHub)(nil)
