package bus

import (
	"sync"

	"github.com/petal-labs/flowbridge/execution"
)

// MemBusConfig configures an in-memory bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory DeltaBus. It satisfies execution.Publisher so a
// tracker can publish into it directly.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[execution.Handle][]*memSub
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[execution.Handle][]*memSub),
		bufSize: bufSize,
	}
}

// Publish never blocks: a full subscriber drops the delta. After Close the
// delta is silently discarded.
func (b *MemBus) Publish(delta execution.Delta) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[delta.Handle] {
		sub.send(delta)
	}
	for _, sub := range b.globalSubs {
		sub.send(delta)
	}
}

// Subscribe registers a subscriber for one execution.
func (b *MemBus) Subscribe(handle execution.Handle) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, b.bufSize, handle, false)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[handle] = append(b.subs[handle], sub)
	return sub
}

// SubscribeAll registers a subscriber for every execution.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, b.bufSize, "", true)
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[execution.Handle][]*memSub)
	b.globalSubs = nil
	return nil
}

func (b *MemBus) remove(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.global {
		b.globalSubs = removeSub(b.globalSubs, s)
		return
	}
	remaining := removeSub(b.subs[s.handle], s)
	if len(remaining) == 0 {
		delete(b.subs, s.handle)
		return
	}
	b.subs[s.handle] = remaining
}

func removeSub(subs []*memSub, target *memSub) []*memSub {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

type memSub struct {
	bus    *MemBus
	handle execution.Handle
	global bool

	ch     chan execution.Delta
	mu     sync.Mutex
	closed bool
}

func newMemSub(bus *MemBus, bufSize int, handle execution.Handle, global bool) *memSub {
	return &memSub{
		bus:    bus,
		handle: handle,
		global: global,
		ch:     make(chan execution.Delta, bufSize),
	}
}

func (s *memSub) Deltas() <-chan execution.Delta {
	return s.ch
}

// Close unsubscribes and closes the channel.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close is guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) send(delta execution.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- delta:
	default:
		// Drop if channel full.
	}
}

var (
	_ DeltaBus            = (*MemBus)(nil)
	_ Subscription        = (*memSub)(nil)
	_ execution.Publisher = (*MemBus)(nil)
)
