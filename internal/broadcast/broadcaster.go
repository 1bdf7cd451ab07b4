package broadcast

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Policy decides what a full subscriber queue gives up
type Policy string

// Overflow policies
const (
	// DropOldest discards the oldest queued event to admit the new one.
	DropOldest Policy = "drop_oldest"
	// RejectNewest keeps the queue and discards the incoming event.
	RejectNewest Policy = "reject_newest"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 256

// ParsePolicy parses an overflow policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case DropOldest, RejectNewest:
		return p, nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Subscription is one subscriber's bounded queue
type Subscription struct {
	Name string

	ch     chan Event
	mu     sync.Mutex
	closed bool

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// C returns the event channel. It is closed on Unsubscribe or Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber lost to overflow
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// SubscriberStats describes one subscription. Accepted counts events the
// subscriber received or still has queued; Accepted + Dropped equals the
// events offered to it.
type SubscriberStats struct {
	Name     string `json:"name"`
	Buffered int    `json:"buffered"`
	Capacity int    `json:"capacity"`
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// offer enqueues e without blocking
func (s *Subscription) offer(e Event, policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		s.accepted.Add(1)
		return
	default:
	}

	if policy == RejectNewest {
		s.dropped.Add(1)
		return
	}

	// The evicted event was counted as accepted when it was queued.
	select {
	case <-s.ch:
		s.accepted.Add(^uint64(0))
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
		s.accepted.Add(1)
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans events out to subscribers. Publish never blocks: each
// subscriber has its own bounded queue and the overflow policy applies per
// subscriber.
type Broadcaster struct {
	policy     Policy
	bufferSize int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
}

// New creates a broadcaster
func New(policy Policy, bufferSize int) *Broadcaster {
	if policy == "" {
		policy = DropOldest
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		policy:     policy,
		bufferSize: bufferSize,
		subs:       make(map[*Subscription]struct{}),
	}
}

// Policy returns the overflow policy
func (b *Broadcaster) Policy() Policy {
	return b.policy
}

// Subscribe adds a subscriber. size <= 0 uses the broadcaster default.
func (b *Broadcaster) Subscribe(name string, size int) *Subscription {
	if size <= 0 {
		size = b.bufferSize
	}
	s := &Subscription{Name: name, ch: make(chan Event, size)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

// Publish implements Publisher
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for s := range b.subs {
		s.offer(e, b.policy)
	}
}

// Published returns the number of events accepted by Publish
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Stats returns per-subscriber queue statistics
func (b *Broadcaster) Stats() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SubscriberStats, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, SubscriberStats{
			Name:     s.Name,
			Buffered: len(s.ch),
			Capacity: cap(s.ch),
			Accepted: s.accepted.Load(),
			Dropped:  s.dropped.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every subscription; later publishes are discarded
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
	}
	b.subs = map[*Subscription]struct{}{}
}
