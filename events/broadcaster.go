// Package events fans job events out to any number of subscribers.
//
// Each subscriber owns a bounded queue. When a queue is full the oldest
// queued progress event is dropped to make room; start and terminal events
// are never dropped, so a slow reader still sees how every job ended.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediaforge/logger"
	"mediaforge/metrics"
)

// Type identifies the payload of an Event.
type Type string

const (
	TypeStart     Type = "start"
	TypeProgress  Type = "progress"
	TypeEnd       Type = "end"
	TypeCancelled Type = "cancelled"
	TypeError     Type = "error"
)

// Terminal reports whether no further events follow for the job.
func (t Type) Terminal() bool {
	return t == TypeEnd || t == TypeCancelled || t == TypeError
}

// Event is one notification about a job, keyed by its source filename.
type Event struct {
	Type      Type      `json:"type"`
	Filename  string    `json:"filename"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Command   string    `json:"command,omitempty"`
	Percent   float64   `json:"percent"`
	Timemark  string    `json:"timemark,omitempty"`
	Heartbeat bool      `json:"heartbeat,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// DefaultBuffer is the per-subscriber queue bound used when none is given.
const DefaultBuffer = 256

// Broadcaster delivers every published event to all current subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	buffer int
	nextID atomic.Uint64
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new observer. The returned subscription's channel is
// closed by Unsubscribe or when the broadcaster shuts down.
func (b *Broadcaster) Subscribe() *Subscription {
	s := newSubscription(b.nextID.Add(1), b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		go s.pump()
		return s
	}
	b.subs[s.id] = s
	count := len(b.subs)
	b.mu.Unlock()

	metrics.EventSubscribers.Set(float64(count))
	logger.Debugf("event subscriber %d joined (total %d)", s.id, count)
	go s.pump()
	return s
}

// Unsubscribe removes s. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	count := len(b.subs)
	b.mu.Unlock()

	s.close()
	if ok {
		metrics.EventSubscribers.Set(float64(count))
		logger.Debugf("event subscriber %d left (total %d)", s.id, count)
	}
}

// Publish never blocks on slow subscribers.
func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.enqueue(e) {
			metrics.EventsDropped.Inc()
		}
	}
	metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber; later subscriptions are closed at once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	metrics.EventSubscribers.Set(0)
}

// Serve blocks until ctx ends, then closes all subscribers.
func (b *Broadcaster) Serve(ctx context.Context) error {
	<-ctx.Done()
	b.Close()
	logger.Infof("event broadcaster stopped")
	return ctx.Err()
}

func (b *Broadcaster) String() string {
	return "event-broadcaster"
}

// Subscription is one observer's view of the event stream.
type Subscription struct {
	id     uint64
	limit  int
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
	drops  atomic.Uint64
}

func newSubscription(id uint64, limit int) *Subscription {
	return &Subscription{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uint64 { return s.id }

// C delivers events in publish order, minus dropped progress events.
func (s *Subscription) C() <-chan Event { return s.out }

// Dropped counts events discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.drops.Load() }

// enqueue reports false when something was dropped.
func (s *Subscription) enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return true
	default:
	}

	ok := true
	if len(s.queue) >= s.limit {
		if idx := oldestProgress(s.queue); idx >= 0 {
			copy(s.queue[idx:], s.queue[idx+1:])
			s.queue[len(s.queue)-1] = Event{}
			s.queue = s.queue[:len(s.queue)-1]
			s.drops.Add(1)
			ok = false
		} else if e.Type == TypeProgress {
			s.drops.Add(1)
			return false
		}
	}
	s.queue = append(s.queue, e)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return ok
}

func oldestProgress(queue []Event) int {
	for i, e := range queue {
		if e.Type == TypeProgress {
			return i
		}
	}
	return -1
}

// pump moves queued events to the unbuffered output channel.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}
