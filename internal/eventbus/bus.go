package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple the engine from
// whoever is watching it.
//
// Contract:
//   - Publish never blocks; a subscriber already holding its buffer of
//     published events drops the new one.
//   - PublishReliable never blocks and is never dropped. Use it for lifecycle
//     events a consumer must observe (session exit, run finished).
//   - Each subscriber sees events in publish order.
//
// Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type Bus interface {
	Publish(e Event)
	PublishReliable(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. Every subscription runs one
// goroutine that feeds its channel until unsubscribe.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	b.publish(e, true)
}

func (b *memBus) PublishReliable(e Event) {
	b.publish(e, false)
}

func (b *memBus) publish(e Event, lossy bool) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, sub := range b.snapshot() {
		sub.enqueue(e, lossy)
	}
}

// Len returns the number of live subscribers.
func (b *memBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *memBus) snapshot() []*subscriber {
	// Copy so enqueues happen without holding the lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		out:   make(chan Event),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		limit: buffer,
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
	return sub.out, unsub
}

type queued struct {
	e     Event
	lossy bool
}

// subscriber holds one FIFO queue. Lossy events count against limit until
// they have been received; reliable events are never refused.
type subscriber struct {
	out   chan Event
	wake  chan struct{}
	done  chan struct{}
	limit int

	mu     sync.Mutex
	queue  []queued
	lossy  int
	closed bool
}

func (s *subscriber) enqueue(e Event, lossy bool) {
	s.mu.Lock()
	if s.closed || (lossy && s.lossy >= s.limit) {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, queued{e: e, lossy: lossy})
	if lossy {
		s.lossy++
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queued{}, false
	}
	q := s.queue[0]
	s.queue[0] = queued{}
	s.queue = s.queue[1:]
	return q, true
}

func (s *subscriber) delivered(q queued) {
	if !q.lossy {
		return
	}
	s.mu.Lock()
	s.lossy--
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			q, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- q.e:
				s.delivered(q)
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}
