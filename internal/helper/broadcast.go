package helper

import (
	"sync"
	"sync/atomic"

	"github.com/user/vpn-guard/internal/logger"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 512

// Broadcaster fans encoded events out to subscribers. Publish never blocks:
// a subscriber whose queue is full misses the event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	buffer int
}

type subscriber struct {
	ch      chan []byte
	dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster with buffer slots per subscriber.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{subs: map[uint64]*subscriber{}, buffer: buffer}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() (uint64, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &subscriber{ch: make(chan []byte, b.buffer)}
	b.subs[b.next] = s
	return b.next, s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		if n := s.dropped.Load(); n > 0 {
			logger.Warning("Subscriber %d missed %d event(s)", id, n)
		}
		close(s.ch)
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Broadcaster) Publish(ev Event) {
	line, err := encodeLine(ev)
	if err != nil {
		logger.Error("Failed to encode event: %v", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- line:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
