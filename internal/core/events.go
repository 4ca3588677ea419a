package core

import (
	"sync"

	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/tunnel"
)

// EventKind distinguishes status transitions from engine output.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventLog    EventKind = "log"
)

// Event is delivered to listeners in the order it was produced.
type Event struct {
	Kind    EventKind
	Status  tunnel.State
	Line    string
	Session uint64
	// Err is set on a status event when the session ended with an error.
	Err error
}

// Listener receives events on the dispatcher goroutine.
type Listener func(Event)

// AddListener registers fn for all future events.
func (s *Service) AddListener(fn Listener) {
	s.events.add(fn)
}

// dispatcher delivers events from an unbounded queue on one goroutine, so
// producers never block and listeners see a single order.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	listeners []Listener
	closed    bool
	done      chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) add(fn Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, ev)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		listeners := append([]Listener(nil), d.listeners...)
		d.mu.Unlock()

		for _, ev := range batch {
			for _, fn := range listeners {
				deliver(fn, ev)
			}
		}
	}
}

func deliver(fn Listener, ev Event) {
	defer logger.Recover("eventListener")
	fn(ev)
}

// close delivers what is queued and stops the dispatcher.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
