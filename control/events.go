package control

import (
	"sync"

	"github.com/provnode/runtimectl/wire"
)

// subscriber is one event subscription: an unbounded, order-preserving queue
// between the reader task and a consumer. The reader must never block on a
// slow consumer, so push appends to the queue and a dedicated goroutine feeds
// the outbound channel at the consumer's pace. The consumer must keep
// receiving until the channel closes; a subscription abandoned with events
// still queued pins its pump goroutine on the blocked send.
type subscriber struct {
	mut    sync.Mutex
	cond   *sync.Cond
	queue  []wire.Event
	closed bool
	out    chan wire.Event
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan wire.Event)}
	s.cond = sync.NewCond(&s.mut)
	go s.pump()
	return s
}

func (s *subscriber) push(ev wire.Event) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// close stops the subscription after the queued events have been delivered.
func (s *subscriber) close() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}

func (s *subscriber) pump() {
	for {
		s.mut.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mut.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mut.Unlock()
		s.out <- ev
	}
}

// subscribers fans one event stream out to any number of live subscriptions.
// Modeled on a dynamic multi-writer: additions and removals are safe while
// events flow.
type subscribers struct {
	mut    sync.Mutex
	subs   []*subscriber
	closed bool
}

func (m *subscribers) add() *subscriber {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := newSubscriber()
	if m.closed {
		s.close()
		return s
	}
	m.subs = append(m.subs, s)
	return s
}

func (m *subscribers) publish(ev wire.Event) {
	m.mut.Lock()
	subs := m.subs
	m.mut.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// closeAll ends every subscription; queued events still drain to consumers.
func (m *subscribers) closeAll() {
	m.mut.Lock()
	subs := m.subs
	m.subs = nil
	m.closed = true
	m.mut.Unlock()
	for _, s := range subs {
		s.close()
	}
}
