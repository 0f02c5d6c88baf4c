package control

import (
	"sync"
	"time"

	"github.com/provnode/runtimectl/wire"
)

// pendingCall is the bookkeeping record for one outstanding request. The
// channel has capacity 1 and receives at most one outcome; it is closed
// without a value when the session ends before the response arrives.
type pendingCall struct {
	id       uint64
	issuedAt time.Time
	ch       chan wire.Outcome
}

// calls is the correlation table for one client session. Identifiers are
// monotonically increasing and never reused within the session. The lock is
// held only for map bookkeeping, never across I/O.
type calls struct {
	mut     sync.Mutex
	next    uint64
	pending map[uint64]*pendingCall
	drained bool
}

func newCalls() *calls {
	return &calls{pending: map[uint64]*pendingCall{}}
}

// allocate returns the next unused correlation identifier.
func (c *calls) allocate() uint64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.next++
	return c.next
}

// register creates the pending call for id. It returns nil if the table has
// already been drained, in which case the session is closed and the caller
// must not send the request.
func (c *calls) register(id uint64) *pendingCall {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.drained {
		return nil
	}
	pc := &pendingCall{id: id, issuedAt: time.Now(), ch: make(chan wire.Outcome, 1)}
	c.pending[id] = pc
	return pc
}

// complete delivers the outcome for id and reports whether a pending call was
// found. Completing an unknown or already-completed id is a no-op; the caller
// logs it as a protocol anomaly. At-most-once delivery holds because the entry
// is removed from the map before the send, under the lock.
func (c *calls) complete(id uint64, out wire.Outcome) bool {
	c.mut.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mut.Unlock()
	if !ok {
		return false
	}
	pc.ch <- out
	return true
}

// cancel removes the pending call for id without delivering an outcome, e.g.
// on timeout. A response arriving later for this id is then an anomaly.
func (c *calls) cancel(id uint64) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// drainAll fails every still-pending call by closing its channel, and marks
// the table so later registrations are refused. Called exactly once, on entry
// to a closed session state.
func (c *calls) drainAll() {
	c.mut.Lock()
	pending := c.pending
	c.pending = map[uint64]*pendingCall{}
	c.drained = true
	c.mut.Unlock()
	for _, pc := range pending {
		close(pc.ch)
	}
}

// issued reports whether id was ever handed out by allocate. Identifiers are
// monotonic and never reused, so a response for an issued-but-not-pending id
// is a benign race with a local cancellation, while an unissued id means the
// peer echoed garbage.
func (c *calls) issued(id uint64) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return id >= 1 && id <= c.next
}

// outstanding reports the number of in-flight calls.
func (c *calls) outstanding() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}
