package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provnode/runtimectl/wire"
	"go.uber.org/zap"
)

// Client is the supervisor side of a control session. It owns correlation
// identifier allocation, demultiplexes incoming frames into call completions
// and event subscriptions, and serializes outgoing frames through a single
// writer.
type Client struct {
	log       *zap.SugaredLogger
	conn      io.ReadWriteCloser
	sessionID string

	writeMut sync.Mutex
	writer   *wire.Writer
	reader   *wire.Reader

	calls *calls
	life  *lifecycle
	subs  subscribers

	maxFrameSize     uint32
	handshakeTimeout time.Duration

	stopMut   sync.Mutex
	stopID    uint64
	stopAcked bool

	closeConnOnce sync.Once
}

type ClientOption func(c *Client)

func WithClientMaxFrameSize(n uint32) ClientOption {
	return func(c *Client) {
		c.maxFrameSize = n
	}
}

func WithClientHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

// helloPayload is the handshake body exchanged in both directions.
type helloPayload struct {
	V int `json:"v"`
}

// statusPayload is the body of a status response.
type statusPayload struct {
	State     string `json:"state"`
	Exclusive string `json:"exclusive,omitempty"`
}

// NewClient establishes a control session over conn: it starts the reader
// task, performs the version handshake, and returns the client in the Ready
// state. On handshake failure the session is Crashed and an error wrapping
// ErrHandshake is returned.
func NewClient(log *zap.SugaredLogger, conn io.ReadWriteCloser, opts ...ClientOption) (*Client, error) {
	c := &Client{
		log:              log.Named("control_client"),
		conn:             conn,
		sessionID:        uuid.NewString(),
		writer:           wire.NewWriter(conn),
		calls:            newCalls(),
		maxFrameSize:     wire.DefaultMaxFrameSize,
		handshakeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("session", c.sessionID)
	c.reader = wire.NewReader(conn, c.maxFrameSize)
	c.life = newLifecycle(func(final State) {
		c.calls.drainAll()
		c.subs.closeAll()
		c.closeConn()
		c.log.Debugw("session closed", "State", final.String())
	})

	go c.readLoop()

	if err := c.handshake(); err != nil {
		c.life.close(StateCrashed)
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	defer cancel()

	body, err := json.Marshal(helloPayload{V: wire.Version})
	if err != nil {
		return fmt.Errorf("encoding hello: %w", err)
	}
	out, err := c.Call(ctx, wire.Command{Name: wire.CommandHello, Data: body})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !out.OK {
		return fmt.Errorf("%w: peer refused: %s %s", ErrHandshake, out.Code, out.Detail)
	}
	var peer helloPayload
	if err := json.Unmarshal(out.Data, &peer); err != nil {
		return fmt.Errorf("%w: decoding peer hello: %s", ErrHandshake, err)
	}
	if peer.V != wire.Version {
		return fmt.Errorf("%w: peer speaks version %d, want %d", ErrHandshake, peer.V, wire.Version)
	}
	if err := c.life.ready(); err != nil {
		return fmt.Errorf("%w: %s", ErrHandshake, err)
	}
	c.log.Debugw("handshake complete", "Version", peer.V)
	return nil
}

// SessionID identifies this session in logs.
func (c *Client) SessionID() string {
	return c.sessionID
}

// State returns the session's lifecycle state.
func (c *Client) State() State {
	return c.life.current()
}

// Done is closed when the session reaches Terminated or Crashed.
func (c *Client) Done() <-chan struct{} {
	return c.life.done()
}

// Call sends a command and suspends the caller until the matching response
// arrives, the context is done, or the session ends. Concurrent calls are
// independent; there is no completion-order guarantee between them. A failed
// outcome (Busy, handler failure) is returned as data with a nil error; the
// error return is reserved for caller-local and session-fatal conditions.
func (c *Client) Call(ctx context.Context, cmd wire.Command) (wire.Outcome, error) {
	return c.call(ctx, cmd, nil)
}

// call issues one request. onIssue, if set, observes the allocated id before
// the request is written; the reader needs it to recognize the stop ack.
func (c *Client) call(ctx context.Context, cmd wire.Command, onIssue func(id uint64)) (wire.Outcome, error) {
	if c.life.current().closed() {
		return wire.Outcome{}, ErrSessionClosed
	}

	id := c.calls.allocate()
	pc := c.calls.register(id)
	if pc == nil {
		return wire.Outcome{}, ErrSessionClosed
	}
	if onIssue != nil {
		onIssue(id)
	}

	if err := c.writeEnvelope(wire.Request(id, cmd)); err != nil {
		c.calls.cancel(id)
		c.log.Debugf("write error on call %d: %s", id, err)
		c.life.close(StateCrashed)
		return wire.Outcome{}, fmt.Errorf("sending request %d: %w", id, ErrSessionClosed)
	}

	select {
	case out, ok := <-pc.ch:
		if !ok {
			return wire.Outcome{}, ErrSessionClosed
		}
		return out, nil
	case <-ctx.Done():
		// Cancel locally; a late response for this id is absorbed as a
		// harmless anomaly by the reader.
		c.calls.cancel(id)
		return wire.Outcome{}, fmt.Errorf("call %d (%s): %w", id, cmd.Name, ctx.Err())
	}
}

// Subscribe returns a live, order-preserving stream of events for the rest of
// the session. The channel is closed after the session ends and all queued
// events have been delivered; the caller must keep receiving until then, or
// the subscription's delivery goroutine stays blocked for the life of the
// process. Subscriptions are not restartable and do not replay events
// published before Subscribe was called.
func (c *Client) Subscribe() <-chan wire.Event {
	return c.subs.add().out
}

// Stop issues the stop command. The reader records the acknowledgment as it
// arrives, so a transport close right behind it settles as Terminated rather
// than Crashed.
func (c *Client) Stop(ctx context.Context) (wire.Outcome, error) {
	return c.call(ctx, wire.Command{Name: wire.CommandStop}, func(id uint64) {
		c.stopMut.Lock()
		c.stopID = id
		c.stopMut.Unlock()
	})
}

// Status queries the peer's lifecycle state. Permitted in any live state,
// including while an exclusive command runs.
func (c *Client) Status(ctx context.Context) (State, string, error) {
	out, err := c.Call(ctx, wire.Command{Name: wire.CommandStatus})
	if err != nil {
		return StateCrashed, "", err
	}
	if !out.OK {
		return StateCrashed, "", fmt.Errorf("status refused: %s %s", out.Code, out.Detail)
	}
	var st statusPayload
	if err := json.Unmarshal(out.Data, &st); err != nil {
		return StateCrashed, "", fmt.Errorf("decoding status: %w", err)
	}
	return parseState(st.State), st.Exclusive, nil
}

// Close ends the session from the supervisor side. Pending calls fail with
// ErrSessionClosed.
func (c *Client) Close() error {
	c.life.close(StateTerminated)
	return nil
}

func (c *Client) closeConn() {
	c.closeConnOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debugf("error closing transport: %s", err)
		}
	})
}

func (c *Client) writeEnvelope(env wire.Envelope) error {
	b, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	return c.writer.WriteFrame(b)
}

// readLoop is the single reader task: it decodes incoming frames in order and
// routes responses to the correlation table and events to subscribers.
// Transport and decode errors are fatal to the session.
func (c *Client) readLoop() {
	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			c.life.close(c.endState(err))
			return
		}
		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			c.log.Debugf("fatal decode error: %s", err)
			c.life.close(StateCrashed)
			return
		}
		switch env.Kind {
		case wire.KindResponse:
			if env.Outcome.OK {
				c.stopMut.Lock()
				if c.stopID != 0 && env.ID == c.stopID {
					c.stopAcked = true
				}
				c.stopMut.Unlock()
			}
			if !c.calls.complete(env.ID, *env.Outcome) {
				// Non-fatal either way, but an issued id is just a race with
				// a local cancellation while an unissued one is the peer
				// echoing garbage.
				if c.calls.issued(env.ID) {
					c.log.Debugw("late response for a cancelled call", "ID", env.ID)
				} else {
					c.log.Warnw("response for unknown correlation id", "ID", env.ID)
				}
			}
		case wire.KindEvent:
			c.subs.publish(*env.Event)
		case wire.KindRequest:
			c.log.Warnw("peer sent a request on the supervisor side, ignoring", "ID", env.ID)
		}
	}
}

// endState decides how a broken read settles the session: a clean EOF after
// an acknowledged stop is a voluntary shutdown, anything else is a crash.
func (c *Client) endState(err error) State {
	if errors.Is(err, io.EOF) {
		c.stopMut.Lock()
		acked := c.stopAcked
		c.stopMut.Unlock()
		if acked {
			return StateTerminated
		}
		c.log.Debugw("transport closed without acknowledged stop")
		return StateCrashed
	}
	c.log.Debugf("reader error: %s", err)
	return StateCrashed
}

func parseState(s string) State {
	for st := StateConnecting; st <= StateCrashed; st++ {
		if st.String() == s {
			return st
		}
	}
	return StateCrashed
}
