package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/provnode/runtimectl/wire"
	"go.uber.org/zap"
)

// EventSink receives unsolicited notifications from a command handler.
type EventSink interface {
	Emit(topic string, data json.RawMessage) error
}

// Handler executes commands on behalf of a Server. Run fronts the exclusive
// long-running command; its context is cancelled when a stop arrives. Exec
// fronts every other opaque command; Exec invocations run concurrently with
// each other and with Run. Errors become Failure outcomes, never session
// failures.
type Handler interface {
	Run(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error)
	Exec(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error)
}

// Emitter writes events to the session's outbound stream, sharing the single
// writer with responses so frames never interleave mid-byte. Safe for
// concurrent use.
type Emitter struct {
	srv *Server
}

// Emit sends one event. It fails once the session transport is gone.
func (e *Emitter) Emit(topic string, data json.RawMessage) error {
	return e.srv.writeEnvelope(wire.Notification(topic, data))
}

// Server is the runtime side of a control session: it reads requests in
// order, drives the lifecycle state machine for the closed lifecycle command
// set, and dispatches everything else to the Handler without blocking the
// read loop. It never generates correlation identifiers, only echoes them.
type Server struct {
	log     *zap.SugaredLogger
	conn    io.ReadWriteCloser
	handler Handler

	writeMut sync.Mutex
	writer   *wire.Writer
	reader   *wire.Reader

	life *lifecycle

	maxFrameSize     uint32
	handshakeTimeout time.Duration
	gracePeriod      time.Duration

	runMut    sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}

	closeConnOnce sync.Once
	wg            sync.WaitGroup
}

type ServerOption func(s *Server)

func WithServerMaxFrameSize(n uint32) ServerOption {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

func WithServerHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

// WithGracePeriod sets how long a stop waits for the active run to finish
// before the session is forced down as Crashed.
func WithGracePeriod(d time.Duration) ServerOption {
	return func(s *Server) {
		s.gracePeriod = d
	}
}

func NewServer(log *zap.SugaredLogger, conn io.ReadWriteCloser, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		log:              log.Named("control_server"),
		conn:             conn,
		handler:          handler,
		writer:           wire.NewWriter(conn),
		maxFrameSize:     wire.DefaultMaxFrameSize,
		handshakeTimeout: 10 * time.Second,
		gracePeriod:      5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.reader = wire.NewReader(conn, s.maxFrameSize)
	s.life = newLifecycle(func(final State) {
		s.cancelRun()
		s.closeConn()
		s.log.Debugw("session closed", "State", final.String())
	})
	return s
}

// Events returns the emitter for unsolicited notifications. The event source
// may emit at any time; emission is independent of request handling.
func (s *Server) Events() *Emitter {
	return &Emitter{srv: s}
}

// State returns the session's lifecycle state.
func (s *Server) State() State {
	return s.life.current()
}

// Serve reads and dispatches requests until the session ends, then waits for
// in-flight command handlers to settle. It returns nil on a voluntary
// shutdown and an error when the session crashed.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()

	go func() {
		select {
		case <-ctx.Done():
			s.life.close(StateCrashed)
		case <-s.life.done():
		}
	}()

	handshakeTimer := time.AfterFunc(s.handshakeTimeout, func() {
		if s.life.current() == StateConnecting {
			s.log.Debugw("handshake timed out")
			s.life.close(StateCrashed)
		}
	})
	defer handshakeTimer.Stop()

	for {
		payload, err := s.reader.ReadFrame()
		if err != nil {
			final := s.life.close(s.endState(err))
			if final == StateTerminated {
				return nil
			}
			return fmt.Errorf("session crashed: %w", err)
		}
		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			s.log.Debugf("fatal decode error: %s", err)
			s.life.close(StateCrashed)
			return fmt.Errorf("session crashed: %w", err)
		}
		if env.Kind != wire.KindRequest {
			s.log.Warnw("unexpected non-request frame on the runtime side, ignoring", "Kind", env.Kind)
			continue
		}
		s.dispatch(ctx, env.ID, *env.Command)
	}
}

// dispatch routes one request. Lifecycle commands are handled by the protocol
// core; everything else goes to the Handler on its own goroutine so a handler
// that never completes cannot block intake of later requests.
func (s *Server) dispatch(ctx context.Context, id uint64, cmd wire.Command) {
	s.log.Debugw("dispatching request", "ID", id, "Command", cmd.Name)
	switch cmd.Name {
	case wire.CommandHello:
		s.handleHello(id, cmd.Data)
	case wire.CommandStatus:
		s.handleStatus(id)
	case wire.CommandRun:
		s.handleRun(ctx, id, cmd.Data)
	case wire.CommandStop:
		s.handleStop(id)
	default:
		s.handleExec(ctx, id, cmd)
	}
}

func (s *Server) handleHello(id uint64, data json.RawMessage) {
	var hello helloPayload
	if err := json.Unmarshal(data, &hello); err != nil {
		s.respond(id, wire.Failure(CodeBadRequest, fmt.Sprintf("decoding hello: %s", err)))
		return
	}
	if hello.V != wire.Version {
		s.respond(id, wire.Failure(CodeProtocol, fmt.Sprintf("unsupported protocol version %d, want %d", hello.V, wire.Version)))
		s.life.close(StateCrashed)
		return
	}
	if err := s.life.ready(); err != nil {
		s.respond(id, wire.Failure(CodeProtocol, err.Error()))
		return
	}
	body, _ := json.Marshal(helloPayload{V: wire.Version})
	s.respond(id, wire.Success(body))
}

func (s *Server) handleStatus(id uint64) {
	body, _ := json.Marshal(statusPayload{
		State:     s.life.current().String(),
		Exclusive: s.life.exclusiveHolder(),
	})
	s.respond(id, wire.Success(body))
}

func (s *Server) handleRun(ctx context.Context, id uint64, data json.RawMessage) {
	if s.life.current() == StateConnecting {
		s.respond(id, wire.Failure(CodeProtocol, "handshake not completed"))
		return
	}
	if err := s.life.claim(wire.CommandRun); err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			s.respond(id, wire.Failure(CodeBusy, err.Error()))
		case errors.Is(err, ErrSessionClosed):
			s.respond(id, wire.Failure(CodeSessionClosed, err.Error()))
		default:
			s.respond(id, wire.Failure(CodeProtocol, err.Error()))
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runMut.Lock()
	s.runCancel = cancel
	s.runDone = done
	s.runMut.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()

		out, err := s.handler.Run(runCtx, data, s.Events())
		s.life.release()
		switch {
		case runCtx.Err() != nil && err != nil:
			s.respond(id, wire.Failure(CodeAborted, err.Error()))
		case err != nil:
			s.respond(id, wire.Failure(CodeHandlerFailure, err.Error()))
		default:
			s.respond(id, wire.Success(out))
		}
	}()
}

// handleStop acknowledges the stop, waits out the grace period for the active
// run, and brings the session down. A second stop gets a plain success echo
// from the already-terminating session.
func (s *Server) handleStop(id uint64) {
	first := s.life.terminating()
	if !first {
		s.respond(id, wire.Success(nil))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.runMut.Lock()
		cancel := s.runCancel
		done := s.runDone
		s.runMut.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(s.gracePeriod):
				s.log.Debugw("grace period expired waiting for active run")
				s.respond(id, wire.Failure(CodeGraceExpired, "active command did not stop within the grace period"))
				s.life.close(StateCrashed)
				return
			}
		}
		s.respond(id, wire.Success(nil))
		s.life.close(StateTerminated)
	}()
}

func (s *Server) handleExec(ctx context.Context, id uint64, cmd wire.Command) {
	switch st := s.life.current(); {
	case st == StateConnecting:
		s.respond(id, wire.Failure(CodeProtocol, "handshake not completed"))
		return
	case st == StateTerminating || st.closed():
		// The session is on its way down; nothing new gets to start.
		s.respond(id, wire.Failure(CodeSessionClosed, "session is terminating"))
		return
	}
	if s.handler == nil {
		s.respond(id, wire.Failure(CodeUnknownCommand, fmt.Sprintf("no handler for command %q", cmd.Name)))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := s.handler.Exec(ctx, cmd.Name, cmd.Data)
		if err != nil {
			s.respond(id, wire.Failure(CodeHandlerFailure, err.Error()))
			return
		}
		s.respond(id, wire.Success(out))
	}()
}

// respond echoes the request's id with the outcome. Write failures mean the
// transport is gone; the read loop notices and settles the session, so they
// are only logged here.
func (s *Server) respond(id uint64, out wire.Outcome) {
	if err := s.writeEnvelope(wire.Response(id, out)); err != nil {
		s.log.Debugf("error writing response %d: %s", id, err)
	}
}

func (s *Server) writeEnvelope(env wire.Envelope) error {
	b, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	return s.writer.WriteFrame(b)
}

func (s *Server) cancelRun() {
	s.runMut.Lock()
	cancel := s.runCancel
	s.runMut.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) closeConn() {
	s.closeConnOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debugf("error closing transport: %s", err)
		}
	})
}

// endState mirrors the client's rule: EOF after a voluntary stop settles as
// Terminated, everything else as Crashed.
func (s *Server) endState(err error) State {
	if errors.Is(err, io.EOF) && s.life.current() == StateTerminating {
		return StateTerminated
	}
	if errors.Is(err, io.EOF) {
		// The supervisor may simply close its side when done; treat a clean
		// EOF in Ready with nothing running as a voluntary end.
		if st := s.life.current(); st == StateReady {
			return StateTerminated
		}
	}
	s.log.Debugf("reader error: %s", err)
	return StateCrashed
}
