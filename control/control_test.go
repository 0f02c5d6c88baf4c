package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/provnode/runtimectl/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// testHandler scripts both handler paths for a test.
type testHandler struct {
	runFn  func(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error)
	execFn func(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error)
}

func (h *testHandler) Run(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error) {
	if h.runFn == nil {
		return nil, nil
	}
	return h.runFn(ctx, data, events)
}

func (h *testHandler) Exec(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
	if h.execFn == nil {
		return data, nil
	}
	return h.execFn(ctx, name, data)
}

type testSession struct {
	client     *Client
	server     *Server
	serverConn net.Conn
	serveErr   chan error
}

func newTestSession(t *testing.T, h Handler, opts ...ServerOption) *testSession {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	server := NewServer(log, serverConn, h, opts...)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(context.Background())
	}()

	client, err := NewClient(log, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})

	return &testSession{client: client, server: server, serverConn: serverConn, serveErr: serveErr}
}

func TestCallSuccess(t *testing.T) {
	s := newTestSession(t, &testHandler{})

	out, err := s.client.Call(context.Background(), wire.Command{Name: "transfer", Data: json.RawMessage(`{"path":"/tmp/x"}`)})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(out.Data))
	assert.Equal(t, StateReady, s.client.State())
}

func TestCallHandlerFailure(t *testing.T) {
	s := newTestSession(t, &testHandler{
		execFn: func(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("no such volume")
		},
	})

	out, err := s.client.Call(context.Background(), wire.Command{Name: "transfer"})
	require.NoError(t, err, "handler failures are data, not call errors")
	assert.False(t, out.OK)
	assert.Equal(t, CodeHandlerFailure, out.Code)
	assert.Contains(t, out.Detail, "no such volume")

	// the session survives handler failures
	assert.Equal(t, StateReady, s.client.State())
}

func TestConcurrentCalls(t *testing.T) {
	s := newTestSession(t, &testHandler{})

	const n = 32
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			body, _ := json.Marshal(i)
			out, err := s.client.Call(ctx, wire.Command{Name: "echo", Data: body})
			if err != nil {
				return err
			}
			if !out.OK {
				return fmt.Errorf("call %d failed: %s", i, out.Detail)
			}
			var got int
			if err := json.Unmarshal(out.Data, &got); err != nil {
				return err
			}
			if got != i {
				return fmt.Errorf("call %d got response for %d", i, got)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestExclusiveRunScenario(t *testing.T) {
	release := make(chan struct{}, 2)
	started := make(chan struct{}, 2)
	s := newTestSession(t, &testHandler{
		runFn: func(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error) {
			started <- struct{}{}
			<-release
			return json.RawMessage(`"done"`), nil
		},
	})
	ctx := context.Background()

	// first run claims exclusivity
	firstDone := make(chan wire.Outcome, 1)
	go func() {
		out, err := s.client.Call(ctx, wire.Command{Name: wire.CommandRun})
		require.NoError(t, err)
		firstDone <- out
	}()
	<-started

	// second exclusive run is refused with Busy while the first is in flight
	out, err := s.client.Call(ctx, wire.Command{Name: wire.CommandRun})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, CodeBusy, out.Code)

	// non-exclusive status stays permitted
	state, exclusive, err := s.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, wire.CommandRun, exclusive)

	// natural completion returns the session to Ready
	release <- struct{}{}
	first := <-firstDone
	assert.True(t, first.OK)

	state, _, err = s.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	// and a further run succeeds
	release <- struct{}{}
	out, err = s.client.Call(ctx, wire.Command{Name: wire.CommandRun})
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestCallTimeoutLateResponse(t *testing.T) {
	s := newTestSession(t, &testHandler{
		execFn: func(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
			time.Sleep(200 * time.Millisecond)
			return json.RawMessage(`"late"`), nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.client.Call(ctx, wire.Command{Name: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late response is absorbed as an anomaly; the session stays usable
	time.Sleep(250 * time.Millisecond)
	out, err := s.client.Call(context.Background(), wire.Command{Name: "echo", Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, StateReady, s.client.State())
}

func TestTransportCloseDrainsPendingCalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 8)
	s := newTestSession(t, &testHandler{
		execFn: func(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
			started <- struct{}{}
			<-block
			return nil, nil
		},
	})

	const k = 5
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.client.Call(context.Background(), wire.Command{Name: "hang"})
			errs <- err
		}()
	}
	for i := 0; i < k; i++ {
		<-started
	}

	// abrupt peer death
	require.NoError(t, s.serverConn.Close())

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrSessionClosed)
	}

	assert.Equal(t, StateCrashed, s.client.State())
	_, err := s.client.Call(context.Background(), wire.Command{Name: "echo"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEventsOrderPreserving(t *testing.T) {
	s := newTestSession(t, &testHandler{})

	events := s.client.Subscribe()

	emitter := s.server.Events()
	const n = 100
	for i := 0; i < n; i++ {
		body, _ := json.Marshal(i)
		require.NoError(t, emitter.Emit("progress", body))
	}

	for i := 0; i < n; i++ {
		ev := <-events
		assert.Equal(t, "progress", ev.Topic)
		var got int
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, i, got)
	}
}

func TestEventsInterleavedWithCalls(t *testing.T) {
	s := newTestSession(t, &testHandler{
		runFn: func(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error) {
			for i := 0; i < 10; i++ {
				if err := events.Emit("stdout", json.RawMessage(`"chunk"`)); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	})

	events := s.client.Subscribe()
	out, err := s.client.Call(context.Background(), wire.Command{Name: wire.CommandRun})
	require.NoError(t, err)
	assert.True(t, out.OK)

	for i := 0; i < 10; i++ {
		ev := <-events
		assert.Equal(t, "stdout", ev.Topic)
	}
}

func TestStopTerminatesSession(t *testing.T) {
	s := newTestSession(t, &testHandler{})

	out, err := s.client.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, out.OK)

	select {
	case <-s.client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after acknowledged stop")
	}
	assert.Equal(t, StateTerminated, s.client.State())
	require.NoError(t, <-s.serveErr)

	_, err = s.client.Call(context.Background(), wire.Command{Name: "echo"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestStopCancelsActiveRun(t *testing.T) {
	started := make(chan struct{})
	s := newTestSession(t, &testHandler{
		runFn: func(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, WithGracePeriod(2*time.Second))
	ctx := context.Background()

	runDone := make(chan wire.Outcome, 1)
	go func() {
		out, err := s.client.Call(ctx, wire.Command{Name: wire.CommandRun})
		require.NoError(t, err)
		runDone <- out
	}()
	<-started

	out, err := s.client.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, out.OK)

	run := <-runDone
	assert.False(t, run.OK)
	assert.Equal(t, CodeAborted, run.Code)

	<-s.client.Done()
	assert.Equal(t, StateTerminated, s.client.State())
}

func TestStopGraceExpiry(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	s := newTestSession(t, &testHandler{
		runFn: func(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error) {
			close(started)
			<-block // ignores cancellation
			return nil, nil
		},
	}, WithGracePeriod(50*time.Millisecond))
	ctx := context.Background()

	go s.client.Call(ctx, wire.Command{Name: wire.CommandRun}) //nolint:errcheck
	<-started

	out, err := s.client.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, CodeGraceExpired, out.Code)

	<-s.client.Done()
	assert.Equal(t, StateCrashed, s.client.State())
}

// scriptedPeer drives the runtime side of the wire by hand, for tests that
// need to misbehave in ways a Server never would.
type scriptedPeer struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer
}

func newScriptedPeer(conn net.Conn) *scriptedPeer {
	return &scriptedPeer{conn: conn, r: wire.NewReader(conn, wire.DefaultMaxFrameSize), w: wire.NewWriter(conn)}
}

func (p *scriptedPeer) readRequest(t *testing.T) wire.Envelope {
	t.Helper()
	payload, err := p.r.ReadFrame()
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindRequest, env.Kind)
	return env
}

func (p *scriptedPeer) write(t *testing.T, env wire.Envelope) {
	t.Helper()
	b, err := wire.EncodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, p.w.WriteFrame(b))
}

func (p *scriptedPeer) answerHello(t *testing.T, version int) {
	t.Helper()
	req := p.readRequest(t)
	require.Equal(t, wire.CommandHello, req.Command.Name)
	body, _ := json.Marshal(helloPayload{V: version})
	p.write(t, wire.Response(req.ID, wire.Success(body)))
}

func TestUnknownCorrelationIDIsHarmless(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	peer := newScriptedPeer(peerConn)

	clientErr := make(chan error, 1)
	clients := make(chan *Client, 1)
	go func() {
		c, err := NewClient(log, clientConn)
		clients <- c
		clientErr <- err
	}()

	peer.answerHello(t, wire.Version)
	require.NoError(t, <-clientErr)
	client := <-clients
	defer client.Close()

	// a response with an id that was never issued
	peer.write(t, wire.Response(4242, wire.Success(nil)))

	// the session is unaffected: a further call still round-trips
	done := make(chan wire.Outcome, 1)
	go func() {
		out, err := client.Call(context.Background(), wire.Command{Name: "echo"})
		require.NoError(t, err)
		done <- out
	}()

	req := peer.readRequest(t)
	assert.Equal(t, "echo", req.Command.Name)
	peer.write(t, wire.Response(req.ID, wire.Success(nil)))

	out := <-done
	assert.True(t, out.OK)
	assert.False(t, client.State().closed())
}

func TestHandshakeVersionMismatch(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	peer := newScriptedPeer(peerConn)

	clientErr := make(chan error, 1)
	go func() {
		_, err := NewClient(log, clientConn)
		clientErr <- err
	}()

	peer.answerHello(t, wire.Version+7)

	err := <-clientErr
	require.ErrorIs(t, err, ErrHandshake)
}

func TestHandshakeTimeout(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	// peer never answers
	_, err := NewClient(log, clientConn, WithClientHandshakeTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMalformedEnvelopeCrashesSession(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	peer := newScriptedPeer(peerConn)

	clientErr := make(chan error, 1)
	clients := make(chan *Client, 1)
	go func() {
		c, err := NewClient(log, clientConn)
		clients <- c
		clientErr <- err
	}()
	peer.answerHello(t, wire.Version)
	require.NoError(t, <-clientErr)
	client := <-clients

	require.NoError(t, peer.w.WriteFrame([]byte(`{"v":1,"kind":"gossip"}`)))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("decode error did not close the session")
	}
	assert.Equal(t, StateCrashed, client.State())
}

func TestServerRefusesOpaqueBeforeHandshake(t *testing.T) {
	supConn, srvConn := net.Pipe()
	server := NewServer(log, srvConn, &testHandler{})
	go server.Serve(context.Background()) //nolint:errcheck
	defer supConn.Close()

	sup := newScriptedPeer(supConn)
	sup.write(t, wire.Request(1, wire.Command{Name: "transfer"}))

	payload, err := sup.r.ReadFrame()
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, wire.KindResponse, env.Kind)
	assert.Equal(t, uint64(1), env.ID)
	assert.False(t, env.Outcome.OK)
	assert.Equal(t, CodeProtocol, env.Outcome.Code)
}

func TestCallsRefusedWhileTerminating(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	execRan := make(chan struct{}, 1)
	s := newTestSession(t, &testHandler{
		runFn: func(ctx context.Context, data json.RawMessage, events EventSink) (json.RawMessage, error) {
			close(started)
			<-finish
			return nil, nil
		},
		execFn: func(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
			execRan <- struct{}{}
			return data, nil
		},
	}, WithGracePeriod(10*time.Second))
	ctx := context.Background()

	runDone := make(chan wire.Outcome, 1)
	go func() {
		out, err := s.client.Call(ctx, wire.Command{Name: wire.CommandRun})
		require.NoError(t, err)
		runDone <- out
	}()
	<-started

	stopDone := make(chan wire.Outcome, 1)
	go func() {
		out, err := s.client.Stop(ctx)
		require.NoError(t, err)
		stopDone <- out
	}()
	require.Eventually(t, func() bool {
		return s.server.State() == StateTerminating
	}, 2*time.Second, 10*time.Millisecond)

	// a session on its way down refuses new work, opaque and exclusive alike
	out, err := s.client.Call(ctx, wire.Command{Name: "transfer"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, CodeSessionClosed, out.Code)
	assert.ErrorIs(t, OutcomeError(out), ErrSessionClosed)
	assert.Empty(t, execRan, "handler saw a call issued while terminating")

	out, err = s.client.Call(ctx, wire.Command{Name: wire.CommandRun})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, CodeSessionClosed, out.Code)

	close(finish)
	run := <-runDone
	assert.True(t, run.OK)
	stop := <-stopDone
	assert.True(t, stop.OK)

	<-s.client.Done()
	assert.Equal(t, StateTerminated, s.client.State())
}

func TestLateResponseLoggedAsCancelledRace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	obs := zap.New(core).Sugar()

	clientConn, peerConn := net.Pipe()
	peer := newScriptedPeer(peerConn)

	clientErr := make(chan error, 1)
	clients := make(chan *Client, 1)
	go func() {
		c, err := NewClient(obs, clientConn)
		clients <- c
		clientErr <- err
	}()
	peer.answerHello(t, wire.Version)
	require.NoError(t, <-clientErr)
	client := <-clients
	defer client.Close()

	// a call that the client gives up on before the peer answers
	callErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := client.Call(ctx, wire.Command{Name: "slow"})
		callErr <- err
	}()
	req := peer.readRequest(t)
	require.ErrorIs(t, <-callErr, context.DeadlineExceeded)

	// the late answer for the cancelled id, then one for an id never issued
	peer.write(t, wire.Response(req.ID, wire.Success(nil)))
	peer.write(t, wire.Response(9999, wire.Success(nil)))

	// a further round-trip proves both frames have been processed
	done := make(chan wire.Outcome, 1)
	go func() {
		out, err := client.Call(context.Background(), wire.Command{Name: "echo"})
		require.NoError(t, err)
		done <- out
	}()
	echo := peer.readRequest(t)
	peer.write(t, wire.Response(echo.ID, wire.Success(nil)))
	<-done

	late := logs.FilterMessage("late response for a cancelled call").All()
	require.Len(t, late, 1)
	assert.Equal(t, zapcore.DebugLevel, late[0].Level)

	unknown := logs.FilterMessage("response for unknown correlation id").All()
	require.Len(t, unknown, 1)
	assert.Equal(t, zapcore.WarnLevel, unknown[0].Level)
}

func TestOversizedFrameCrashesClientSession(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	peer := newScriptedPeer(peerConn)

	clientErr := make(chan error, 1)
	clients := make(chan *Client, 1)
	go func() {
		c, err := NewClient(log, clientConn)
		clients <- c
		clientErr <- err
	}()
	peer.answerHello(t, wire.Version)
	require.NoError(t, <-clientErr)
	client := <-clients
	defer client.Close()

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), wire.Command{Name: "transfer"})
		callErr <- err
	}()
	peer.readRequest(t)

	// a 10 MB declaration against the default 1 MiB cap; the prefix alone is
	// fatal, no payload bytes follow
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10<<20)
	_, err := peer.conn.Write(prefix[:])
	require.NoError(t, err)

	require.ErrorIs(t, <-callErr, ErrSessionClosed)
	<-client.Done()
	assert.Equal(t, StateCrashed, client.State())
}

func TestOversizedFrameCrashesServerSession(t *testing.T) {
	supConn, srvConn := net.Pipe()
	server := NewServer(log, srvConn, &testHandler{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(context.Background())
	}()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10<<20)
	_, err := supConn.Write(prefix[:])
	require.NoError(t, err)

	require.ErrorIs(t, <-serveErr, wire.ErrFrameTooLarge)
	assert.Equal(t, StateCrashed, server.State())
}
