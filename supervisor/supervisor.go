package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/provnode/runtimectl/control"
	"github.com/provnode/runtimectl/runtime"
	"github.com/provnode/runtimectl/transport"
	"github.com/provnode/runtimectl/wire"
	"go.uber.org/zap"
)

// SpawnRequest describes the runtime subprocess to start.
type SpawnRequest struct {
	Path string
	Args []string
	Env  []string
	WD   string
}

// Runtime is a supervisor's handle on one runtime instance: the control
// session plus, for spawned runtimes, the subprocess itself.
type Runtime struct {
	log    *zap.SugaredLogger
	client *control.Client

	cmd       *exec.Cmd
	exit      chan struct{}
	killDelay time.Duration
}

type Option func(o *options)

type options struct {
	clientOpts []control.ClientOption
	killDelay  time.Duration
}

// WithClientOptions forwards options to the underlying control client.
func WithClientOptions(opts ...control.ClientOption) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithKillDelay sets how long Close waits for a spawned runtime to exit on
// its own before killing it.
func WithKillDelay(d time.Duration) Option {
	return func(o *options) {
		o.killDelay = d
	}
}

func buildOptions(opts []Option) options {
	o := options{killDelay: 3 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Attach establishes a control session over an existing duplex stream, e.g.
// one dialed to a remote runtime. The returned Runtime owns the stream.
func Attach(log *zap.SugaredLogger, conn io.ReadWriteCloser, opts ...Option) (*Runtime, error) {
	o := buildOptions(opts)
	client, err := control.NewClient(log, conn, o.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("establishing control session: %w", err)
	}
	return &Runtime{log: log.Named("supervisor"), client: client, killDelay: o.killDelay}, nil
}

// Spawn starts the runtime subprocess with its stdin/stdout pair as the
// control transport and performs the handshake. Stderr is passed through to
// the logger line by line. If the handshake fails the subprocess is killed.
func Spawn(ctx context.Context, log *zap.SugaredLogger, req SpawnRequest, opts ...Option) (*Runtime, error) {
	o := buildOptions(opts)
	slog := log.Named("supervisor")

	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = req.WD
	cmd.Env = req.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting runtime %s: %w", req.Path, err)
	}
	slog.Debugw("runtime started", "Path", req.Path, "PID", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debugw("runtime stderr", "Line", scanner.Text())
		}
	}()

	r := &Runtime{log: slog, cmd: cmd, exit: make(chan struct{}), killDelay: o.killDelay}
	go func() {
		err := cmd.Wait()
		slog.Debugw("runtime exited", "PID", cmd.Process.Pid, "Error", err)
		close(r.exit)
	}()

	client, err := control.NewClient(slog, transport.Join(stdout, stdin), o.clientOpts...)
	if err != nil {
		slog.Debugf("handshake failed, killing runtime: %s", err)
		_ = cmd.Process.Kill()
		<-r.exit
		return nil, fmt.Errorf("establishing control session: %w", err)
	}
	r.client = client
	return r, nil
}

// Client exposes the raw control session for callers issuing opaque commands
// directly.
func (r *Runtime) Client() *control.Client {
	return r.client
}

// Events subscribes to the runtime's event stream.
func (r *Runtime) Events() <-chan wire.Event {
	return r.client.Subscribe()
}

// Run executes a workload under the exclusive run command and blocks until it
// completes. A concurrent run returns an error satisfying
// errors.Is(err, control.ErrBusy).
func (r *Runtime) Run(ctx context.Context, req runtime.RunRequest) (runtime.RunResult, error) {
	var res runtime.RunResult
	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("encoding run request: %w", err)
	}
	out, err := r.client.Call(ctx, wire.Command{Name: wire.CommandRun, Data: body})
	if err != nil {
		return res, err
	}
	if err := control.OutcomeError(out); err != nil {
		return res, err
	}
	if err := json.Unmarshal(out.Data, &res); err != nil {
		return res, fmt.Errorf("decoding run result: %w", err)
	}
	return res, nil
}

// Exec runs a short buffered command, concurrently with any active run.
func (r *Runtime) Exec(ctx context.Context, req runtime.ExecRequest) (runtime.ExecResult, error) {
	var res runtime.ExecResult
	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("encoding exec request: %w", err)
	}
	out, err := r.client.Call(ctx, wire.Command{Name: runtime.CommandExec, Data: body})
	if err != nil {
		return res, err
	}
	if err := control.OutcomeError(out); err != nil {
		return res, err
	}
	if err := json.Unmarshal(out.Data, &res); err != nil {
		return res, fmt.Errorf("decoding exec result: %w", err)
	}
	return res, nil
}

// Status queries the runtime's lifecycle state.
func (r *Runtime) Status(ctx context.Context) (control.State, string, error) {
	return r.client.Status(ctx)
}

// Stop asks the runtime to shut down and waits for the session to settle and,
// for a spawned runtime, the subprocess to exit. If the context ends first
// the subprocess is killed.
func (r *Runtime) Stop(ctx context.Context) error {
	out, err := r.client.Stop(ctx)
	if err != nil {
		return err
	}
	if err := control.OutcomeError(out); err != nil {
		return err
	}

	select {
	case <-r.client.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.cmd == nil {
		return nil
	}
	select {
	case <-r.exit:
		return nil
	case <-ctx.Done():
		r.log.Debugf("stop wait expired, killing runtime %d", r.cmd.Process.Pid)
		_ = r.cmd.Process.Kill()
		<-r.exit
		return ctx.Err()
	}
}

// Wait blocks until the session ends (and for spawned runtimes, until the
// subprocess exits).
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-r.client.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.cmd == nil {
		return nil
	}
	select {
	case <-r.exit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the session unconditionally. A spawned runtime gets the kill
// delay to exit on the transport closing, then is killed.
func (r *Runtime) Close() error {
	r.client.Close()
	if r.cmd == nil {
		return nil
	}
	select {
	case <-r.exit:
	case <-time.After(r.killDelay):
		r.log.Debugf("runtime %d did not exit on close, killing", r.cmd.Process.Pid)
		_ = r.cmd.Process.Kill()
		<-r.exit
	}
	return nil
}

// State returns the session's lifecycle state.
func (r *Runtime) State() control.State {
	return r.client.State()
}
