package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/provnode/runtimectl/control"
	"go.uber.org/zap"
)

// Event topics emitted while a workload runs.
const (
	TopicStdout = "stdout"
	TopicStderr = "stderr"
	TopicExit   = "exit"
)

// RunRequest is the payload of the exclusive run command: the workload to
// execute. Stdin, if set, is fed to the process and closed.
type RunRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WD      string   `json:"wd,omitempty"`
	Stdin   []byte   `json:"stdin,omitempty"`
}

// RunResult is the outcome data of a completed run. It is also the payload of
// the final exit event.
type RunResult struct {
	ExitCode int   `json:"exitCode"`
	TimeMS   int64 `json:"timeMS"`
}

// OutputChunk is the payload of stdout and stderr events.
type OutputChunk struct {
	Chunk []byte `json:"chunk"`
}

// ExecRequest is the payload of the non-exclusive exec command: a short
// command run to completion with buffered output.
type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WD      string   `json:"wd,omitempty"`
	Stdin   []byte   `json:"stdin,omitempty"`
}

// ExecResult is the buffered outcome of an exec command.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CommandExec is the opaque command name handled by ExecHandler besides run.
const CommandExec = "exec"

// ExecHandler executes workloads as local subprocesses. The exclusive run
// command streams output as events while the process lives; the exec command
// buffers everything and answers in one response. Cancellation interrupts the
// process and escalates to a kill after the kill delay.
type ExecHandler struct {
	log       *zap.SugaredLogger
	chunkSize int
	killDelay time.Duration
}

type ExecHandlerOption func(h *ExecHandler)

// WithChunkSize sets the maximum output bytes carried per event.
func WithChunkSize(n int) ExecHandlerOption {
	return func(h *ExecHandler) {
		h.chunkSize = n
	}
}

// WithKillDelay sets how long an interrupted process gets before SIGKILL.
func WithKillDelay(d time.Duration) ExecHandlerOption {
	return func(h *ExecHandler) {
		h.killDelay = d
	}
}

func NewExecHandler(log *zap.SugaredLogger, opts ...ExecHandlerOption) *ExecHandler {
	h := &ExecHandler{
		log:       log.Named("exec_handler"),
		chunkSize: 16384,
		killDelay: time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run implements control.Handler. The returned error is nil even for nonzero
// exit codes; only failures to start or drive the process are handler errors.
func (h *ExecHandler) Run(ctx context.Context, data json.RawMessage, events control.EventSink) (json.RawMessage, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding run request: %w", err)
	}
	if req.Command == "" {
		return nil, errors.New("run request contained no command")
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WD
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	cmd.Stdout = &eventWriter{sink: events, topic: TopicStdout, chunkSize: h.chunkSize}
	cmd.Stderr = &eventWriter{sink: events, topic: TopicStderr, chunkSize: h.chunkSize}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}
	h.log.Debugw("workload started", "Command", req.Command, "PID", cmd.Process.Pid)

	// interrupt on cancellation, then escalate
	stopSignals := make(chan struct{})
	defer close(stopSignals)
	go func() {
		select {
		case <-stopSignals:
			return
		case <-ctx.Done():
		}
		h.log.Debugf("interrupting process %d", cmd.Process.Pid)
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-stopSignals:
		case <-time.After(h.killDelay):
			h.log.Debugf("killing process %d", cmd.Process.Pid)
			_ = cmd.Process.Kill()
		}
	}()

	err := cmd.Wait()
	res := RunResult{ExitCode: cmd.ProcessState.ExitCode(), TimeMS: time.Since(start).Milliseconds()}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("waiting for %s: %w", req.Command, err)
		}
	}
	h.log.Debugw("workload exited", "Command", req.Command, "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)

	body, merr := json.Marshal(res)
	if merr != nil {
		return nil, merr
	}
	if eerr := events.Emit(TopicExit, body); eerr != nil {
		h.log.Debugf("error emitting exit event: %s", eerr)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("run stopped: %w", ctx.Err())
	}
	return body, nil
}

// Exec implements control.Handler for opaque commands.
func (h *ExecHandler) Exec(ctx context.Context, name string, data json.RawMessage) (json.RawMessage, error) {
	if name != CommandExec {
		return nil, fmt.Errorf("unknown command %q", name)
	}

	var req ExecRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding exec request: %w", err)
	}
	if req.Command == "" {
		return nil, errors.New("exec request contained no command")
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WD
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("running %s: %w", req.Command, err)
		}
	}
	return json.Marshal(ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
}

// eventWriter turns process output into a sequence of chunked events. The
// sink serializes frames, so chunks from stdout and stderr may interleave but
// each chunk is one whole event.
type eventWriter struct {
	sink      control.EventSink
	topic     string
	chunkSize int
}

func (w *eventWriter) Write(b []byte) (int, error) {
	left := b
	for len(left) > 0 {
		chunk := left
		if len(chunk) > w.chunkSize {
			chunk = chunk[:w.chunkSize]
		}
		left = left[len(chunk):]

		body, err := json.Marshal(OutputChunk{Chunk: chunk})
		if err != nil {
			return 0, err
		}
		if err := w.sink.Emit(w.topic, body); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}
