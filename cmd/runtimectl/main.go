package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/provnode/runtimectl/control"
	"github.com/provnode/runtimectl/internal/files"
	"github.com/provnode/runtimectl/runtime"
	"github.com/provnode/runtimectl/supervisor"
	"github.com/provnode/runtimectl/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const configFileName = "runtimectl.toml"

// config holds defaults loaded from a runtimectl.toml found in the working
// directory or an ancestor. Flags override it.
type config struct {
	RuntimePath string `toml:"runtime_path"`
	Addr        string `toml:"addr"`
	CACertFile  string `toml:"ca_cert_file"`
	CertFile    string `toml:"cert_file"`
	KeyFile     string `toml:"key_file"`
}

func loadConfig() (config, error) {
	var cfg config
	wd, err := os.Getwd()
	if err != nil {
		return cfg, err
	}
	path, err := files.FindUp(configFileName, wd)
	if err != nil || path == "" {
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:  "runtimectl",
		Usage: "supervise runtime processes over their control protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, one of zap's level names.",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "spawn a runtime and run a workload in it, streaming its output",
				ArgsUsage: "COMMAND [ARGS...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "runtime-path",
						Usage: "Path of the runtime binary to spawn.",
						Value: "runtimed",
					},
					&cli.StringFlag{
						Name:  "workdir",
						Usage: "Working directory for the workload.",
					},
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "Environment entries (KEY=VALUE) for the workload.",
					},
					&cli.StringFlag{
						Name:  "timeout",
						Usage: "Abandon the workload after this duration.",
					},
				},
				Action: runWorkload,
			},
			{
				Name:      "exec",
				Usage:     "spawn a runtime and run a short command in it, printing captured output",
				ArgsUsage: "COMMAND [ARGS...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "runtime-path",
						Usage: "Path of the runtime binary to spawn.",
						Value: "runtimed",
					},
				},
				Action: execCommand,
			},
			{
				Name:  "status",
				Usage: "query a remote runtime's lifecycle state",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Address of the remote runtime's control listener.",
					},
					&cli.StringFlag{
						Name:  "ca-cert-file",
						Usage: "Path of the CA cert PEM file.",
					},
					&cli.StringFlag{
						Name:  "cert-file",
						Usage: "Path of the supervisor cert PEM file.",
					},
					&cli.StringFlag{
						Name:  "key-file",
						Usage: "Path of the supervisor key PEM file.",
					},
				},
				Action: remoteStatus,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		var exitErr *workloadExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		log.Fatal(err)
	}
}

// workloadExitError propagates the workload's exit code as our own.
type workloadExitError struct {
	code int
}

func (e *workloadExitError) Error() string {
	return fmt.Sprintf("workload exited with code %d", e.code)
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func spawn(ctx *cli.Context, slog *zap.SugaredLogger) (*supervisor.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := ctx.String("runtime-path")
	if !ctx.IsSet("runtime-path") && cfg.RuntimePath != "" {
		path = cfg.RuntimePath
	}
	return supervisor.Spawn(ctx.Context, slog, supervisor.SpawnRequest{Path: path})
}

func runWorkload(ctx *cli.Context) error {
	if ctx.Args().Len() == 0 {
		return errors.New("no workload command given")
	}
	slog, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer slog.Sync()

	runCtx := ctx.Context
	if timeoutStr := ctx.String("timeout"); timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("parsing timeout: %w", err)
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	rt, err := spawn(ctx, slog)
	if err != nil {
		return err
	}
	defer rt.Close()

	events := rt.Events()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for ev := range events {
			var chunk runtime.OutputChunk
			switch ev.Topic {
			case runtime.TopicStdout:
				if json.Unmarshal(ev.Data, &chunk) == nil {
					os.Stdout.Write(chunk.Chunk)
				}
			case runtime.TopicStderr:
				if json.Unmarshal(ev.Data, &chunk) == nil {
					os.Stderr.Write(chunk.Chunk)
				}
			}
		}
	}()

	res, err := rt.Run(runCtx, runtime.RunRequest{
		Command: ctx.Args().First(),
		Args:    ctx.Args().Tail(),
		Env:     ctx.StringSlice("env"),
		WD:      ctx.String("workdir"),
	})
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		slog.Warnw("stopping runtime", "Error", err)
		rt.Close()
	}
	<-streamDone

	if res.ExitCode != 0 {
		return &workloadExitError{code: res.ExitCode}
	}
	return nil
}

func execCommand(ctx *cli.Context) error {
	if ctx.Args().Len() == 0 {
		return errors.New("no command given")
	}
	slog, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer slog.Sync()

	rt, err := spawn(ctx, slog)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Exec(ctx.Context, runtime.ExecRequest{
		Command: ctx.Args().First(),
		Args:    ctx.Args().Tail(),
	})
	if err != nil {
		return err
	}
	os.Stdout.WriteString(res.Stdout)
	os.Stderr.WriteString(res.Stderr)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		slog.Warnw("stopping runtime", "Error", err)
	}
	if res.ExitCode != 0 {
		return &workloadExitError{code: res.ExitCode}
	}
	return nil
}

func remoteStatus(ctx *cli.Context) error {
	slog, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer slog.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := firstOf(ctx.String("addr"), cfg.Addr)
	if addr == "" {
		return errors.New("no address given")
	}
	caCertPEM, err := readPEM(firstOf(ctx.String("ca-cert-file"), cfg.CACertFile))
	if err != nil {
		return err
	}
	certPEM, err := readPEM(firstOf(ctx.String("cert-file"), cfg.CertFile))
	if err != nil {
		return err
	}
	keyPEM, err := readPEM(firstOf(ctx.String("key-file"), cfg.KeyFile))
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx.Context, 10*time.Second)
	defer cancel()
	conn, err := transport.Dial(dialCtx, slog, caCertPEM, certPEM, keyPEM, addr)
	if err != nil {
		return fmt.Errorf("dialing runtime: %w", err)
	}
	rt, err := supervisor.Attach(slog, conn)
	if err != nil {
		return err
	}
	defer rt.Close()

	state, exclusive, err := rt.Status(dialCtx)
	if err != nil {
		return err
	}
	if state == control.StateActive && exclusive != "" {
		fmt.Printf("%s (running %s)\n", state, exclusive)
	} else {
		fmt.Println(state)
	}
	return nil
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func readPEM(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("missing cert PEM file path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}
