package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/provnode/runtimectl/control"
	"github.com/provnode/runtimectl/runtime"
	"github.com/provnode/runtimectl/transport"
	"github.com/provnode/runtimectl/wire"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "runtimed",
		Usage: "the runtime process driven by a supervisor over its control protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "Serve control sessions over WebSockets on this address instead of stdio.",
			},
			&cli.StringFlag{
				Name:  "ca-cert-pem",
				Usage: "The CA cert PEM bytes to use (base64-encoded). Required with --listen-addr.",
			},
			&cli.StringFlag{
				Name:  "cert-pem",
				Usage: "The cert PEM bytes to use (base64-encoded). Required with --listen-addr.",
			},
			&cli.StringFlag{
				Name:  "key-pem",
				Usage: "The key PEM bytes to use (base64-encoded). Required with --listen-addr.",
			},
			&cli.StringFlag{
				Name:  "grace-period",
				Usage: "Duration an active workload gets to wind down after a stop request.",
				Value: "5s",
			},
			&cli.UintFlag{
				Name:  "max-frame-size",
				Usage: "Largest control frame accepted, in bytes.",
				Value: uint(wire.DefaultMaxFrameSize),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, one of zap's level names.",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	gracePeriod, err := time.ParseDuration(ctx.String("grace-period"))
	if err != nil {
		return fmt.Errorf("parsing grace period: %w", err)
	}
	maxFrameSize := uint32(ctx.Uint("max-frame-size"))

	logger, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	slog := logger.Sugar()

	handler := runtime.NewExecHandler(slog)
	serverOpts := []control.ServerOption{
		control.WithGracePeriod(gracePeriod),
		control.WithServerMaxFrameSize(maxFrameSize),
	}

	listenAddr := ctx.String("listen-addr")
	if listenAddr == "" {
		server := control.NewServer(slog, transport.Stdio(), handler, serverOpts...)
		return server.Serve(ctx.Context)
	}

	caCertPEM, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
	if err != nil {
		return fmt.Errorf("decoding CA cert PEM: %w", err)
	}
	certPEM, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
	if err != nil {
		return fmt.Errorf("decoding cert PEM: %w", err)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
	if err != nil {
		return fmt.Errorf("decoding key PEM: %w", err)
	}

	listener, err := transport.NewListener(slog, caCertPEM, certPEM, keyPEM, listenAddr, func(conn net.Conn) {
		server := control.NewServer(slog, conn, handler, serverOpts...)
		if serveErr := server.Serve(context.Background()); serveErr != nil {
			slog.Errorw("control session ended", "Error", serveErr)
		}
	})
	if err != nil {
		return fmt.Errorf("building listener: %w", err)
	}
	return listener.Run()
}

// The control transport shares stdout in stdio mode, so logs must only ever
// go to stderr.
func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
