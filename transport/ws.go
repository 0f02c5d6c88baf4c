package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"
	"github.com/provnode/runtimectl/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit must accommodate one maximum-size frame per WebSocket message.
const readLimit = wire.DefaultMaxFrameSize + 1024

// controlPath is the endpoint carrying control sessions.
const controlPath = "/control"

// Listener accepts remote control sessions for a runtime that is not a local
// subprocess. Each accepted WebSocket becomes one duplex stream handed to the
// session handler; the handler owns the stream until the session ends.
type Listener struct {
	log        *zap.SugaredLogger
	listenAddr string
	tlsConfig  *tls.Config
	handle     func(conn net.Conn)

	httpServer *http.Server
}

// NewListener builds a listener using the given mTLS material. handle is
// called on its own goroutine per session.
func NewListener(log *zap.SugaredLogger, caCertPEM, certPEM, keyPEM []byte, listenAddr string, handle func(conn net.Conn)) (*Listener, error) {
	tlsConfig, err := RuntimeTLSConfig(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building runtime TLS config: %w", err)
	}
	return &Listener{
		log:        log.Named("control_listener"),
		listenAddr: listenAddr,
		tlsConfig:  tlsConfig,
		handle:     handle,
	}, nil
}

// Run listens and serves until Stop is called. It returns nil after a clean
// Stop.
func (l *Listener) Run() error {
	tcpListener, err := net.Listen("tcp", l.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	tlsListener := tls.NewListener(tcpListener, l.tlsConfig)

	router := httprouter.New()
	router.GET(controlPath, l.control)

	server := http.Server{Handler: router}
	l.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *Listener) Stop() error {
	return l.httpServer.Close()
}

func (l *Listener) control(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	l.log.Debugw("accepted control session", "RemoteAddr", r.RemoteAddr)

	// the session outlives this handler's return; tie its lifetime to the
	// connection, not the request
	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	go l.handle(conn)
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial establishes a control stream to a remote runtime at addr using the
// supervisor's mTLS material. The runtime's cert is verified against its
// fixed name rather than the dialed address, since these hosts are never in
// public DNS.
func Dial(ctx context.Context, log *zap.SugaredLogger, caCertPEM, certPEM, keyPEM []byte, addr string) (net.Conn, error) {
	tlsConfig, err := SupervisorTLSConfig(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building supervisor TLS config: %w", err)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialCtx := func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	u := fmt.Sprintf("https://%s%s", serverName, controlPath)
	log.Debugw("dialing control WebSocket", "URL", u, "Addr", addr)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      retryClient.StandardClient(),
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing control WebSocket: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}
