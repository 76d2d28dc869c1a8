package nats

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	// DefaultListen is the embedded server address used by --nats-embedded.
	DefaultListen = "127.0.0.1:4222"

	readyTimeout = 5 * time.Second
	// maxPayload fits a report carrying a full capture buffer.
	maxPayload = 2 << 20
)

// ServerOptions configures the embedded NATS server.
type ServerOptions struct {
	// Listen is "host:port". Port 0 picks a free port.
	Listen string
	Name   string
	Logger *slog.Logger
}

// Server is an embedded NATS server. It lets a host without a NATS
// deployment watch its guarded runs with `nats sub "cronguard.>"` while they
// execute.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger
	ns     *server.Server
}

// NewServer creates an embedded server. Start must be called before use.
func NewServer(opts ServerOptions) *Server {
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.Name == "" {
		opts.Name = "cronguard"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger.With("component", "nats-server")}
}

// Start binds the listen address and waits until clients can connect.
func (s *Server) Start() error {
	host, portText, err := net.SplitHostPort(s.opts.Listen)
	if err != nil {
		return fmt.Errorf("nats listen address %q: %w", s.opts.Listen, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return fmt.Errorf("nats listen port %q: %w", portText, err)
	}
	if port == 0 {
		port = server.RANDOM_PORT
	}

	ns, err := server.NewServer(&server.Options{
		Host:       host,
		Port:       port,
		ServerName: s.opts.Name,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: maxPayload,
	})
	if err != nil {
		return fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("nats server not ready on %s within %s", s.opts.Listen, readyTimeout)
	}

	s.ns = ns
	s.logger.Info("NATS server started", "url", s.ClientURL())
	return nil
}

// Stop shuts the server down and waits for it to exit.
func (s *Server) Stop() {
	if s.ns == nil {
		return
	}
	s.logger.Info("Stopping NATS server", "clients", s.ns.NumClients())
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.ns = nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string {
	if s.ns == nil {
		return "nats://" + s.opts.Listen
	}
	return s.ns.ClientURL()
}

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	return s.ns != nil && s.ns.Running()
}

// Serve starts an embedded server on listen for the duration of one run. When
// the address is already served, typically by a concurrent invocation on the
// same host, that server is used instead and stop is a no-op. The served
// server stops with the invocation that started it.
func Serve(listen string, logger *slog.Logger) (url string, stop func(), err error) {
	srv := NewServer(ServerOptions{Listen: listen, Logger: logger})
	startErr := srv.Start()
	if startErr == nil {
		return srv.ClientURL(), srv.Stop, nil
	}

	conn, dialErr := net.DialTimeout("tcp", srv.opts.Listen, time.Second)
	if dialErr != nil {
		return "", nil, errors.Join(startErr, dialErr)
	}
	conn.Close()

	srv.logger.Info("NATS address already served, joining", "listen", srv.opts.Listen)
	return "nats://" + srv.opts.Listen, func() {}, nil
}
