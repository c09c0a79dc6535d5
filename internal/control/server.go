package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/Alia5/usbrelay/relay"
)

// ServerConfig configures the control Server.
type ServerConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9999" or a Unix socket
	// path prefixed "unix:".
	Addr string
	// SessionKey authenticates and encrypts every connection (chacha20poly1305,
	// see conn.go); it must be exactly chacha20poly1305.KeySize bytes.
	SessionKey []byte
}

// Server is a tiny authenticated line protocol ("stop", "reset", "status")
// an external actor speaks to drive a running relay.RelayManager (spec.md
// §4.7/§9's "external actor", SPEC_FULL.md §4.11).
type Server struct {
	config  ServerConfig
	manager *relay.RelayManager
	logger  *slog.Logger

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a Server that will drive manager once ListenAndServe runs.
func New(config ServerConfig, manager *relay.RelayManager, logger *slog.Logger) *Server {
	return &Server{
		config:  config,
		manager: manager,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// ListenAndServe accepts control connections until the listener is closed,
// handling each on its own goroutine (teacher's usb.Server.ListenAndServe
// shape, trimmed to a line protocol instead of a URB stream).
func (s *Server) ListenAndServe(ctx context.Context) error {
	network, addr := splitNetwork(s.config.Addr)
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("control server listening", "addr", s.config.Addr)

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("control server stopped")
				return nil
			}
			s.logger.Error("control accept error", "error", err)
			continue
		}
		go s.handleConn(ctx, c)
	}
}

func splitNetwork(addr string) (network, target string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	return "tcp", addr
}

// Ready returns a channel closed once the server is bound and accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops accepting new control connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	conn, err := WrapConn(raw, s.config.SessionKey)
	if err != nil {
		s.logger.Error("control handshake failed", "error", err)
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(ctx, line)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			s.logger.Warn("control write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("control connection ended", "error", err)
	}
}

// dispatch runs one command line against the manager and renders a
// one-line reply. Unknown commands and errors are reported the same way
// rather than closing the connection, so a misbehaving caller gets useful
// feedback instead of a dropped socket.
func (s *Server) dispatch(ctx context.Context, line string) string {
	cmd, _, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "stop":
		s.manager.StopRelaying()
		return "OK stopping"
	case "reset":
		if err := s.manager.Reset(ctx, nil); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		return "OK reset"
	case "status":
		return fmt.Sprintf("OK %s", s.manager.State())
	default:
		return fmt.Sprintf("ERR unknown command %q", cmd)
	}
}
