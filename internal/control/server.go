// Package control exposes a running scheduler over a Unix socket so operators
// can ask for its status or trigger a run without waiting for the next tick.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Command types
const (
	CommandStatus  = "status"
	CommandTrigger = "trigger"
)

// DefaultSocketPath sits next to the default database
const DefaultSocketPath = ".bountyd/control.sock"

// Command is one request sent to the scheduler
type Command struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the scheduler's reply
type Response struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Handler answers one command
type Handler func(cmd Command) (map[string]any, error)

// Server accepts control connections
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer prepares a server. A stale socket file from a crashed process is removed.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}
	return &Server{socketPath: socketPath, handler: handler, logger: logger}, nil
}

// Start listens in the background until Stop is called or ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("control server already running")
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create control socket: %w", err)
	}
	s.listener = ln
	s.logger.Info("control server listening", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Warn("control accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return
	}

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		s.reply(conn, Response{Message: "bad command", Error: err.Error()})
		return
	}

	data, err := s.handler(cmd)
	if err != nil {
		s.reply(conn, Response{Message: fmt.Sprintf("%s failed", cmd.Type), Error: err.Error()})
		return
	}
	s.reply(conn, Response{Success: true, Message: fmt.Sprintf("%s ok", cmd.Type), Data: data})
}

func (s *Server) reply(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("control reply failed", "error", err)
	}
}

// Stop closes the listener, waits for open connections and removes the socket
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	err := ln.Close()
	s.wg.Wait()
	if rmErr := os.RemoveAll(s.socketPath); rmErr != nil && err == nil {
		err = rmErr
	}
	s.logger.Info("control server stopped")
	return err
}

// SocketPath returns the path of the control socket
func (s *Server) SocketPath() string {
	return s.socketPath
}
