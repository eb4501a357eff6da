package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"

	"singbox-bridge/internal/core"
)

// Server wraps a gRPC server listening on a Unix domain socket.
type Server struct {
	grpc   *grpc.Server
	socket string
}

// NewServer creates an IPC server for srv. Extra options (interceptors
// from a ConnTracker, for example) are passed to grpc.NewServer.
func NewServer(socket string, srv BridgeServer, opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(opts...)
	RegisterBridgeServer(gs, srv)
	return &Server{grpc: gs, socket: socket}
}

// Listen opens the socket, replacing a stale one left by a crashed daemon.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o755); err != nil {
		return nil, fmt.Errorf("ipc: create socket dir: %w", err)
	}
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	core.Log.Infof("IPC", "Serving on %s", ln.Addr())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("ipc: serve: %w", err)
	}
	return nil
}

// Start listens on the socket and serves. Blocks until Stop.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully stops the server and removes the socket.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	os.Remove(s.socket)
}

// ForceStop immediately stops the server.
func (s *Server) ForceStop() {
	s.grpc.Stop()
	os.Remove(s.socket)
}
