package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/zap"
)

// Server manages the HTTP API lifecycle for a profile daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewServer creates an API server bound to the profile's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	sessionSvc *api.SessionService,
	syncSvc *api.SyncService,
	chatSvc *api.ChatService,
	messageSvc *api.MessageService,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	router := api.NewRouter(logger.Named("api"), sessionSvc, syncSvc, chatSvc, messageSvc)

	// Request contexts hang off base, so cancelling it ends event streams.
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Handler:     router,
			BaseContext: func(net.Listener) context.Context { return base },
		},
		listener:   listener,
		socketPath: socketPath,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Start begins serving API requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("API server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file. Open
// event streams are ended first.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("API server stopping")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
	_ = os.Remove(s.socketPath)
}
