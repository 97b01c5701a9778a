package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Listen opens a listener, removing a stale unix socket left behind by a previous run.
func Listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		return net.Listen(network, address)
	}
	stat, err := os.Stat(address)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	case stat.Mode()&os.ModeSocket == 0:
		return nil, fmt.Errorf("existing file is not a socket: %s", address)
	default:
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	return net.Listen("unix", address)
}

// Server is a listener-driven server with graceful shutdown.
type Server interface {
	Serve(sock net.Listener) error
	Shutdown(ctx context.Context) error
}

// LifecycleServe listens on start and serves in the background until the app stops.
// A server that exits with an error shuts the app down.
func LifecycleServe(log *zap.Logger, lc fx.Lifecycle, shutdowner fx.Shutdowner, network, address string, server Server) {
	log = log.With(
		zap.String("listen.net", network),
		zap.String("listen.addr", address))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sock, err := Listen(network, address)
			if err != nil {
				return fmt.Errorf("listen %s: %w", address, err)
			}
			log.Info("Starting server")
			go func() {
				if err := server.Serve(sock); err != nil {
					log.Error("Server failed", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

// httpServer ignores the error returned after a graceful shutdown.
type httpServer struct {
	*http.Server
}

func newHTTPServer(handler http.Handler) *httpServer {
	return &httpServer{Server: &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (s *httpServer) Serve(sock net.Listener) error {
	err := s.Server.Serve(sock)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
