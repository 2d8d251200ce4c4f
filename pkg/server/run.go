package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Run starts the server and blocks until SIGINT, SIGTERM or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		s.Shutdown()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("shutting down...", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down...")
	}
	s.Shutdown()
	return nil
}

// Shutdown stops every loop, drains HTTP, flushes sessions and closes the
// storage backend. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.cancel()

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.listener != nil {
			if err := s.echo.Shutdown(shutCtx); err != nil {
				s.logger.Warn("http shutdown", "err", err)
			}
		}
		if err := s.relay.Close(); err != nil {
			s.logger.Debug("relay close", "err", err)
		}
		s.wg.Wait()
		s.mixer.Close()
		s.closeStores()
		s.metrics.LogSummary(s.logger)
		s.logger.Info("server stopped")
	})
}

// closeStores flushes sessions and closes whatever New managed to open.
func (s *Server) closeStores() {
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.sessions.Close(ctx); err != nil {
			s.logger.Error("flush sessions failed", "err", err)
		}
	}
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			s.logger.Error("close storage failed", "err", err)
		}
	}
}
