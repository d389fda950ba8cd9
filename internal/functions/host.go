package functions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HostConfig configures the HTTP listener of the host.
type HostConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type worker struct {
	name string
	run  func(ctx context.Context) error
}

// Host runs the HTTP triggers and the background trigger sources together.
// When one of them fails, the others are stopped.
type Host struct {
	cfg     HostConfig
	handler http.Handler
	workers []worker
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewHost creates a host serving handler.
func NewHost(cfg HostConfig, handler http.Handler, logger *zap.Logger) (*Host, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":7071"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Host{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

// AddWorker adds a background source such as the stream consumer or the
// change feed. run must return when ctx is done.
func (h *Host) AddWorker(name string, run func(ctx context.Context) error) {
	h.workers = append(h.workers, worker{name: name, run: run})
}

// Ready is closed once the HTTP listener accepts connections.
func (h *Host) Ready() <-chan struct{} { return h.ready }

// Addr returns the listener address once Ready is closed.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Run serves until ctx is done or a component fails.
func (h *Host) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.Addr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	server := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: h.cfg.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.logger.Info("HTTP triggers listening", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	for _, w := range h.workers {
		w := w
		g.Go(func() error {
			h.logger.Info("Starting trigger source", zap.String("source", w.name))
			if err := w.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", w.name, err)
			}
			h.logger.Info("Trigger source stopped", zap.String("source", w.name))
			return nil
		})
	}

	close(h.ready)
	err = g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
