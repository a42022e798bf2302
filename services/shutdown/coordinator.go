// Package shutdown coordinates the engine's graceful shutdown sequence:
// named handlers run in LIFO order (last registered, first torn down) with a
// shared drain deadline. Adapted from the teacher's
// services/shutdown/coordinator.go core Coordinator; the teacher's
// service-specific factory helpers (browser pool, HTTP server, session
// recorder, tunnel) and its fabricated state-snapshot persistence had no
// analog in this domain and were dropped rather than adapted.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/logger"
)

// Handler is one component's teardown step.
type Handler func(context.Context) error

// Coordinator runs registered handlers in LIFO order within drainTimeout.
type Coordinator struct {
	mu           sync.Mutex
	handlers     []Handler
	handlerNames []string

	shutdownOnce sync.Once
	done         chan struct{}
	timeout      time.Duration
}

// NewCoordinator builds a Coordinator with the given drain timeout
// (spec.md §4.10 drainTimeout).
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

// Register adds a named handler, torn down before every handler registered
// earlier.
func (c *Coordinator) Register(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	c.handlerNames = append(c.handlerNames, name)
}

// Shutdown runs every registered handler exactly once, in LIFO order, each
// bounded by the coordinator's overall drain timeout. Safe to call more than
// once; only the first call does anything.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		logger.Info("shutdown: starting graceful drain")
		close(c.done)

		drainCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		c.run(drainCtx)
	})
}

func (c *Coordinator) run(ctx context.Context) {
	c.mu.Lock()
	names := append([]string(nil), c.handlerNames...)
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := len(handlers) - 1; i >= 0; i-- {
			name, h := names[i], handlers[i]
			logger.Info("shutdown: stopping", zap.String("name", name))
			if err := h(ctx); err != nil {
				logger.Error("shutdown: handler failed", err, zap.String("name", name))
				continue
			}
			logger.Info("shutdown: stopped", zap.String("name", name))
		}
	}()

	select {
	case <-finished:
		logger.Info("shutdown: drain complete")
	case <-ctx.Done():
		logger.Warn("shutdown: drain timeout exceeded, forcing exit")
	}
}

// Wait blocks until Shutdown has been called.
func (c *Coordinator) Wait() {
	<-c.done
}
