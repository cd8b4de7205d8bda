// Package shutdown coordinates graceful teardown: handlers run in
// registration order, so the caller registers the HTTP listener first and
// the stores last.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler is a function that performs cleanup during shutdown
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager handles graceful shutdown coordination
type Manager struct {
	logger       *logrus.Logger
	shutdownChan chan os.Signal
	handlers     []namedHandler
	timeout      time.Duration

	mu             sync.Mutex
	isShuttingDown bool
}

// NewManager creates a new shutdown manager
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{
		logger:       logger,
		shutdownChan: make(chan os.Signal, 1),
		timeout:      timeout,
	}
}

// RegisterHandler adds a shutdown handler; handlers execute in the order
// they were registered.
func (m *Manager) RegisterHandler(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: handler})
}

// WaitForShutdown blocks until a shutdown signal is received, then runs the
// handlers.
func (m *Manager) WaitForShutdown() {
	signal.Notify(m.shutdownChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-m.shutdownChan
	m.logger.WithField("signal", sig.String()).Warn("Shutdown signal received")

	m.Shutdown()
}

// Shutdown executes all registered shutdown handlers under the manager's
// timeout. A second call is a no-op.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.isShuttingDown {
		m.mu.Unlock()
		return
	}
	m.isShuttingDown = true
	handlers := m.handlers
	m.mu.Unlock()

	m.logger.Info("Starting graceful shutdown")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failed := 0
	for _, h := range handlers {
		if ctx.Err() != nil {
			m.logger.WithFields(logrus.Fields{
				"handler": h.name,
				"timeout": m.timeout.Seconds(),
			}).Error("Shutdown timeout exceeded, skipping remaining handlers")
			return
		}

		hStart := time.Now()
		if err := h.fn(ctx); err != nil {
			failed++
			m.logger.WithFields(logrus.Fields{
				"handler":  h.name,
				"duration": time.Since(hStart).Seconds(),
				"error":    err.Error(),
			}).Error("Shutdown handler failed")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"handler":  h.name,
			"duration": time.Since(hStart).Seconds(),
		}).Info("Shutdown handler completed")
	}

	duration := time.Since(start)
	if failed > 0 {
		m.logger.WithFields(logrus.Fields{
			"duration": duration.Seconds(),
			"errors":   failed,
		}).Warn("Shutdown completed with errors")
		return
	}
	m.logger.WithField("duration", duration.Seconds()).Info("Shutdown completed successfully")
}

// IsShuttingDown returns true if shutdown has been initiated
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isShuttingDown
}

// TriggerShutdown manually triggers a shutdown
func (m *Manager) TriggerShutdown() {
	m.shutdownChan <- syscall.SIGTERM
}
