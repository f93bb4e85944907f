package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
)

// Func releases one resource during shutdown
type Func func(context.Context) error

type hook struct {
	name string
	fn   Func
}

// Manager runs cleanup hooks once the pipeline has stopped. Hooks run in
// reverse registration order, so a resource registered after its
// dependencies is released before them.
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []hook
	once  sync.Once
	err   error
	done  chan struct{}
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:  cfg.Logger.WithComponent("shutdown"),
		timeout: cfg.Timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a named hook
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs every hook within the manager's timeout and returns the
// joined hook errors. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		defer close(m.done)
		m.err = m.run()
	})
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("hooks", len(hooks)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped, shutdown timed out", h.name))
			continue
		}

		if err := h.fn(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Msg("Shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// Done is closed once Shutdown has finished
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
