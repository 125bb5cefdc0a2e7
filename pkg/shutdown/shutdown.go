package shutdown

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Manager handles graceful shutdown
type Manager struct {
	shutdownFuncs []func(context.Context) error
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration) *Manager {
	return &Manager{
		shutdownFuncs: make([]func(context.Context) error, 0),
		timeout:       timeout,
		doneChan:      make(chan struct{}),
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// NotifyContext returns a child context cancelled on the first
// SIGTERM/SIGINT. The stop func releases the signal handler; callers
// hold one registration for the whole process lifetime.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Trigger marks shutdown as initiated
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Shutdown executes all registered shutdown functions
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	// Execute shutdown functions in reverse order (LIFO)
	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		fn := m.shutdownFuncs[i]

		if err := fn(ctx); err != nil {
			fmt.Printf("Shutdown function %d error: %v\n", i, err)
		}
	}
}
