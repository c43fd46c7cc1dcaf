// Package shutdown runs registered hooks in priority order when the process
// is asked to stop.
//
// Every hook runs on its own goroutine so one hung component cannot stall
// the rest: the manager waits per hook up to the hook's own timeout, falling
// back to the global grace period. An optional signal sentinel triggers the
// run on SIGINT/SIGTERM.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultGraceTimeout bounds a hook that declares no timeout of its own.
const DefaultGraceTimeout = 30 * time.Second

// Conventional priorities: traffic stops first, shared managers go last.
const (
	PriorityServer   = 10
	PriorityPool     = 20
	PriorityRegistry = 30
	PriorityManagers = 90
)

// Hook is one component's shutdown step.
type Hook interface {
	Name() string
	// Priority orders hooks; smaller runs earlier.
	Priority() int
	// Timeout bounds this hook's run; 0 means the manager's grace period.
	Timeout() time.Duration
	// ShouldRun is consulted at shutdown time; false skips the hook.
	ShouldRun() bool
	Shutdown(ctx context.Context) error
}

// FuncHook adapts a plain function into a Hook.
type FuncHook struct {
	HookName string
	Order    int
	Deadline time.Duration // 0 = manager grace period
	OnlyIf   func() bool   // nil = always run
	Fn       func(ctx context.Context) error
}

func (h *FuncHook) Name() string           { return h.HookName }
func (h *FuncHook) Priority() int          { return h.Order }
func (h *FuncHook) Timeout() time.Duration { return h.Deadline }
func (h *FuncHook) ShouldRun() bool        { return h.OnlyIf == nil || h.OnlyIf() }

func (h *FuncHook) Shutdown(ctx context.Context) error { return h.Fn(ctx) }

// Manager collects hooks and runs them once.
type Manager struct {
	log   *zap.Logger
	grace time.Duration

	mu    sync.Mutex
	hooks []Hook

	runOnce sync.Once
	runErr  error

	sigOnce     sync.Once
	sigStop     chan struct{}
	sigStopOnce sync.Once
}

func NewManager(log *zap.Logger, grace time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if grace <= 0 {
		grace = DefaultGraceTimeout
	}
	return &Manager{
		log:     log.Named("shutdown"),
		grace:   grace,
		sigStop: make(chan struct{}),
	}
}

// Register adds a hook. Safe to call from any goroutine until RunAll starts.
func (m *Manager) Register(h Hook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// RunAll executes every registered hook in priority order, each on its own
// goroutine bounded by its timeout. It runs at most once; later calls return
// the first run's aggregated error.
func (m *Manager) RunAll() error {
	m.runOnce.Do(func() { m.runErr = m.run(false) })
	return m.runErr
}

// ForceShutdown runs the hooks synchronously in the calling goroutine with
// no timeouts. Meant for last-resort teardown paths.
func (m *Manager) ForceShutdown() error {
	m.runOnce.Do(func() { m.runErr = m.run(true) })
	return m.runErr
}

func (m *Manager) run(force bool) error {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority() < hooks[j].Priority() })

	start := time.Now()
	var errs error
	for _, h := range hooks {
		if !h.ShouldRun() {
			m.log.Debug("hook skipped", zap.String("hook", h.Name()))
			continue
		}
		var err error
		if force {
			err = callHook(context.Background(), h)
		} else {
			err = m.runBounded(h)
		}
		if err != nil {
			m.log.Error("hook failed", zap.String("hook", h.Name()), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		m.log.Info("hook finished", zap.String("hook", h.Name()))
	}
	m.log.Info("shutdown complete",
		zap.Int("hooks", len(hooks)),
		zap.Duration("took", time.Since(start)),
		zap.Bool("forced", force))
	return errs
}

// runBounded waits for the hook up to its timeout, then abandons it. The
// hook goroutine writes into a buffered channel, so a late finish does not
// leak a blocked goroutine.
func (m *Manager) runBounded(h Hook) error {
	timeout := h.Timeout()
	if timeout <= 0 {
		timeout = m.grace
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- callHook(ctx, h) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown: hook %s timed out after %s", h.Name(), timeout)
	}
}

func callHook(ctx context.Context, h Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown: hook %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Shutdown(ctx)
}

// InstallSignalHandler arranges for RunAll when SIGINT or SIGTERM arrives.
// Installed at most once per manager.
func (m *Manager) InstallSignalHandler() {
	m.sigOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-ch:
				m.log.Info("signal received", zap.String("signal", sig.String()))
				_ = m.RunAll()
			case <-m.sigStop:
				signal.Stop(ch)
			}
		}()
	})
}

// StopSignalHandler detaches the sentinel without running hooks.
// Reinstalling afterwards is not supported.
func (m *Manager) StopSignalHandler() {
	m.sigStopOnce.Do(func() { close(m.sigStop) })
}
