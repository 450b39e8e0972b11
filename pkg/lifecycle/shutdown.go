package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the process is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates hooks are running
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// DefaultHookTimeout bounds a single shutdown hook
const DefaultHookTimeout = 5 * time.Second

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager owns the cancellation context shared by the accept loop,
// the dispatcher and the config reloader. SIGINT or SIGTERM, or an explicit
// Shutdown call, cancels it and then runs the registered hooks.
type ShutdownManager struct {
	mu              sync.RWMutex
	state           ShutdownState
	shutdownTimeout time.Duration
	hooks           []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	stopChan        chan struct{}
	ctx             context.Context
	cancel          context.CancelFunc
	started         bool
	completionChan  chan struct{}
	shutdownReason  string
	startedAt       time.Time
}

// NewShutdownManager creates a shutdown manager whose context derives from parent
func NewShutdownManager(parent context.Context, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	return &ShutdownManager{
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		hooks:           make([]ShutdownHook, 0),
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		ctx:             ctx,
		cancel:          cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.stopChan = make(chan struct{})
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout)

	go sm.handleSignals(sm.stopChan)
}

// Stop stops signal handling. It does not cancel the context.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	close(sm.stopChan)
	sm.started = false
	sm.logger.Debug("Shutdown manager stopped")
}

// Context returns the shared cancellation context
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Shutdown cancels the shared context and runs the hooks within the
// shutdown timeout. Only the first call has any effect.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)
	sm.cancel()

	shutdownCtx := ctx
	if sm.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()
	}

	sm.setState(ShutdownStateStopping)
	err := sm.executeHooks(shutdownCtx)
	if err != nil {
		sm.logger.Error("Shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt))
	return err
}

// AddHook adds a shutdown hook; hooks run in registration order
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.hooks = append(sm.hooks, hook)
	sm.logger.Debug("Shutdown hook registered", "total_hooks", len(sm.hooks))
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals(stop <-chan struct{}) {
	for {
		select {
		case sig := <-sm.signalChan:
			if sm.IsShuttingDown() {
				sm.logger.Warn("Shutdown already in progress", "signal", sig.String())
				continue
			}
			sm.logger.Info("Shutdown signal received", "signal", sig.String())
			go func() {
				if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
					sm.logger.Error("Shutdown failed", "error", err)
				}
			}()

		case <-stop:
			return
		}
	}
}

func (sm *ShutdownManager) executeHooks(ctx context.Context) error {
	sm.mu.RLock()
	hooks := make([]ShutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.RUnlock()

	var errs []error
	for i, hook := range hooks {
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "remaining", len(hooks)-i)
			errs = append(errs, types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err()))
			break
		}

		hookCtx, cancel := context.WithTimeout(ctx, DefaultHookTimeout)
		if err := hook(hookCtx); err != nil {
			sm.logger.Error("Shutdown hook failed", "hook", fmt.Sprintf("hook-%d", i), "error", err)
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state)
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.hooks), sm.started)
}
