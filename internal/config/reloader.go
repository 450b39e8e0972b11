package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/reportbridge/reportd/pkg/types"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

// DefaultReloadDebounce coalesces bursts of file events from editors that
// write via temp file and rename.
const DefaultReloadDebounce = 250 * time.Millisecond

// ReloadCallback is a function that is called when configuration is reloaded
// The new config is passed as an argument, allowing the caller to apply it
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// ReloadLogger is the logging surface the reloader needs.
// It is satisfied by *logger.Logger.
type ReloadLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Reloader reloads the configuration file on SIGHUP and when the file changes
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	callbacks     []ReloadCallback
	debounce      time.Duration
	logger        ReloadLogger
}

// NewReloader creates a new config reloader
func NewReloader(configPath string, initialConfig *Config, log ReloadLogger) *Reloader {
	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		callbacks:     make([]ReloadCallback, 0),
		debounce:      DefaultReloadDebounce,
		logger:        log,
	}
}

// Run watches for SIGHUP and for changes to the config file until ctx is done.
// It returns nil on cancellation.
func (r *Reloader) Run(ctx context.Context) error {
	if r.configPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "reloader requires a config file path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create config watcher", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic replace (write temp + rename) is seen.
	if err := watcher.Add(filepath.Dir(r.configPath)); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to watch config directory", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGHUP)
	defer signal.Stop(signalChan)

	r.setState(ReloadStateIdle)
	defer r.setState(ReloadStateStopped)

	r.logger.Info("Config reloader started", "config_path", r.configPath)

	var pending <-chan time.Time
	target := filepath.Clean(r.configPath)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Config reloader stopped")
			return nil

		case sig := <-signalChan:
			r.logger.Info("Reload signal received", "signal", sig.String())
			r.reloadAndLog(ctx)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(r.debounce)
			}

		case <-pending:
			pending = nil
			r.reloadAndLog(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("Config watcher error", "error", err)
		}
	}
}

func (r *Reloader) reloadAndLog(ctx context.Context) {
	if err := r.Reload(ctx); err != nil {
		r.logger.Error("Configuration reload failed", "error", err)
	}
}

// Reload reloads the configuration from the file and runs the callbacks.
// The current configuration only changes when every callback succeeds.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		return nil
	}
	r.state = ReloadStateReloading
	r.mu.Unlock()
	defer r.setState(ReloadStateIdle)

	newConfig, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.mu.Unlock()

	r.logger.Info("Configuration reloaded", "config_path", r.configPath)
	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			return fmt.Errorf("callback-%d: %w", i, err)
		}
	}
	return nil
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
