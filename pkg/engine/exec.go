package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/types"
)

// processWaitDelay bounds how long a cancelled renderer may keep its pipes open
const processWaitDelay = 5 * time.Second

// Exec runs a renderer executable on the host for each report
type Exec struct {
	command string
	args    []string
	workDir string
	logger  *logger.Logger
}

// NewExec creates an exec engine from cfg
func NewExec(cfg config.EngineConfig, log *logger.Logger) (*Exec, error) {
	if cfg.Command == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "renderer command cannot be empty")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Exec{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
		logger:  log.With("component", "exec_engine"),
	}, nil
}

// Generate runs the renderer and returns outputPath once the file exists
func (e *Exec) Generate(ctx context.Context, templatePath, outputPath string, from, to time.Time) (string, error) {
	if err := checkTemplate(templatePath); err != nil {
		return "", err
	}

	args := append(append([]string(nil), e.args...), rendererArgs(templatePath, outputPath, from, to)...)
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = e.workDir
	cmd.WaitDelay = processWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	e.logger.Debug("Starting renderer", "command", e.command, "template", templatePath, "output", outputPath)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			failure := exitFailure(exitErr.ExitCode(), stderr.String())
			failure.Err = err
			e.logger.Warn("Renderer failed",
				"exit_code", exitErr.ExitCode(),
				"kind", failure.Kind,
				"duration", time.Since(start))
			return "", failure
		}
		return "", types.WrapEngineError(types.EngineExportFailure,
			fmt.Sprintf("renderer could not be started: %v", err), err)
	}

	if err := checkOutput(outputPath); err != nil {
		return "", err
	}

	e.logger.Debug("Renderer finished", "duration", time.Since(start), "stdout_bytes", stdout.Len())
	return outputPath, nil
}

// Close is a no-op; each report runs its own process
func (e *Exec) Close() error {
	return nil
}

// String returns a string representation of the engine
func (e *Exec) String() string {
	return fmt.Sprintf("Exec{command: %s}", e.command)
}
