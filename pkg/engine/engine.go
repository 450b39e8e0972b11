// Package engine provides the report engine adapters the dispatcher calls:
// a renderer executable on the host and a renderer image run through Docker.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/report"
	"github.com/reportbridge/reportd/pkg/types"
)

// Renderer exit codes. Anything else non-zero is an export failure.
const (
	ExitLoadFailure      = 2
	ExitParameterFailure = 3
)

// Engine is a report engine that holds resources until closed
type Engine interface {
	report.Engine
	Close() error
}

// New builds the engine selected by cfg.Engine.Type
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (Engine, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config is required")
	}
	switch cfg.Engine.Type {
	case config.EngineTypeExec:
		return NewExec(cfg.Engine, log)
	case config.EngineTypeDocker:
		return NewDocker(ctx, cfg.Docker, cfg.Engine, log)
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown engine type %q", cfg.Engine.Type))
	}
}

// rendererArgs is the argument list every renderer receives
func rendererArgs(templatePath, outputPath string, from, to time.Time) []string {
	return []string{
		"--template", templatePath,
		"--output", outputPath,
		"--from", from.Format(time.RFC3339),
		"--to", to.Format(time.RFC3339),
	}
}

// exitFailure maps a renderer exit status to an engine failure
func exitFailure(code int, stderr string) *types.EngineError {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = fmt.Sprintf("renderer exited with status %d", code)
	}
	switch code {
	case ExitLoadFailure:
		return types.NewEngineError(types.EngineLoadFailure, msg)
	case ExitParameterFailure:
		return types.NewEngineError(types.EngineParameterFailure, msg)
	default:
		return types.NewEngineError(types.EngineExportFailure, msg)
	}
}

func checkTemplate(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return types.WrapEngineError(types.EngineLoadFailure, fmt.Sprintf("template not found: %s", path), err)
	}
	if fi.IsDir() {
		return types.NewEngineError(types.EngineLoadFailure, fmt.Sprintf("template is a directory: %s", path))
	}
	return nil
}

func checkOutput(path string) error {
	if _, err := os.Stat(path); err != nil {
		return types.WrapEngineError(types.EngineExportFailure,
			fmt.Sprintf("renderer did not write %s", path), err)
	}
	return nil
}
