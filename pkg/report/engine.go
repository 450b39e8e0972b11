package report

import (
	"context"
	"time"
)

// Engine renders a report template to an output file for a date range.
// Failures should be returned as *types.EngineError; any other error is
// reported to the client the same way.
type Engine interface {
	Generate(ctx context.Context, templatePath, outputPath string, from, to time.Time) (string, error)
}

// EngineFunc adapts a function to the Engine interface
type EngineFunc func(ctx context.Context, templatePath, outputPath string, from, to time.Time) (string, error)

// Generate calls f
func (f EngineFunc) Generate(ctx context.Context, templatePath, outputPath string, from, to time.Time) (string, error) {
	return f(ctx, templatePath, outputPath, from, to)
}
