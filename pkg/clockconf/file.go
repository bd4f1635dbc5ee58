package clockconf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/platformconf/platformconf/pkg/engine"
	"github.com/platformconf/platformconf/pkg/telemetry"
)

// Reader fetches raw file contents. Local and SSH executors satisfy it.
type Reader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// ReadFile reads and parses a clock configuration file from the local
// filesystem.
func ReadFile(path string) (ParsedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, readError(path, err)
	}
	return Parse(string(data)), nil
}

// LocalReader reads files from the local filesystem.
type LocalReader struct{}

// ReadFile implements Reader.
func (LocalReader) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Load reads path through r and parses it with the given options. In
// strict mode the parsed configuration is returned together with the
// *SkippedLinesError. When ctx carries telemetry the parse is traced and
// counted.
func Load(ctx context.Context, r Reader, path string, opts ...Option) (ParsedConfig, error) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartParseSpan(ctx, path)
		defer span.End()
	}

	data, err := r.ReadFile(ctx, path)
	if err != nil {
		err = readError(path, err)
		observeParse(ctx, path, nil, nil, err)
		return nil, err
	}

	p := NewParser(opts...)
	cfg, skipped := p.Scan(string(data))
	err = p.check(skipped)
	observeParse(ctx, path, cfg, skipped, err)
	return cfg, err
}

// observeParse logs skipped lines and feeds the parse outcome to the
// telemetry carried by ctx.
func observeParse(ctx context.Context, path string, cfg ParsedConfig, skipped []SkippedLine, err error) {
	logger := telemetry.FromContext(ctx).WithField("path", path)
	for _, l := range skipped {
		logger.WithFields(map[string]interface{}{
			"line":   l.Number,
			"reason": string(l.Reason),
		}).Debug("Skipped clock configuration line")
	}

	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		tel.Metrics.RecordError(engine.ClassAndCode(err))
	}

	reasons := make([]string, len(skipped))
	for i, l := range skipped {
		reasons[i] = string(l.Reason)
	}
	tel.Metrics.RecordClockParse(status, len(cfg), reasons)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		telemetry.AttrClockSections.Int(len(cfg)),
		telemetry.AttrClockSkipped.Int(len(skipped)),
	)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
}

func readError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return engine.NewPermanentError("clock configuration not found", err).
			WithResource(path).
			WithOperation("read").
			WithCode(engine.ErrCodeNotFound)
	}
	if errors.Is(err, fs.ErrPermission) {
		return engine.NewPermanentError("clock configuration not readable", err).
			WithResource(path).
			WithOperation("read").
			WithCode(engine.ErrCodePermissionDenied)
	}
	return engine.NewTransientError("failed to read clock configuration", err).
		WithResource(path).
		WithOperation("read")
}

// Format selects the rendering of a ParsedConfig.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Encode writes cfg to w in the requested format.
func Encode(w io.Writer, cfg ParsedConfig, format Format) error {
	if cfg == nil {
		cfg = ParsedConfig{}
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
