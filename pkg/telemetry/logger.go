package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a zerolog logger carrying platformconf fields such as the
// target host or the setting being changed.
type Logger struct {
	zlog  zerolog.Logger
	level zerolog.Level
	out   io.Closer
}

type loggerContextKey struct{}

var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
	"rfc3339":   time.RFC3339,
}

// NewLogger builds a logger writing to cfg.Output, which is "stdout",
// "stderr" or a file path opened for appending.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	l := &Logger{level: ParseLogLevel(cfg.Level)}

	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		w, l.out = f, f
	}

	if format, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = format
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: l.out != nil}
	}

	zctx := zerolog.New(w).Level(l.level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	l.zlog = zctx.Logger()

	if cfg.EnableSampling {
		l.zlog = l.zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return l, nil
}

// SetGlobal routes the package-level github.com/rs/zerolog/log calls
// through l.
func (l *Logger) SetGlobal() {
	log.Logger = l.zlog
	zerolog.SetGlobalLevel(l.level)
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// WithContext returns a copy of ctx carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger carried by ctx, or one wrapping the
// global zerolog logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: log.Logger, level: zerolog.GlobalLevel()}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger(), level: l.level, out: l.out}
}

// NewComponentLogger tags every entry with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.WithField("component", component)
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds every entry of fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithTarget tags entries with the host facts are collected on.
func (l *Logger) WithTarget(targetID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("target_id", targetID) })
}

// WithSetting tags entries with a setting type and its "section/key" name.
func (l *Logger) WithSetting(settingType, name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("setting_type", settingType).Str("setting", name)
	})
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// ParseLogLevel maps a configured level name to a zerolog level. Unknown
// or empty names mean info.
func ParseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
