package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the platformconf config file.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" validate:"required"`

	// Environment is attached to every span, e.g. "lab" or "production".
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is "stdout", "stderr" or a file to append to.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// With sampling on, SamplingInitial entries per second are written,
	// then every SamplingThereafter-th one.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" validate:"gte=0"`

	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=unix unixms unixmicro rfc3339"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`

	SamplingRate       float64       `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration `yaml:"export_timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus metrics and their endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DefaultHistogramBuckets are the latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// DefaultConfig returns the telemetry used when the config file has none:
// console logs on stderr, metrics on :9464 and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "platformconf",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "platformconf",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
			},
		},
		Events: EventsConfig{Enabled: true},
	}
}

var validate = validator.New()

// Validate checks field constraints and that an enabled OTLP exporter has
// an endpoint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid telemetry config: otlp exporter requires an endpoint")
	}
	return nil
}
