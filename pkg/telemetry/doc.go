// Package telemetry provides observability instrumentation for platformconf.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and a small in-process event
// publisher behind one Telemetry value that travels in a context.Context.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Components then pick it up again:
//
//	op := telemetry.StartOperation(ctx, "clockconf.load")
//	defer op.End(err)
//	op.Logger.Info("Loading clock configuration")
//
// # Metrics
//
// Metrics live in their own registry under the configured namespace
// ("platformconf" by default):
//
//	platformconf_clockconf_parses_total{status}
//	platformconf_clockconf_sections
//	platformconf_clockconf_skipped_lines_total{reason}
//	platformconf_fact_resolutions_total{fact,status}
//	platformconf_fact_resolution_duration_seconds{fact}
//	platformconf_fact_collections_total
//	platformconf_provider_calls_total{provider,operation}
//	platformconf_provider_call_duration_seconds{provider,operation}
//	platformconf_provider_errors_total{provider,operation}
//	platformconf_setting_changes_total{type,action}
//	platformconf_errors_by_class_total{class}
//	platformconf_errors_by_code_total{code}
//
// A disabled Metrics value accepts every Record call and does nothing.
//
// # Tracing
//
// Supported exporters are otlp (gRPC), stdout and none. When tracing is
// disabled spans come from the global no-op provider.
//
// # Events
//
// Events are delivered synchronously to subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.TargetID)
//	}, telemetry.FilterByType(telemetry.EventTypeSettingChanged))
package telemetry
