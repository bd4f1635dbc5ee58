// Package engine ties the platformconf building blocks together.
//
// It defines the SettingProvider contract implemented by the ini setting
// providers, the classified EngineError used by every layer, and two
// services built on the store:
//
//   - FactsCollector resolves host facts from a facts.Registry through a
//     facts.Executor (local or SSH) and caches them with a TTL.
//   - SettingsService wraps a SettingProvider and records every change in
//     the audit log.
//
// HostRegistry holds the remote targets from the configuration file and
// builds their SSH transport settings.
//
// Both services pick up logging, tracing, metrics and events from the
// telemetry.Telemetry stored in the context, and work without it.
package engine
