// Package policy gates setting changes with Open Policy Agent policies.
//
// Every write and delete issued through engine.SettingsService can be
// checked by an Engine before the configuration file is touched. Policies
// are Rego modules that collect violations in a "deny" set. Each violation
// is either a string or an object with "message" and "severity" keys:
//
//	package platformconf.policies.debug
//
//	import rego.v1
//
//	deny contains violation if {
//		input.key == "debug"
//		input.value == "True"
//		violation := {"message": "debug must stay off", "severity": "error"}
//	}
//
// The input document carries the setting type, file path, "section/setting"
// name, its section and key, the value (redacted for secrets), the secret
// flag and the action ("write" or "delete").
//
// Violations with severity error or critical reject the change with a
// POLICY_VIOLATION error. Lower severities are logged.
//
// # Built-in policies
//
//   - plaintext-secrets: credential-looking keys must be written as secrets
//   - protected-settings: "type:section/setting" entries listed in
//     data.protected_settings may not be written or deleted
//   - empty-values: warns when a setting is written with an empty value
//
// Additional policies are loaded from .rego or .json files with
// LoadPolicies. A .rego file is named after itself and described by its
// first comment block, where a "severity: error" line raises the default
// warning severity.
package policy
