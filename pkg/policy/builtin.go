package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		plaintextSecretsPolicy(),
		protectedSettingsPolicy(),
		emptyValuesPolicy(),
	}
}

// plaintextSecretsPolicy rejects credential-looking keys written without
// the secret flag, so their values never reach logs or the audit trail.
func plaintextSecretsPolicy() Policy {
	return Policy{
		Name:        "plaintext-secrets",
		Description: "Credential settings must be written as secrets",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package platformconf.policies.secrets

import rego.v1

credential_pattern := "(?i)(password|passwd|secret|token|passphrase|private_key)"

deny contains violation if {
	input.action == "write"
	not input.secret
	regex.match(credential_pattern, input.key)
	violation := {
		"message": sprintf("setting %s looks like a credential and must be written with --secret", [input.name]),
		"severity": "error",
	}
}
`,
	}
}

// protectedSettingsPolicy blocks changes to settings listed in the
// "protected_settings" data document.
func protectedSettingsPolicy() Policy {
	return Policy{
		Name:        "protected-settings",
		Description: "Settings listed under protected_settings may not be changed",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package platformconf.policies.protected

import rego.v1

deny contains violation if {
	input.action in {"write", "delete"}
	some protected in data.protected_settings
	protected == sprintf("%s:%s", [input.type, input.name])
	violation := {
		"message": sprintf("setting %s of %s is protected", [input.name, input.type]),
		"severity": "error",
	}
}
`,
	}
}

// emptyValuesPolicy warns about settings written with an empty value.
func emptyValuesPolicy() Policy {
	return Policy{
		Name:        "empty-values",
		Description: "Warns when a setting is written with an empty value",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package platformconf.policies.empty

import rego.v1

deny contains violation if {
	input.action == "write"
	trim_space(input.value) == ""
	violation := {
		"message": sprintf("setting %s is written with an empty value", [input.name]),
		"severity": "warning",
	}
}
`,
	}
}
