package inisetting

import (
	"regexp"
	"strings"

	"github.com/platformconf/platformconf/pkg/engine"
)

// Redaction markers shown instead of secret values.
const (
	RedactedOld = engine.RedactedOld
	RedactedNew = engine.RedactedNew
)

var (
	namePattern    = regexp.MustCompile(`^\S+/\S+$`)
	booleanPattern = regexp.MustCompile(`(?i)^(true|false)$`)
)

// ValidName reports whether name has the "section/setting" shape.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// SplitName splits a resource name on its first slash.
func SplitName(name string) (section, key string, err error) {
	if !ValidName(name) {
		return "", "", engine.NewValidationError("setting name must have the form section/setting", nil).
			WithResource(name)
	}
	section, key, _ = strings.Cut(name, "/")
	return section, key, nil
}

// MungeValue normalizes a value before it is compared or written: it is
// trimmed and boolean words are capitalized.
func MungeValue(value string) string {
	value = strings.TrimSpace(value)
	if booleanPattern.MatchString(value) {
		return strings.ToUpper(value[:1]) + strings.ToLower(value[1:])
	}
	return value
}

func redact(value string, secret bool, marker string) string {
	if secret {
		return marker
	}
	return value
}
