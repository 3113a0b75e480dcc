package config

import (
	"fmt"
	"regexp"
)

// MaxNameLength is the maximum length for an instance or queue name.
const MaxNameLength = 63

// NamePattern matches valid instance and queue names: lowercase alphanumeric,
// hyphens allowed but not at start or end. Names end up inside Redis keys and
// channel patterns, so glob characters and separators are excluded.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName checks an instance or queue name; what names the field in
// error messages.
func ValidateName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("%s too long: %d characters (max: %d)", what, len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid %s '%s': must be lowercase alphanumeric with hyphens (not at start/end)", what, name)
	}

	return nil
}
