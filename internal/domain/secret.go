package domain

import (
	"regexp"
	"strings"
)

// ReservedEnvPrefix is set aside for variables the bot injects itself.
const ReservedEnvPrefix = "T9_"

var secretNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{3,31}$`)

// ValidSecretName reports whether name may be used as a secret variable:
// 4-32 characters, letters/digits/underscore, starting with a letter and not
// starting with the reserved prefix.
func ValidSecretName(name string) bool {
	return secretNamePattern.MatchString(name) &&
		!strings.HasPrefix(strings.ToUpper(name), ReservedEnvPrefix)
}
