package action

import (
	"regexp"
	"strings"
)

// NameRegexp matches a valid variable name: an uppercase identifier
// starting with a letter or underscore.
var NameRegexp = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// IsValidName reports whether name is a well-formed variable identifier.
func IsValidName(name string) bool {
	return NameRegexp.MatchString(name)
}

var sensitiveNameParts = []string{"password", "passwd", "pwd", "secret", "token", "apikey", "api_key", "pin", "cvv"}

// IsSensitiveName reports whether a variable name looks password-like
// and should have its value redacted from logs and user-visible events.
func IsSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range sensitiveNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Redacted returns the variable's value, or a fixed redaction marker if
// the variable is sensitive.
func (v Variable) Redacted() string {
	if v.Sensitive || IsSensitiveName(v.Name) {
		return "***REDACTED***"
	}
	return v.Value
}

// DetectType classifies a raw value the way the Recording Buffer's
// variable extraction does: numeric, email, date, url, else text.
func DetectType(value string) VariableType {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return VarText
	}
	if isNumeric(trimmed) {
		return VarNumber
	}
	if strings.Contains(trimmed, "@") && strings.Contains(trimmed, ".") {
		return VarEmail
	}
	if datePattern.MatchString(trimmed) {
		return VarDate
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "http") || strings.Contains(trimmed, "://") {
		return VarURL
	}
	return VarText
}

var datePattern = regexp.MustCompile(`\d+[/\-.]\d+[/\-.]\d+`)

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	seenDigit := false
	seenDot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
		case r == '.' && !seenDot:
			seenDot = true
		case r == '-' && i == 0:
			// leading sign, fine
		default:
			return false
		}
	}
	return seenDigit
}
