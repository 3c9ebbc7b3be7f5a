// Package obfuscate masks credentials before they reach logs or terminals.
package obfuscate

import (
	"strings"
)

// Token masks a bearer token for display:
// - length <= 4  → all asterisks of same length
// - 5..12        → keep first 2 characters, replace the rest with asterisks
// - > 12         → keep first 8 characters, then "...", then last 4 characters
func Token(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// AuthorizationHeader masks the credential part of an Authorization header
// value while keeping its scheme, e.g. "Bearer ya29.a0Af...wxyz".
func AuthorizationHeader(v string) string {
	scheme, cred, ok := strings.Cut(v, " ")
	if !ok {
		return Token(v)
	}
	return scheme + " " + Token(cred)
}
