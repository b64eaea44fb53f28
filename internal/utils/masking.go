// Package utils holds small helpers shared across packages.
package utils

import "strings"

// MaskKey redacts a credential for logging, keeping the first and last four
// characters. Anything shorter than twelve characters is fully masked.
func MaskKey(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// MaskSecret redacts more aggressively, keeping only the first two
// characters. Used for API secrets and passphrases.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}
