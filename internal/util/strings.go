// Package util provides small shared helpers used across the smart-launch
// library that don't belong to any domain package.
package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// It is used when logging prefixes of sensitive values (state nonces,
// session IDs) where only enough of the value to correlate log lines
// should ever appear.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes for URL comparison. Issuer and
// aud values arrive with and without a trailing slash depending on the
// EHR vendor; both forms identify the same FHIR server.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
