package provider

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateIssuerURL validates a FHIR issuer URL with SSRF protection.
// It enforces HTTPS and blocks private IP ranges so a crafted iss
// parameter cannot steer discovery at internal services or cloud
// metadata endpoints.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	// SECURITY: Enforce HTTPS to prevent credential leakage
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	// SECURITY: Block private IP ranges to prevent SSRF
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}

	if u.User != nil {
		return fmt.Errorf("issuer URL must not carry credentials")
	}

	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("issuer URL must not carry a query or fragment")
	}

	return nil
}

// ValidateLaunchToken validates an opaque launch token from the EHR.
// The token is never interpreted, only relayed, so validation is
// limited to shape: printable, no whitespace, bounded length.
func ValidateLaunchToken(launch string) error {
	if launch == "" {
		return nil // Absent for standalone launches
	}

	if len(launch) > 4096 {
		return fmt.Errorf("launch token exceeds maximum length of 4096 characters")
	}

	for i, r := range launch {
		if r <= 0x20 || r == 0x7f {
			return fmt.Errorf("launch token contains invalid character at index %d", i)
		}
	}

	return nil
}

// ValidateScopes validates scope strings before they are placed on an
// authorization request.
func ValidateScopes(scopes []string) error {
	if len(scopes) > 50 {
		return fmt.Errorf("too many scopes (max 50, got %d)", len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > 256 {
			return fmt.Errorf("scope at index %d exceeds maximum length of 256 characters", i)
		}
		if strings.ContainsAny(scope, " \t\r\n") {
			return fmt.Errorf("scope at index %d contains whitespace", i)
		}
	}

	return nil
}
