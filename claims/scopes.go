// Package claims validates what an EHR actually granted: the scope set
// against what was requested, and the id_token against the provider's
// published keys. Its output is the launch context a session is bound
// to for its lifetime.
package claims

import (
	"fmt"
	"strings"
)

// DefaultScopes is the scope set requested when the application does
// not configure its own: identity, launch context, read access to the
// patient compartment, and a refresh token.
var DefaultScopes = []string{
	"openid",
	"profile",
	"fhirUser",
	"launch",
	"patient/*.read",
	"offline_access",
}

// clinicalContexts are the compartment prefixes of clinical scopes.
var clinicalContexts = map[string]bool{
	"patient": true,
	"user":    true,
	"system":  true,
}

// permission letters in canonical order, following the v2 grammar.
const permissionOrder = "cruds"

// Scope is one parsed SMART scope. Clinical scopes have the form
// context/ResourceType.permissions; everything else (openid, fhirUser,
// launch, launch/patient, offline_access, ...) is treated as an opaque
// token compared by equality.
type Scope struct {
	// Raw is the scope exactly as requested or granted.
	Raw string

	// Context is "patient", "user", or "system" for clinical scopes,
	// empty otherwise.
	Context string

	// Resource is the FHIR resource type, or "*" for the whole
	// compartment.
	Resource string

	// Permissions holds the granted interactions as a subset of
	// "cruds" in canonical order. The v1 verbs normalize into it:
	// read covers retrieval and search, write covers mutation.
	Permissions string

	// Constraint is the raw fine-grained constraint suffix
	// ("?category=..."), empty when absent. Constrained scopes only
	// compare equal to themselves.
	Constraint string
}

// ParseScope parses a single SMART scope string.
func ParseScope(raw string) (Scope, error) {
	if raw == "" {
		return Scope{}, fmt.Errorf("empty scope")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return Scope{}, fmt.Errorf("scope %q contains whitespace", raw)
	}

	slash := strings.IndexByte(raw, '/')
	if slash < 0 || !strings.Contains(raw[slash:], ".") {
		// Non-clinical scope, including launch/patient and
		// launch/encounter.
		return Scope{Raw: raw}, nil
	}

	context := raw[:slash]
	if !clinicalContexts[context] {
		return Scope{}, fmt.Errorf("scope %q has unknown context %q", raw, context)
	}

	rest := raw[slash+1:]
	var constraint string
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		constraint = rest[q:]
		rest = rest[:q]
	}

	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return Scope{}, fmt.Errorf("scope %q is missing a permission suffix", raw)
	}

	resource := rest[:dot]
	perms, err := normalizePermissions(rest[dot+1:])
	if err != nil {
		return Scope{}, fmt.Errorf("scope %q: %w", raw, err)
	}

	return Scope{
		Raw:         raw,
		Context:     context,
		Resource:    resource,
		Permissions: perms,
		Constraint:  constraint,
	}, nil
}

// normalizePermissions maps v1 verbs and v2 letter sets onto a subset
// of "cruds" in canonical order.
func normalizePermissions(perms string) (string, error) {
	switch perms {
	case "read":
		return "rs", nil
	case "write":
		return "cud", nil
	case "*":
		return permissionOrder, nil
	}

	seen := map[rune]bool{}
	for _, r := range perms {
		if !strings.ContainsRune(permissionOrder, r) {
			return "", fmt.Errorf("invalid permission %q", string(r))
		}
		if seen[r] {
			return "", fmt.Errorf("duplicate permission %q", string(r))
		}
		seen[r] = true
	}

	// Canonical order regardless of input order.
	var out strings.Builder
	for _, r := range permissionOrder {
		if seen[r] {
			out.WriteRune(r)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("no permissions")
	}
	return out.String(), nil
}

// Clinical reports whether the scope names a compartment and resource.
func (s Scope) Clinical() bool {
	return s.Context != ""
}

// Covers reports whether this scope, as requested, permits the grant of
// other. A wildcard resource covers any resource in the same context;
// permissions cover any subset.
func (s Scope) Covers(other Scope) bool {
	if !s.Clinical() || !other.Clinical() {
		return s.Raw == other.Raw
	}
	if s.Context != other.Context {
		return false
	}
	if s.Resource != "*" && s.Resource != other.Resource {
		return false
	}
	// A constrained request only covers the identical constraint; an
	// unconstrained request covers anything narrower.
	if s.Constraint != "" && s.Constraint != other.Constraint {
		return false
	}
	for _, r := range other.Permissions {
		if !strings.ContainsRune(s.Permissions, r) {
			return false
		}
	}
	return true
}

// Escalated returns the granted scopes that no requested scope covers.
// A non-empty result means the provider handed out more authority than
// was asked for, which must terminate the flow.
//
// Granted scopes that fail to parse are reported as escalations rather
// than silently accepted.
func Escalated(requested, granted []string) []string {
	parsed := make([]Scope, 0, len(requested))
	for _, raw := range requested {
		scope, err := ParseScope(raw)
		if err != nil {
			continue // An unparseable request cannot cover anything.
		}
		parsed = append(parsed, scope)
	}

	var escalated []string
	for _, raw := range granted {
		grant, err := ParseScope(raw)
		if err != nil {
			escalated = append(escalated, raw)
			continue
		}
		covered := false
		for _, req := range parsed {
			if req.Covers(grant) {
				covered = true
				break
			}
		}
		if !covered {
			escalated = append(escalated, raw)
		}
	}
	return escalated
}

// SplitScopes splits a space-delimited scope string as returned in a
// token response, dropping empty segments.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}
