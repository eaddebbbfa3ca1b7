// Package provider implements the client side of a SMART on FHIR
// authorization server: configuration discovery, authorization URL
// construction, code exchange, token refresh, and revocation. The
// concrete HTTP client authenticates as a public client, with a client
// secret, or with a signed client assertion, depending on how the app
// is registered at the EHR.
package provider
