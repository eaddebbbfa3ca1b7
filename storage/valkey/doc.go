// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments. Pending flows and sessions
// expire through native key TTLs, and state consumption uses GETDEL so
// a state nonce can be redeemed exactly once across instances.
package valkey
