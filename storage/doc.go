// Package storage provides interfaces and utilities for persisting
// launch sessions: token sets, pending flow state, and the launch
// context a session is bound to.
//
// The package defines the core storage interfaces used throughout the
// smart-launch library:
//   - TokenStore: Manages the token set of each session
//   - FlowStore: Manages pending authorization flow state, keyed by the state nonce
//   - ContextStore: Manages the launch context of authenticated sessions
//
// It also provides shared types and encryption helpers for token
// material at rest.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
