// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/storage"
)

// MockStore is a mock implementation of all storage interfaces for
// testing. Default implementations back the methods with in-memory
// maps; individual Func fields can be replaced to inject errors.
type MockStore struct {
	mu             sync.RWMutex
	tokenSets      map[string]*storage.TokenSet
	flowStates     map[string]*storage.FlowState
	launchContexts map[string]*claims.LaunchContext

	SaveTokenSetFunc        func(sessionID string, tokens *storage.TokenSet) error
	GetTokenSetFunc         func(sessionID string) (*storage.TokenSet, error)
	DeleteTokenSetFunc      func(sessionID string) error
	SaveFlowStateFunc       func(state *storage.FlowState) error
	GetFlowStateFunc        func(stateNonce string) (*storage.FlowState, error)
	ConsumeFlowStateFunc    func(stateNonce string) (*storage.FlowState, error)
	DeleteFlowStateFunc     func(stateNonce string) error
	SaveLaunchContextFunc   func(sessionID string, launchContext *claims.LaunchContext) error
	GetLaunchContextFunc    func(sessionID string) (*claims.LaunchContext, error)
	DeleteLaunchContextFunc func(sessionID string) error

	CallCounts map[string]int
}

// Compile-time interface checks
var (
	_ storage.TokenStore   = (*MockStore)(nil)
	_ storage.FlowStore    = (*MockStore)(nil)
	_ storage.ContextStore = (*MockStore)(nil)
)

// NewMockStore creates a new mock store with working default implementations
func NewMockStore() *MockStore {
	m := &MockStore{
		tokenSets:      make(map[string]*storage.TokenSet),
		flowStates:     make(map[string]*storage.FlowState),
		launchContexts: make(map[string]*claims.LaunchContext),
		CallCounts:     make(map[string]int),
	}

	m.SaveTokenSetFunc = func(sessionID string, tokens *storage.TokenSet) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.tokenSets[sessionID] = tokens.Clone()
		return nil
	}

	m.GetTokenSetFunc = func(sessionID string) (*storage.TokenSet, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		tokens, ok := m.tokenSets[sessionID]
		if !ok {
			return nil, storage.ErrTokenSetNotFound
		}
		return tokens.Clone(), nil
	}

	m.DeleteTokenSetFunc = func(sessionID string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tokenSets, sessionID)
		return nil
	}

	m.SaveFlowStateFunc = func(state *storage.FlowState) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.flowStates[state.State] = state.Clone()
		return nil
	}

	m.GetFlowStateFunc = func(stateNonce string) (*storage.FlowState, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		state, ok := m.flowStates[stateNonce]
		if !ok {
			return nil, storage.ErrFlowStateNotFound
		}
		return state.Clone(), nil
	}

	m.ConsumeFlowStateFunc = func(stateNonce string) (*storage.FlowState, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		state, ok := m.flowStates[stateNonce]
		if !ok {
			return nil, storage.ErrFlowStateNotFound
		}
		delete(m.flowStates, stateNonce)
		return state.Clone(), nil
	}

	m.DeleteFlowStateFunc = func(stateNonce string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.flowStates, stateNonce)
		return nil
	}

	m.SaveLaunchContextFunc = func(sessionID string, launchContext *claims.LaunchContext) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.launchContexts[sessionID] = launchContext.Clone()
		return nil
	}

	m.GetLaunchContextFunc = func(sessionID string) (*claims.LaunchContext, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		launchContext, ok := m.launchContexts[sessionID]
		if !ok {
			return nil, storage.ErrContextNotFound
		}
		return launchContext.Clone(), nil
	}

	m.DeleteLaunchContextFunc = func(sessionID string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.launchContexts, sessionID)
		return nil
	}

	return m
}

// recordCall increments the call counter for a method
func (m *MockStore) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns the number of times a method was called
func (m *MockStore) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// SaveTokenSet implements storage.TokenStore
func (m *MockStore) SaveTokenSet(_ context.Context, sessionID string, tokens *storage.TokenSet) error {
	m.recordCall("SaveTokenSet")
	return m.SaveTokenSetFunc(sessionID, tokens)
}

// GetTokenSet implements storage.TokenStore
func (m *MockStore) GetTokenSet(_ context.Context, sessionID string) (*storage.TokenSet, error) {
	m.recordCall("GetTokenSet")
	return m.GetTokenSetFunc(sessionID)
}

// DeleteTokenSet implements storage.TokenStore
func (m *MockStore) DeleteTokenSet(_ context.Context, sessionID string) error {
	m.recordCall("DeleteTokenSet")
	return m.DeleteTokenSetFunc(sessionID)
}

// SaveFlowState implements storage.FlowStore
func (m *MockStore) SaveFlowState(_ context.Context, state *storage.FlowState) error {
	m.recordCall("SaveFlowState")
	return m.SaveFlowStateFunc(state)
}

// GetFlowState implements storage.FlowStore
func (m *MockStore) GetFlowState(_ context.Context, stateNonce string) (*storage.FlowState, error) {
	m.recordCall("GetFlowState")
	return m.GetFlowStateFunc(stateNonce)
}

// ConsumeFlowState implements storage.FlowStore
func (m *MockStore) ConsumeFlowState(_ context.Context, stateNonce string) (*storage.FlowState, error) {
	m.recordCall("ConsumeFlowState")
	return m.ConsumeFlowStateFunc(stateNonce)
}

// DeleteFlowState implements storage.FlowStore
func (m *MockStore) DeleteFlowState(_ context.Context, stateNonce string) error {
	m.recordCall("DeleteFlowState")
	return m.DeleteFlowStateFunc(stateNonce)
}

// SaveLaunchContext implements storage.ContextStore
func (m *MockStore) SaveLaunchContext(_ context.Context, sessionID string, launchContext *claims.LaunchContext) error {
	m.recordCall("SaveLaunchContext")
	return m.SaveLaunchContextFunc(sessionID, launchContext)
}

// GetLaunchContext implements storage.ContextStore
func (m *MockStore) GetLaunchContext(_ context.Context, sessionID string) (*claims.LaunchContext, error) {
	m.recordCall("GetLaunchContext")
	return m.GetLaunchContextFunc(sessionID)
}

// DeleteLaunchContext implements storage.ContextStore
func (m *MockStore) DeleteLaunchContext(_ context.Context, sessionID string) error {
	m.recordCall("DeleteLaunchContext")
	return m.DeleteLaunchContextFunc(sessionID)
}
