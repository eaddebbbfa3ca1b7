package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/instrumentation"
	"github.com/fhirkit/smart-launch/security"
	"github.com/fhirkit/smart-launch/storage"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements TokenStore, FlowStore, and ContextStore.
type Store struct {
	mu sync.RWMutex

	// Token storage (encrypted at rest if encryptor is set)
	tokenSets map[string]*storage.TokenSet

	// Pending flows, keyed by state nonce (PKCE verifier encrypted at
	// rest if encryptor is set)
	flowStates map[string]*storage.FlowState

	// Launch contexts for authenticated sessions, keyed by session ID
	launchContexts map[string]*claims.LaunchContext

	// Security
	encryptor *security.Encryptor // Token encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	sessionsCountAtomic atomic.Int64
	flowsCountAtomic    atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.ContextStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		tokenSets:       make(map[string]*storage.TokenSet),
		flowStates:      make(map[string]*storage.FlowState),
		launchContexts:  make(map[string]*claims.LaunchContext),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.sessionsCountAtomic.Store(int64(len(s.tokenSets)))
	s.flowsCountAtomic.Store(int64(len(s.flowStates)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free).
		// These provide visibility into storage size for capacity planning
		// and memory leak detection.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.flowsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenSet saves the token set for a session with optional encryption
func (s *Store) SaveTokenSet(ctx context.Context, sessionID string, tokens *storage.TokenSet) error {
	ctx, span := s.startStorageSpan(ctx, "save_token_set")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token_set", err, startTime)
	}()

	if sessionID == "" {
		err = fmt.Errorf("sessionID cannot be empty")
		return err
	}
	if tokens == nil {
		err = fmt.Errorf("tokens cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track if this is a new session (for atomic counter)
	_, existed := s.tokenSets[sessionID]

	stored, encErr := storage.EncryptTokenSet(tokens, s.encryptor)
	if encErr != nil {
		err = encErr
		return err
	}
	// Clone so later caller mutations do not leak into the store.
	if stored == tokens {
		stored = tokens.Clone()
	}

	s.tokenSets[sessionID] = stored

	if !existed {
		s.sessionsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved token set", "session_hash", security.HashForLogging(sessionID))
	return nil
}

// GetTokenSet retrieves the token set for a session and decrypts if necessary
func (s *Store) GetTokenSet(ctx context.Context, sessionID string) (*storage.TokenSet, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_set")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_set", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	tokens, ok := s.tokenSets[sessionID]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenSetNotFound
		return nil, err
	}

	decrypted, decErr := storage.DecryptTokenSet(tokens, encryptor)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	if decrypted == tokens {
		decrypted = tokens.Clone()
	}
	return decrypted, nil
}

// DeleteTokenSet removes the token set for a session
func (s *Store) DeleteTokenSet(ctx context.Context, sessionID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token_set")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token_set", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.tokenSets[sessionID]; existed {
		delete(s.tokenSets, sessionID)
		s.sessionsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlowState saves a pending flow, keyed by its state nonce
func (s *Store) SaveFlowState(ctx context.Context, state *storage.FlowState) error {
	ctx, span := s.startStorageSpan(ctx, "save_flow_state")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_flow_state", err, startTime)
	}()

	if state == nil {
		err = fmt.Errorf("state cannot be nil")
		return err
	}
	if state.State == "" {
		err = fmt.Errorf("state nonce cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.flowStates[state.State]

	stored, encErr := storage.EncryptFlowState(state, s.encryptor)
	if encErr != nil {
		err = encErr
		return err
	}
	if stored == state {
		stored = state.Clone()
	}

	s.flowStates[state.State] = stored

	if !existed {
		s.flowsCountAtomic.Add(1)
	}
	return nil
}

// GetFlowState retrieves a pending flow without consuming it
func (s *Store) GetFlowState(ctx context.Context, stateNonce string) (*storage.FlowState, error) {
	ctx, span := s.startStorageSpan(ctx, "get_flow_state")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_flow_state", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	state, ok := s.flowStates[stateNonce]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrFlowStateNotFound
		return nil, err
	}

	decrypted, decErr := storage.DecryptFlowState(state, encryptor)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	if decrypted == state {
		decrypted = state.Clone()
	}
	return decrypted, nil
}

// ConsumeFlowState atomically retrieves and deletes a pending flow.
// SECURITY: The lookup and delete happen under a single write lock so
// concurrent callbacks with the same state nonce cannot both succeed.
func (s *Store) ConsumeFlowState(ctx context.Context, stateNonce string) (*storage.FlowState, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_flow_state")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_flow_state", err, startTime)
	}()

	s.mu.Lock()
	encryptor := s.encryptor
	state, ok := s.flowStates[stateNonce]
	if ok {
		delete(s.flowStates, stateNonce)
		s.flowsCountAtomic.Add(-1)
	}
	s.mu.Unlock()

	if !ok {
		err = storage.ErrFlowStateNotFound
		return nil, err
	}

	decrypted, decErr := storage.DecryptFlowState(state, encryptor)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	if decrypted == state {
		decrypted = state.Clone()
	}
	return decrypted, nil
}

// DeleteFlowState removes a pending flow
func (s *Store) DeleteFlowState(ctx context.Context, stateNonce string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_flow_state")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_flow_state", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.flowStates[stateNonce]; existed {
		delete(s.flowStates, stateNonce)
		s.flowsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// ContextStore Implementation
// ============================================================

// SaveLaunchContext saves the launch context for a session
func (s *Store) SaveLaunchContext(ctx context.Context, sessionID string, launchContext *claims.LaunchContext) error {
	ctx, span := s.startStorageSpan(ctx, "save_launch_context")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_launch_context", err, startTime)
	}()

	if sessionID == "" {
		err = fmt.Errorf("sessionID cannot be empty")
		return err
	}
	if launchContext == nil {
		err = fmt.Errorf("launchContext cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.launchContexts[sessionID] = launchContext.Clone()
	return nil
}

// GetLaunchContext retrieves the launch context for a session
func (s *Store) GetLaunchContext(ctx context.Context, sessionID string) (*claims.LaunchContext, error) {
	ctx, span := s.startStorageSpan(ctx, "get_launch_context")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_launch_context", err, startTime)
	}()

	s.mu.RLock()
	launchContext, ok := s.launchContexts[sessionID]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrContextNotFound
		return nil, err
	}
	return launchContext.Clone(), nil
}

// DeleteLaunchContext removes the launch context for a session
func (s *Store) DeleteLaunchContext(ctx context.Context, sessionID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_launch_context")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_launch_context", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.launchContexts, sessionID)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

// cleanupLoop periodically removes expired pending flows. Abandoned
// launches otherwise accumulate until process restart.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes all expired flow states
func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for nonce, state := range s.flowStates {
		if state.Expired(now) {
			delete(s.flowStates, nonce)
			s.flowsCountAtomic.Add(-1)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired flow states", "count", removed)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
