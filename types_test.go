package smart

import "testing"

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseUnauthenticated, "unauthenticated"},
		{PhaseAwaitingCallback, "awaiting_callback"},
		{PhaseExchanging, "exchanging"},
		{PhaseAuthenticated, "authenticated"},
		{PhaseRefreshing, "refreshing"},
		{PhaseExpired, "expired"},
		{PhaseRevoked, "revoked"},
		{Phase(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
