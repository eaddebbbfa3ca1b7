package provider

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTokenResponse_UnmarshalCapturesExtra(t *testing.T) {
	payload := `{
		"access_token": "at",
		"token_type": "Bearer",
		"expires_in": 3600,
		"scope": "openid launch",
		"patient": "Patient/1",
		"fhirContext": [{"reference": "Appointment/5"}],
		"intent": "reconcile-medications",
		"tenant": "tenant-a",
		"smart_style_url": "https://ehr.example.com/style.json",
		"need_patient_banner": true,
		"epic_custom": "value",
		"another_extension": 42
	}`

	var resp TokenResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if resp.Patient != "Patient/1" {
		t.Errorf("Patient = %q", resp.Patient)
	}
	if resp.Intent != "reconcile-medications" {
		t.Errorf("Intent = %q", resp.Intent)
	}
	if resp.Tenant != "tenant-a" {
		t.Errorf("Tenant = %q", resp.Tenant)
	}
	if len(resp.FHIRContext) == 0 {
		t.Error("FHIRContext should be preserved verbatim")
	}

	if len(resp.Extra) != 2 {
		t.Fatalf("expected 2 extra members, got %d: %v", len(resp.Extra), resp.Extra)
	}
	if string(resp.Extra["epic_custom"]) != `"value"` {
		t.Errorf("epic_custom = %s", resp.Extra["epic_custom"])
	}
	if string(resp.Extra["another_extension"]) != "42" {
		t.Errorf("another_extension = %s", resp.Extra["another_extension"])
	}
}

func TestTokenResponse_NoExtra(t *testing.T) {
	var resp TokenResponse
	if err := json.Unmarshal([]byte(`{"access_token": "at", "token_type": "Bearer"}`), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.Extra != nil {
		t.Errorf("Extra should be nil when no unknown members exist, got %v", resp.Extra)
	}
}

func TestTokenResponse_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	resp := &TokenResponse{ExpiresIn: 3600}
	if got := resp.Expiry(now); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("Expiry = %v", got)
	}

	resp = &TokenResponse{}
	if got := resp.Expiry(now); !got.IsZero() {
		t.Errorf("zero expires_in should give zero time, got %v", got)
	}
}
