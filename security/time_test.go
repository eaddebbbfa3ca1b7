package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	if IsTokenExpired(time.Now().Add(time.Hour)) {
		t.Error("future expiry should not be expired")
	}
	if IsTokenExpired(time.Time{}) {
		t.Error("zero expiry means no expiration")
	}
	if IsTokenExpired(time.Now().Add(-time.Minute)) == false {
		t.Error("expiry a minute ago should be expired even with grace period")
	}
	// Inside the grace period: expired 1s ago with default 5s grace.
	if IsTokenExpired(time.Now().Add(-time.Second)) {
		t.Error("expiry inside grace period should not count as expired")
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	expiredAt := time.Now().Add(-10 * time.Second)

	if !IsTokenExpiredWithGracePeriod(expiredAt, 5*time.Second) {
		t.Error("should be expired beyond grace period")
	}
	if IsTokenExpiredWithGracePeriod(expiredAt, 30*time.Second) {
		t.Error("should not be expired within grace period")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	if !IsTokenExpiringSoon(time.Now().Add(30*time.Second), time.Minute) {
		t.Error("token expiring in 30s should be expiring soon with 1m threshold")
	}
	if IsTokenExpiringSoon(time.Now().Add(time.Hour), time.Minute) {
		t.Error("token expiring in 1h should not be expiring soon")
	}
	if IsTokenExpiringSoon(time.Time{}, time.Minute) {
		t.Error("zero expiry is never expiring soon")
	}
}
