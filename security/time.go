package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied to token
	// expiry checks. EHR identity providers and the notebook host rarely
	// share a clock; a short grace window prevents false expirations
	// from ordinary NTP drift without meaningfully extending token life.
	DefaultClockSkewGracePeriod = 5 * time.Second

	// DefaultRefreshMargin is how long before expiry an access token is
	// considered due for proactive refresh.
	DefaultRefreshMargin = 60 * time.Second
)

// IsTokenExpired checks expiry with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiry means the token does not expire.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether the token expires within threshold.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
