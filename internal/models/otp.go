package models

import (
	"time"
)

// OTPRecord is one issuance attempt. A phone accumulates multiple
// records over time; the newest unexpired, unverified one is the only
// record verification considers.
type OTPRecord struct {
	Phone     string    `json:"phone" dynamodbav:"phone"`
	OTPHash   string    `json:"otp_hash" dynamodbav:"otp_hash"`
	Attempts  int       `json:"attempts" dynamodbav:"attempts"`
	Verified  bool      `json:"verified" dynamodbav:"verified"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"expires_at"`
}

// Eligible reports whether the record can still satisfy a verification
// attempt at the given instant.
func (r *OTPRecord) Eligible(now time.Time) bool {
	return !r.Verified && !r.ExpiresAt.Before(now)
}

// Stale reports whether the cleanup sweep should remove the record:
// past expiry, or older than the retention horizon.
func (r *OTPRecord) Stale(now time.Time, retention time.Duration) bool {
	return r.ExpiresAt.Before(now) || r.CreatedAt.Before(now.Add(-retention))
}
