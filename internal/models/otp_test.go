package models

import (
	"testing"
	"time"
)

func TestOTPRecordEligible(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  OTPRecord
		want bool
	}{
		{"live", OTPRecord{ExpiresAt: now.Add(time.Minute)}, true},
		{"expires exactly now", OTPRecord{ExpiresAt: now}, true},
		{"expired", OTPRecord{ExpiresAt: now.Add(-time.Second)}, false},
		{"consumed", OTPRecord{ExpiresAt: now.Add(time.Minute), Verified: true}, false},
	}

	for _, tt := range tests {
		if got := tt.rec.Eligible(now); got != tt.want {
			t.Errorf("%s: Eligible = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOTPRecordStale(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour

	tests := []struct {
		name string
		rec  OTPRecord
		want bool
	}{
		{"fresh", OTPRecord{CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Minute)}, false},
		{"past expiry", OTPRecord{CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second)}, true},
		{"past retention", OTPRecord{CreatedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(time.Minute)}, true},
		{"at retention boundary", OTPRecord{CreatedAt: now.Add(-retention), ExpiresAt: now.Add(time.Minute)}, false},
	}

	for _, tt := range tests {
		if got := tt.rec.Stale(now, retention); got != tt.want {
			t.Errorf("%s: Stale = %v, want %v", tt.name, got, tt.want)
		}
	}
}
