package service

import (
	"errors"
	"fmt"
	"time"
)

// Failure taxonomy of the OTP flow. Handlers translate these into HTTP
// statuses; nothing here is fatal to the process.
var (
	// ErrRateLimited means the phone hit the issuance cap for the
	// rolling window.
	ErrRateLimited = errors.New("too many OTP requests in the current window")

	// ErrOTPNotFound means no unexpired, unverified record exists for
	// the phone. The caller must request a new code.
	ErrOTPNotFound = errors.New("OTP expired or not found")

	// ErrTooManyAttempts means the newest eligible record has exhausted
	// its attempt budget. Terminal for that record.
	ErrTooManyAttempts = errors.New("too many incorrect attempts")

	// ErrVerificationExpired means signup found no verified record
	// fresh enough, or the resubmitted code no longer matched.
	ErrVerificationExpired = errors.New("OTP verification expired")
)

// LockedError carries the lockout expiry so callers can tell the user
// when to retry.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry after %s", e.Until.Format(time.RFC3339))
}

// MismatchError reports a wrong code along with the attempts left on
// the record.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("incorrect OTP, %d attempts remaining", e.Remaining)
}
