package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mediquory/connect-auth/internal/config"
	"github.com/mediquory/connect-auth/internal/models"
	"github.com/mediquory/connect-auth/internal/repository"
	"github.com/mediquory/connect-auth/internal/sms"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// OTPStore is the persistence surface the OTP flow needs. Implemented
// by repository.OTPRepository.
type OTPStore interface {
	Put(ctx context.Context, rec models.OTPRecord) error
	ListSince(ctx context.Context, phone string, since time.Time) ([]models.OTPRecord, error)
	LatestEligible(ctx context.Context, phone string, now time.Time) (*models.OTPRecord, error)
	LatestVerified(ctx context.Context, phone string) (*models.OTPRecord, error)
	IncrementAttempts(ctx context.Context, phone string, createdAt time.Time, expected int) error
	MarkVerified(ctx context.Context, phone string, createdAt time.Time) error
}

type OTPService struct {
	store  OTPStore
	sender sms.Sender
	cfg    *config.OTPConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewOTPService(store OTPStore, sender sms.Sender, cfg *config.OTPConfig, logger *logrus.Logger) *OTPService {
	return &OTPService{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Send issues a new code for the phone. Lockout and the rolling
// issuance cap are both checked before anything is written. Delivery
// failures are logged, never surfaced: the record exists and stays
// verifiable.
func (s *OTPService) Send(ctx context.Context, phone string) error {
	now := s.now()

	recent, err := s.store.ListSince(ctx, phone, now.Add(-s.cfg.Window))
	if err != nil {
		return fmt.Errorf("failed to load recent OTP records: %w", err)
	}

	// Lockout looks only at the newest record's attempt count.
	if len(recent) > 0 && recent[0].Attempts >= s.cfg.MaxAttempts {
		lockedUntil := recent[0].CreatedAt.Add(s.cfg.Lockout)
		if lockedUntil.After(now) {
			return &LockedError{Until: lockedUntil}
		}
	}

	if len(recent) >= s.cfg.MaxPerWindow {
		return ErrRateLimited
	}

	code, err := s.generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate OTP: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash OTP: %w", err)
	}

	rec := models.OTPRecord{
		Phone:     phone,
		OTPHash:   string(hash),
		Attempts:  0,
		Verified:  false,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to store OTP record: %w", err)
	}

	if err := s.sender.Send(ctx, phone, code); err != nil {
		s.logger.WithError(err).WithField("phone", phone).Error("OTP delivery failed")
		// Last resort so the code is retrievable out of band.
		s.logger.WithFields(logrus.Fields{
			"phone": phone,
			"otp":   code,
		}).Warn("OTP logged after delivery failure")
	}

	return nil
}

// Verify checks the submitted code against the newest eligible record.
// Older unexpired records are never consulted: last issued wins.
func (s *OTPService) Verify(ctx context.Context, phone, code string) error {
	now := s.now()

	rec, err := s.store.LatestEligible(ctx, phone, now)
	if err != nil {
		return fmt.Errorf("failed to load OTP record: %w", err)
	}
	if rec == nil {
		return ErrOTPNotFound
	}

	if rec.Attempts >= s.cfg.MaxAttempts {
		return ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.OTPHash), []byte(code)) != nil {
		if err := s.store.IncrementAttempts(ctx, phone, rec.CreatedAt, rec.Attempts); err != nil {
			if errors.Is(err, repository.ErrConditionFailed) {
				// A concurrent attempt moved the counter first; the
				// failed attempt is already accounted for.
				return &MismatchError{Remaining: s.cfg.MaxAttempts - rec.Attempts - 1}
			}
			return fmt.Errorf("failed to record OTP attempt: %w", err)
		}
		return &MismatchError{Remaining: s.cfg.MaxAttempts - rec.Attempts - 1}
	}

	if err := s.store.MarkVerified(ctx, phone, rec.CreatedAt); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			// Consumed by a concurrent submission between our read and
			// write.
			return ErrOTPNotFound
		}
		return fmt.Errorf("failed to mark OTP verified: %w", err)
	}

	return nil
}

// ConfirmForSignup gates account creation: the newest verified record
// must be fresh, and the submitted code must still match its hash. The
// hash re-check defends against replaying a stale verified state with
// a different code.
func (s *OTPService) ConfirmForSignup(ctx context.Context, phone, code string) error {
	now := s.now()

	rec, err := s.store.LatestVerified(ctx, phone)
	if err != nil {
		return fmt.Errorf("failed to load verified OTP record: %w", err)
	}
	if rec == nil {
		return ErrVerificationExpired
	}

	if rec.CreatedAt.Before(now.Add(-s.cfg.SignupFreshness)) {
		return ErrVerificationExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.OTPHash), []byte(code)) != nil {
		return ErrVerificationExpired
	}

	return nil
}

func (s *OTPService) generateCode() (string, error) {
	// Uniform over [10^(n-1), 10^n - 1], e.g. 100000-999999 for six
	// digits, so the code never carries a leading zero.
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.cfg.Length-1)), nil)
	span := new(big.Int).Mul(low, big.NewInt(9))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", err
	}
	return n.Add(n, low).String(), nil
}
