package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/mediquory/connect-auth/internal/config"
	"github.com/mediquory/connect-auth/internal/models"
	"github.com/mediquory/connect-auth/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type fakeOTPStore struct {
	records []models.OTPRecord
}

func (f *fakeOTPStore) Put(ctx context.Context, rec models.OTPRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeOTPStore) newestFirst() []models.OTPRecord {
	out := make([]models.OTPRecord, len(f.records))
	copy(out, f.records)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (f *fakeOTPStore) ListSince(ctx context.Context, phone string, since time.Time) ([]models.OTPRecord, error) {
	var out []models.OTPRecord
	for _, r := range f.newestFirst() {
		if r.Phone == phone && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOTPStore) LatestEligible(ctx context.Context, phone string, now time.Time) (*models.OTPRecord, error) {
	for _, r := range f.newestFirst() {
		if r.Phone == phone && r.Eligible(now) {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeOTPStore) LatestVerified(ctx context.Context, phone string) (*models.OTPRecord, error) {
	for _, r := range f.newestFirst() {
		if r.Phone == phone && r.Verified {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeOTPStore) IncrementAttempts(ctx context.Context, phone string, createdAt time.Time, expected int) error {
	for i := range f.records {
		if f.records[i].Phone == phone && f.records[i].CreatedAt.Equal(createdAt) {
			if f.records[i].Verified || f.records[i].Attempts != expected {
				return repository.ErrConditionFailed
			}
			f.records[i].Attempts++
			return nil
		}
	}
	return repository.ErrConditionFailed
}

func (f *fakeOTPStore) MarkVerified(ctx context.Context, phone string, createdAt time.Time) error {
	for i := range f.records {
		if f.records[i].Phone == phone && f.records[i].CreatedAt.Equal(createdAt) {
			if f.records[i].Verified {
				return repository.ErrConditionFailed
			}
			f.records[i].Verified = true
			return nil
		}
	}
	return repository.ErrConditionFailed
}

type captureSender struct {
	codes []string
	fail  bool
}

func (s *captureSender) Send(ctx context.Context, phone, code string) error {
	if s.fail {
		return errors.New("gateway down")
	}
	s.codes = append(s.codes, code)
	return nil
}

func testOTPConfig() *config.OTPConfig {
	return &config.OTPConfig{
		Length:          6,
		Expiry:          10 * time.Minute,
		MaxAttempts:     5,
		MaxPerWindow:    3,
		Window:          time.Hour,
		Lockout:         30 * time.Minute,
		SignupFreshness: 10 * time.Minute,
		Retention:       24 * time.Hour,
	}
}

func newTestService(store *fakeOTPStore, sender *captureSender, at time.Time) *OTPService {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := NewOTPService(store, sender, testOTPConfig(), logger)
	svc.now = func() time.Time { return at }
	return svc
}

const testPhone = "9876543210"

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestSendCreatesRecord(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Attempts != 0 || rec.Verified {
		t.Fatalf("fresh record should be unverified with 0 attempts, got %+v", rec)
	}
	if !rec.ExpiresAt.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("expected expiry at createdAt+10m, got %v", rec.ExpiresAt)
	}
	if len(sender.codes) != 1 || len(sender.codes[0]) != 6 {
		t.Fatalf("expected one 6-digit code delivered, got %v", sender.codes)
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.OTPHash), []byte(sender.codes[0])) != nil {
		t.Fatal("stored hash does not match delivered code")
	}
}

func TestSendSucceedsWhenDeliveryFails(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{fail: true}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("Send should succeed despite delivery failure, got: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
}

func TestSendRateLimited(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	for i := 0; i < 3; i++ {
		svc.now = func() time.Time { return t0.Add(time.Duration(i) * time.Minute) }
		if err := svc.Send(context.Background(), testPhone); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	svc.now = func() time.Time { return t0.Add(3 * time.Minute) }
	err := svc.Send(context.Background(), testPhone)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(store.records) != 3 {
		t.Fatalf("rate-limited send must not create a record, have %d", len(store.records))
	}

	// The window slides: once the earlier issuances age out, sends
	// succeed again.
	svc.now = func() time.Time { return t0.Add(time.Hour + 5*time.Minute) }
	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("send after window slid should succeed, got %v", err)
	}
}

func TestSendLockout(t *testing.T) {
	store := &fakeOTPStore{records: []models.OTPRecord{{
		Phone:     testPhone,
		OTPHash:   "x",
		Attempts:  5,
		CreatedAt: t0,
		ExpiresAt: t0.Add(10 * time.Minute),
	}}}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0.Add(10*time.Minute))

	err := svc.Send(context.Background(), testPhone)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if !locked.Until.Equal(t0.Add(30 * time.Minute)) {
		t.Fatalf("expected lockout until createdAt+30m, got %v", locked.Until)
	}
	if len(store.records) != 1 {
		t.Fatalf("locked send must not create a record, have %d", len(store.records))
	}

	// Lockout lapses 30 minutes after the locked record was created.
	svc.now = func() time.Time { return t0.Add(31 * time.Minute) }
	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("send after lockout lapsed should succeed, got %v", err)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	code := sender.codes[0]

	svc.now = func() time.Time { return t0.Add(9 * time.Minute) }
	if err := svc.Verify(context.Background(), testPhone, code); err != nil {
		t.Fatalf("Verify with correct code failed: %v", err)
	}
	if !store.records[0].Verified {
		t.Fatal("record not marked verified")
	}

	// The record is consumed; the same code cannot verify twice.
	if err := svc.Verify(context.Background(), testPhone, code); !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound on re-verify, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	svc.now = func() time.Time { return t0.Add(11 * time.Minute) }
	err := svc.Verify(context.Background(), testPhone, sender.codes[0])
	if !errors.Is(err, ErrOTPNotFound) {
		t.Fatalf("expected ErrOTPNotFound past expiry, got %v", err)
	}
}

func TestVerifyWrongCodeCountsDown(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	code := sender.codes[0]

	wrong := "000000"
	if wrong == code {
		t.Fatal("generated code should never have a leading zero")
	}

	for want := 4; want >= 0; want-- {
		err := svc.Verify(context.Background(), testPhone, wrong)
		var mismatch *MismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected MismatchError, got %v", err)
		}
		if mismatch.Remaining != want {
			t.Fatalf("expected %d remaining, got %d", want, mismatch.Remaining)
		}
	}

	// Attempt budget exhausted; even the correct code is refused.
	if err := svc.Verify(context.Background(), testPhone, code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestVerifyTargetsNewestRecord(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	svc.now = func() time.Time { return t0.Add(time.Minute) }
	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	first, second := sender.codes[0], sender.codes[1]
	if first == second {
		t.Skip("improbable duplicate codes")
	}

	// The older code counts as a wrong guess against the newest record.
	err := svc.Verify(context.Background(), testPhone, first)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError for superseded code, got %v", err)
	}

	if err := svc.Verify(context.Background(), testPhone, second); err != nil {
		t.Fatalf("newest code should verify, got %v", err)
	}
}

func TestConfirmForSignup(t *testing.T) {
	store := &fakeOTPStore{}
	sender := &captureSender{}
	svc := newTestService(store, sender, t0)

	if err := svc.Send(context.Background(), testPhone); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	code := sender.codes[0]

	svc.now = func() time.Time { return t0.Add(time.Minute) }
	if err := svc.Verify(context.Background(), testPhone, code); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	svc.now = func() time.Time { return t0.Add(9 * time.Minute) }
	if err := svc.ConfirmForSignup(context.Background(), testPhone, code); err != nil {
		t.Fatalf("fresh verified record should pass the signup gate, got %v", err)
	}

	// Wrong code fails even though the record is verified and fresh.
	if err := svc.ConfirmForSignup(context.Background(), testPhone, "000000"); !errors.Is(err, ErrVerificationExpired) {
		t.Fatalf("expected ErrVerificationExpired for wrong code, got %v", err)
	}

	// The freshness window is anchored to createdAt, independent of the
	// record's own expiry.
	svc.now = func() time.Time { return t0.Add(11 * time.Minute) }
	if err := svc.ConfirmForSignup(context.Background(), testPhone, code); !errors.Is(err, ErrVerificationExpired) {
		t.Fatalf("expected ErrVerificationExpired past freshness window, got %v", err)
	}

	// A phone with no verified record at all.
	if err := svc.ConfirmForSignup(context.Background(), "9123456780", code); !errors.Is(err, ErrVerificationExpired) {
		t.Fatalf("expected ErrVerificationExpired with no record, got %v", err)
	}
}
