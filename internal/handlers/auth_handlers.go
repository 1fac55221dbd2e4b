package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mediquory/connect-auth/internal/models"
	"github.com/mediquory/connect-auth/internal/repository"
	"github.com/mediquory/connect-auth/internal/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// PatientStore is the slice of the patient repository the auth flow
// uses.
type PatientStore interface {
	GetByPhone(ctx context.Context, phone string) (*models.Patient, error)
	Create(ctx context.Context, patient *models.Patient) error
	Update(ctx context.Context, patient *models.Patient) error
}

// RefreshTokenStore persists refresh-token state between rotations.
type RefreshTokenStore interface {
	Store(ctx context.Context, jti, phone, familyID string, expiresAt time.Time) error
	Get(ctx context.Context, jti string) (*models.RefreshTokenData, error)
	Revoke(ctx context.Context, jti string) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string) error
}

type AuthHandlers struct {
	otpService    *service.OTPService
	jwtService    *service.JWTService
	refreshTokens RefreshTokenStore
	patients      PatientStore
	logger        *logrus.Logger
}

func NewAuthHandlers(
	otpService *service.OTPService,
	jwtService *service.JWTService,
	refreshTokens RefreshTokenStore,
	patients PatientStore,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		otpService:    otpService,
		jwtService:    jwtService,
		refreshTokens: refreshTokens,
		patients:      patients,
		logger:        logger,
	}
}

type SendOTPRequest struct {
	Phone string `json:"phone"`
}

type VerifyOTPRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

type SignupRequest struct {
	Phone    string `json:"phone"`
	OTP      string `json:"otp"`
	FullName string `json:"fullName"`
	Age      int    `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	PIN      string `json:"pin"`
}

type LoginRequest struct {
	Phone string `json:"phone"`
	PIN   string `json:"pin"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type UpdateProfileRequest struct {
	FullName string `json:"fullName"`
	Age      int    `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// StatusResponse is the uniform body for the OTP endpoints; LockedUntil
// is set only when a lockout denies the request.
type StatusResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
}

type ProfileResponse struct {
	Success bool            `json:"success"`
	Patient *models.Patient `json:"patient"`
}

type SessionResponse struct {
	Success      bool            `json:"success"`
	Patient      *models.Patient `json:"patient,omitempty"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	TokenType    string          `json:"tokenType"`
	ExpiresIn    int64           `json:"expiresIn"`
}

var (
	phonePattern = regexp.MustCompile(`^[6-9][0-9]{9}$`)
	otpPattern   = regexp.MustCompile(`^[0-9]{6}$`)
	pinPattern   = regexp.MustCompile(`^[0-9]{6}$`)
)

func (h *AuthHandlers) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	phone := strings.TrimSpace(req.Phone)
	if !phonePattern.MatchString(phone) {
		h.respondFailure(w, http.StatusBadRequest, "Invalid phone number: expected a 10-digit mobile number")
		return
	}

	if err := h.otpService.Send(r.Context(), phone); err != nil {
		h.respondOTPError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, StatusResponse{
		Success: true,
		Message: "OTP sent successfully",
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	phone := strings.TrimSpace(req.Phone)
	otp := strings.TrimSpace(req.OTP)

	if !phonePattern.MatchString(phone) {
		h.respondFailure(w, http.StatusBadRequest, "Invalid phone number: expected a 10-digit mobile number")
		return
	}

	if !otpPattern.MatchString(otp) {
		h.respondFailure(w, http.StatusBadRequest, "Invalid OTP format: expected 6 digits")
		return
	}

	if err := h.otpService.Verify(r.Context(), phone, otp); err != nil {
		h.respondOTPError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, StatusResponse{
		Success: true,
		Message: "OTP verified successfully",
	})
}

func (h *AuthHandlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	phone := strings.TrimSpace(req.Phone)
	fullName := strings.TrimSpace(req.FullName)

	if !phonePattern.MatchString(phone) {
		h.respondFailure(w, http.StatusBadRequest, "Invalid phone number: expected a 10-digit mobile number")
		return
	}
	if fullName == "" {
		h.respondFailure(w, http.StatusBadRequest, "Full name is required")
		return
	}
	if !pinPattern.MatchString(req.PIN) {
		h.respondFailure(w, http.StatusBadRequest, "PIN must be exactly 6 digits")
		return
	}
	if !otpPattern.MatchString(strings.TrimSpace(req.OTP)) {
		h.respondFailure(w, http.StatusBadRequest, "Invalid OTP format: expected 6 digits")
		return
	}

	if err := h.otpService.ConfirmForSignup(r.Context(), phone, strings.TrimSpace(req.OTP)); err != nil {
		h.respondOTPError(w, err)
		return
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		h.logger.WithError(err).Error("Failed to hash PIN")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	patient := &models.Patient{
		Phone:    phone,
		FullName: fullName,
		Age:      req.Age,
		Gender:   req.Gender,
		PINHash:  string(pinHash),
	}

	if err := h.patients.Create(r.Context(), patient); err != nil {
		if errors.Is(err, repository.ErrPatientExists) {
			h.respondFailure(w, http.StatusConflict, "An account with this phone number already exists")
			return
		}
		h.logger.WithError(err).Error("Failed to create patient")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	h.issueSession(w, r, phone, patient)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	phone := strings.TrimSpace(req.Phone)
	if !phonePattern.MatchString(phone) {
		h.respondFailure(w, http.StatusBadRequest, "Invalid phone number: expected a 10-digit mobile number")
		return
	}
	if !pinPattern.MatchString(req.PIN) {
		h.respondFailure(w, http.StatusBadRequest, "PIN must be exactly 6 digits")
		return
	}

	patient, err := h.patients.GetByPhone(r.Context(), phone)
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up patient")
		h.respondFailure(w, http.StatusInternalServerError, "Login failed")
		return
	}

	if patient == nil || bcrypt.CompareHashAndPassword([]byte(patient.PINHash), []byte(req.PIN)) != nil {
		h.respondFailure(w, http.StatusUnauthorized, "Invalid phone number or PIN")
		return
	}

	h.issueSession(w, r, phone, patient)
}

func (h *AuthHandlers) issueSession(w http.ResponseWriter, r *http.Request, phone string, patient *models.Patient) {
	tokenPair, familyID, err := h.jwtService.IssueTokens(phone, "")
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate tokens")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	claims, err := h.jwtService.VerifyToken(tokenPair.RefreshToken)
	if err != nil {
		h.logger.WithError(err).Error("Failed to verify refresh token")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	if err := h.refreshTokens.Store(
		r.Context(),
		claims.JTI,
		phone,
		familyID,
		claims.RegisteredClaims.ExpiresAt.Time,
	); err != nil {
		h.logger.WithError(err).Error("Failed to store refresh token")
		// Continue anyway, token is still valid
	}

	h.respondWithJSON(w, http.StatusOK, SessionResponse{
		Success:      true,
		Patient:      patient,
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		TokenType:    tokenPair.TokenType,
		ExpiresIn:    tokenPair.ExpiresIn,
	})
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondFailure(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	claims, err := h.jwtService.VerifyToken(req.RefreshToken)
	if err != nil {
		h.respondFailure(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	if claims.Type != "refresh" {
		h.respondFailure(w, http.StatusUnauthorized, "Token is not a refresh token")
		return
	}

	revoked, err := h.refreshTokens.IsRevoked(r.Context(), claims.JTI)
	if err == nil && revoked {
		// A rotated-out token coming back means it leaked somewhere
		// along the way. Every descendant minted from it dies with it.
		if tokenData, getErr := h.refreshTokens.Get(r.Context(), claims.JTI); getErr == nil && tokenData.FamilyID != "" {
			if revokeErr := h.refreshTokens.RevokeFamily(r.Context(), tokenData.FamilyID); revokeErr != nil {
				h.logger.WithError(revokeErr).WithField("familyId", tokenData.FamilyID).Error("Failed to revoke token family after reuse")
			} else {
				h.logger.WithFields(logrus.Fields{
					"phone":    claims.Phone,
					"familyId": tokenData.FamilyID,
				}).Warn("Refresh token reuse detected, family revoked")
			}
		}
		h.respondFailure(w, http.StatusUnauthorized, "Refresh token has been revoked")
		return
	}

	tokenData, err := h.refreshTokens.Get(r.Context(), claims.JTI)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to get refresh token data, will generate new family ID")
	}

	familyID := ""
	if tokenData != nil {
		familyID = tokenData.FamilyID
		if err := h.refreshTokens.Revoke(r.Context(), claims.JTI); err != nil {
			h.logger.WithError(err).Warn("Failed to revoke rotated refresh token")
		}
	}

	newTokenPair, newFamilyID, err := h.jwtService.RefreshTokens(req.RefreshToken, familyID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate new tokens")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	newClaims, err := h.jwtService.VerifyToken(newTokenPair.RefreshToken)
	if err != nil {
		h.logger.WithError(err).Error("Failed to verify new refresh token")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	if err := h.refreshTokens.Store(
		r.Context(),
		newClaims.JTI,
		claims.Phone,
		newFamilyID,
		newClaims.RegisteredClaims.ExpiresAt.Time,
	); err != nil {
		h.logger.WithError(err).Error("Failed to store new refresh token")
		// Continue anyway
	}

	h.respondWithJSON(w, http.StatusOK, SessionResponse{
		Success:      true,
		AccessToken:  newTokenPair.AccessToken,
		RefreshToken: newTokenPair.RefreshToken,
		TokenType:    newTokenPair.TokenType,
		ExpiresIn:    newTokenPair.ExpiresIn,
	})
}

// Me returns the authenticated patient's profile.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	phone, ok := r.Context().Value("phone").(string)
	if !ok {
		h.respondFailure(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	patient, err := h.patients.GetByPhone(r.Context(), phone)
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up patient")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}
	if patient == nil {
		h.respondFailure(w, http.StatusNotFound, "Account not found")
		return
	}

	h.respondWithJSON(w, http.StatusOK, ProfileResponse{
		Success: true,
		Patient: patient,
	})
}

// UpdateProfile rewrites the mutable profile fields. Phone and PIN are
// not editable here; phone is identity and PIN changes need their own
// verified flow.
func (h *AuthHandlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	phone, ok := r.Context().Value("phone").(string)
	if !ok {
		h.respondFailure(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	fullName := strings.TrimSpace(req.FullName)
	if fullName == "" {
		h.respondFailure(w, http.StatusBadRequest, "Full name is required")
		return
	}

	patient, err := h.patients.GetByPhone(r.Context(), phone)
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up patient")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}
	if patient == nil {
		h.respondFailure(w, http.StatusNotFound, "Account not found")
		return
	}

	patient.FullName = fullName
	patient.Age = req.Age
	patient.Gender = req.Gender

	if err := h.patients.Update(r.Context(), patient); err != nil {
		h.logger.WithError(err).Error("Failed to update patient")
		h.respondFailure(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, ProfileResponse{
		Success: true,
		Patient: patient,
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	_, ok := r.Context().Value("claims").(*service.Claims)
	if !ok {
		h.respondFailure(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		refreshClaims, err := h.jwtService.VerifyToken(req.RefreshToken)
		if err == nil && refreshClaims.Type == "refresh" {
			if err := h.refreshTokens.Revoke(r.Context(), refreshClaims.JTI); err != nil {
				h.logger.WithError(err).Warn("Failed to revoke refresh token on logout")
			}
		}
	}

	h.respondWithJSON(w, http.StatusOK, StatusResponse{
		Success: true,
		Message: "Logged out successfully",
	})
}

// respondOTPError maps the OTP failure taxonomy to HTTP statuses. All
// of these are normal outcomes, not server faults.
func (h *AuthHandlers) respondOTPError(w http.ResponseWriter, err error) {
	var locked *service.LockedError
	var mismatch *service.MismatchError

	switch {
	case errors.As(err, &locked):
		until := locked.Until
		h.respondWithJSON(w, http.StatusTooManyRequests, StatusResponse{
			Success:     false,
			Message:     "Too many failed attempts. Retry after " + until.Format(time.RFC3339),
			LockedUntil: &until,
		})
	case errors.Is(err, service.ErrRateLimited):
		h.respondFailure(w, http.StatusTooManyRequests, "Maximum 3 OTP requests per hour. Please try again later")
	case errors.Is(err, service.ErrTooManyAttempts):
		h.respondFailure(w, http.StatusTooManyRequests, "Too many incorrect attempts. Request a new OTP")
	case errors.As(err, &mismatch):
		h.respondFailure(w, http.StatusUnauthorized, mismatch.Error())
	case errors.Is(err, service.ErrOTPNotFound):
		h.respondFailure(w, http.StatusUnauthorized, "OTP expired or not found. Request a new OTP")
	case errors.Is(err, service.ErrVerificationExpired):
		h.respondFailure(w, http.StatusUnauthorized, "OTP verification expired, verify again")
	default:
		h.logger.WithError(err).Error("OTP operation failed")
		h.respondFailure(w, http.StatusInternalServerError, "Something went wrong, please try again")
	}
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondFailure(w http.ResponseWriter, status int, message string) {
	h.respondWithJSON(w, status, StatusResponse{
		Success: false,
		Message: message,
	})
}
