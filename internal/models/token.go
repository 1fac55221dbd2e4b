package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// RefreshTokenData is the server-side record backing a refresh token,
// keyed by JTI. FamilyID links every token descended from one login so
// the whole chain can be revoked on reuse.
type RefreshTokenData struct {
	JTI       string    `json:"jti"`
	Phone     string    `json:"phone"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
