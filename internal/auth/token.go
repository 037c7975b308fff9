// Package auth carries participant identity on coordination service
// calls. Account management lives elsewhere; this package only issues
// and validates the bearer tokens devices attach to every request.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long an issued device token stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

type Claims struct {
	ParticipantID string `json:"participant_id"`
	jwt.RegisteredClaims
}

// Issue signs a bearer token identifying participantID. A ttl of zero
// uses DefaultTokenTTL.
func Issue(secret, participantID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := Claims{
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
