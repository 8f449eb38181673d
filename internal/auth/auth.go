// Package auth verifies bearer credentials issued by the storefront's
// identity service. Token issuance and refresh live elsewhere; this package
// only checks signatures and extracts the embedded identity.
package auth

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that fails verification:
// bad signature, expired, malformed, or carrying a non-numeric subject.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified identity embedded in a credential. The role comes
// from the token's claims, never from client-supplied data.
type Identity struct {
	UserID  int64
	Name    string
	IsAdmin bool
}

// Claims represents the JWT claims the identity service issues.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// Verifier validates HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string and returns the identity it
// carries.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	return &Identity{
		UserID:  userID,
		Name:    claims.Name,
		IsAdmin: claims.Admin,
	}, nil
}
