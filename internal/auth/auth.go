// Package auth verifies the signed bearer token a client presents when it
// opens a connection.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a credential to an identity. The identity store behind it
// is an external collaborator.
type Verifier interface {
	Verify(token string) (domain.UserID, error)
}

// JWTVerifier validates HMAC-signed tokens carrying a "user_id" claim.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (domain.UserID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	raw, ok := claims["user_id"].(string)
	if !ok {
		return "", ErrInvalidToken
	}
	uid := domain.UserID(raw)
	if err := uid.Validate(); err != nil {
		return "", ErrInvalidToken
	}
	return uid, nil
}

// ExtractToken pulls the credential from the Authorization header, falling
// back to the "token" query parameter because browser WebSocket clients
// cannot set headers.
func ExtractToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
