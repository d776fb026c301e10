// Package auth issues and verifies session tokens and hashes user secrets.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/dmengine/internal/normalize"
	"github.com/golang-jwt/jwt/v5"
)

// JWTManager signs and validates JWT tokens used by the API.
// Keys are indexed by key id so secrets can be rotated: new tokens are signed
// with the active key while tokens signed by older keys still verify.
type JWTManager struct {
	keys      map[string][]byte // kid -> HMAC secret
	activeKid string
	duration  time.Duration // how long tokens are valid
}

// Claims is the custom JWT payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager with a single signing secret.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{"default": secretKey}, "default", duration)
}

// NewJWTManagerFromKeys returns a manager that knows several kid:secret pairs and
// signs with activeKid. An unknown activeKid falls back to any known key.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	m := &JWTManager{keys: make(map[string][]byte, len(keys)), duration: duration}
	for kid, secret := range keys {
		m.keys[kid] = []byte(secret)
	}
	if _, ok := m.keys[activeKid]; !ok {
		for kid := range m.keys {
			activeKid = kid
			break
		}
	}
	m.activeKid = activeKid
	return m
}

// GenerateToken issues a signed token for username.
func (m *JWTManager) GenerateToken(username string) (string, time.Time, error) {
	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, errors.New("no signing key configured")
	}

	now := time.Now()
	expiresAt := now.Add(m.duration)
	claims := &Claims{
		Username: normalize.Username(username),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   normalize.Username(username),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKid

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// only HMAC, never accept an asymmetric or "none" algorithm
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = m.activeKid
		}
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Username == "" {
		return nil, errors.New("token carries no username")
	}
	return claims, nil
}
