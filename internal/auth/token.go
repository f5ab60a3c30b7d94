// Package auth issues and validates the bearer tokens the relay accepts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "call-relay"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// Issue signs an HS256 access token for user.
func (t *Tokens) Issue(user domain.User, ttl time.Duration) (string, error) {
	if err := user.ID.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		UserID:   string(user.ID),
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// Validate parses raw and returns the user it names.
func (t *Tokens) Validate(raw string) (*domain.User, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	uid := domain.UserID(claims.UserID)
	if err := uid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	name := claims.Username
	if name == "" {
		name = claims.UserID
	}
	return &domain.User{ID: uid, Username: name}, nil
}
