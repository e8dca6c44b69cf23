package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user behind a websocket connection.
type Identity struct {
	UserID   string
	Username string
}

// TokenVerifier resolves an access token into a chat identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

type accessClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	secret []byte
}

// NewJWTVerifier verifies HS256 access tokens signed with the shared secret.
//
// Tokens carry user_id and username claims alongside the registered expiry
// claims, matching what the accounts surface mints.
func NewJWTVerifier(secret string) TokenVerifier {
	return jwtVerifier{secret: []byte(secret)}
}

func (v jwtVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errors.New("access token is required")
	}

	claims := &accessClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return Identity{}, errors.New("access token has no user id")
	}
	username := strings.TrimSpace(claims.Username)
	if username == "" {
		username = userID
	}
	return Identity{UserID: userID, Username: username}, nil
}
