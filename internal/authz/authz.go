// Package authz guards the Control role. UI and Plugin registrations are
// unauthenticated (reaching the socket at all already proves the caller
// has access to the user's runtime directory), but a Control registration
// must additionally present the bootstrap bearer token the daemon writes
// to disk on first start. Successful authentication mints a short-lived
// HMAC-signed session ticket, so a future multi-token scenario is
// additive rather than a rewrite.
package authz

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/launchkitd/launchkitd/internal/apperr"
)

const (
	bootstrapTokenBytes = 32
	sessionTicketTTL    = 12 * time.Hour
	issuer              = "launchkitd"
)

// Claims is the payload of a Control session ticket.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authority issues and validates the Control bearer token for one daemon
// process lifetime.
type Authority struct {
	secret     string
	secretHash string
}

// LoadOrIssue reads the bootstrap token at path, generating and persisting
// a new one (0600) if it doesn't exist yet.
func LoadOrIssue(path string) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return newAuthority(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read control token: %w", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create control token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return nil, fmt.Errorf("write control token: %w", err)
	}
	return newAuthority(secret)
}

func generateSecret() (string, error) {
	buf := make([]byte, bootstrapTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate control token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newAuthority(secret string) (*Authority, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash control token: %w", err)
	}
	return &Authority{secret: secret, secretHash: string(hash)}, nil
}

// VerifyBootstrap checks presented against the bootstrap secret via
// bcrypt comparison.
func (a *Authority) VerifyBootstrap(presented string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.secretHash), []byte(presented)) == nil
}

// IssueSessionTicket mints a short-lived Control session JWT, HMAC-signed
// with the bootstrap secret as key, for a connection
// that has already presented a valid bootstrap token.
func (a *Authority) IssueSessionTicket() (string, error) {
	now := time.Now()
	claims := Claims{
		Role: "control",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTicketTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(a.secret))
}

// ValidateSessionTicket verifies a previously-issued session ticket.
func (a *Authority) ValidateSessionTicket(raw string) (*Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.secret), nil
	})
	if err != nil || !tok.Valid {
		return nil, apperr.New(apperr.Unauthorized, "invalid control session ticket")
	}
	return &claims, nil
}

// Authenticate is the single entry point register() calls for a Control
// registration: presented may be either the raw bootstrap token (first
// use) or a previously-issued session ticket. On success it returns a
// fresh session ticket the caller should use for subsequent reconnects.
func (a *Authority) Authenticate(presented string) (ticket string, err error) {
	if presented == "" {
		return "", apperr.New(apperr.Unauthorized, "control registration requires a bearer token")
	}
	if a.VerifyBootstrap(presented) {
		return a.IssueSessionTicket()
	}
	if _, err := a.ValidateSessionTicket(presented); err == nil {
		return a.IssueSessionTicket()
	}
	return "", apperr.New(apperr.Unauthorized, "invalid control bearer token")
}
