package auth

import (
	"errors"
	"fmt"
	"time"

	"go-dm/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	issuer = "go-dm"
)

// Claims is the payload of both credential kinds. Typ keeps a refresh
// credential from being accepted where an access credential is expected,
// on top of the two kinds being signed with different secrets.
type Claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies the short-lived access credential and the
// long-lived refresh credential.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewTokens(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *Tokens {
	return &Tokens{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

func (t *Tokens) AccessTTL() time.Duration  { return t.accessTTL }
func (t *Tokens) RefreshTTL() time.Duration { return t.refreshTTL }

func (t *Tokens) IssueAccess(userID string) (string, error) {
	return t.issue(userID, TypeAccess, t.accessSecret, t.accessTTL)
}

func (t *Tokens) IssueRefresh(userID string) (string, error) {
	return t.issue(userID, TypeRefresh, t.refreshSecret, t.refreshTTL)
}

// VerifyAccess returns the subject user id of a valid access credential.
// Any failure (missing, malformed, expired, bad signature, wrong kind) is
// reported as apperr.ErrUnauthenticated.
func (t *Tokens) VerifyAccess(raw string) (string, error) {
	return t.verify(raw, TypeAccess, t.accessSecret)
}

func (t *Tokens) VerifyRefresh(raw string) (string, error) {
	return t.verify(raw, TypeRefresh, t.refreshSecret)
}

func (t *Tokens) issue(userID, typ string, secret []byte, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: empty subject")
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	ss, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign %s token: %w", typ, err)
	}
	return ss, nil
}

func (t *Tokens) verify(raw, typ string, secret []byte) (string, error) {
	if raw == "" {
		return "", apperr.Unauthenticated("missing credential")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return "", apperr.Unauthenticated("invalid credential")
	}
	if claims.Type != typ || claims.Subject == "" {
		return "", apperr.Unauthenticated("invalid credential")
	}
	return claims.Subject, nil
}
