// Package tokens signs and verifies the HS256 JWTs the API accepts: user
// tokens identifying a caller and read-only run tokens scoped to one job.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeRunRead is the only scope a run token carries.
const ScopeRunRead = "runs:read"

const issuer = "knowhow-ingest"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongScope   = errors.New("token not valid for this run")
	ErrNoSecret     = errors.New("token secret is not configured")
)

// RunClaims grants read access to a single run.
type RunClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Issuer mints and checks tokens with a shared secret.
type Issuer struct {
	secret  []byte
	runTTL  time.Duration
	userTTL time.Duration
	now     func() time.Time
}

// NewIssuer creates an issuer. Run tokens live for runTTL; user tokens for
// seven days.
func NewIssuer(secret string, runTTL time.Duration) *Issuer {
	if runTTL <= 0 {
		runTTL = time.Hour
	}
	return &Issuer{
		secret:  []byte(secret),
		runTTL:  runTTL,
		userTTL: 7 * 24 * time.Hour,
		now:     time.Now,
	}
}

// IssueRunToken returns a token that only unlocks runID.
func (i *Issuer) IssueRunToken(runID string) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	now := i.now()
	claims := RunClaims{
		Scope: ScopeRunRead,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.runTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyRunToken checks the signature, expiry and scope and that the token
// was minted for runID.
func (i *Issuer) VerifyRunToken(token, runID string) error {
	var claims RunClaims
	if err := i.parse(token, &claims); err != nil {
		return err
	}
	if claims.Scope != ScopeRunRead || claims.Subject != runID {
		return ErrWrongScope
	}
	return nil
}

// IssueUserToken returns a bearer token for userID.
func (i *Issuer) IssueUserToken(userID string) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.userTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyUserToken returns the user id of a valid user token. Run tokens are
// rejected.
func (i *Issuer) VerifyUserToken(token string) (string, error) {
	var claims RunClaims
	if err := i.parse(token, &claims); err != nil {
		return "", err
	}
	if claims.Scope != "" || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims) error {
	if len(i.secret) == 0 {
		return ErrNoSecret
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
