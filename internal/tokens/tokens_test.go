package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunToken(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	tok, err := iss.IssueRunToken("run-1")
	require.NoError(t, err)

	assert.NoError(t, iss.VerifyRunToken(tok, "run-1"))
	assert.ErrorIs(t, iss.VerifyRunToken(tok, "run-2"), ErrWrongScope)

	_, err = iss.VerifyUserToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "run tokens are not user tokens")
}

func TestRunTokenExpiry(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	start := time.Now()
	iss.now = func() time.Time { return start }

	tok, err := iss.IssueRunToken("run-1")
	require.NoError(t, err)

	iss.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.ErrorIs(t, iss.VerifyRunToken(tok, "run-1"), ErrInvalidToken)
}

func TestUserToken(t *testing.T) {
	iss := NewIssuer("secret", 0)

	tok, err := iss.IssueUserToken("user-42")
	require.NoError(t, err)

	uid, err := iss.VerifyUserToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-42", uid)

	assert.ErrorIs(t, iss.VerifyRunToken(tok, "user-42"), ErrWrongScope)
}

func TestRejectsForeignTokens(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	other, err := NewIssuer("other-secret", time.Hour).IssueUserToken("user-1")
	require.NoError(t, err)
	_, err = iss.VerifyUserToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:  issuer,
		Subject: "user-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = iss.VerifyUserToken(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.VerifyUserToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMissingSecret(t *testing.T) {
	iss := NewIssuer("", time.Hour)
	_, err := iss.IssueRunToken("run-1")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = iss.VerifyUserToken("x")
	assert.ErrorIs(t, err, ErrNoSecret)
}
