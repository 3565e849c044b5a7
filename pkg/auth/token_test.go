package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestStatic(t *testing.T) {
	tok, err := Static(" abc ").Token()
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	_, err = Static("").Token()
	require.ErrorIs(t, err, ErrAuthenticationMissing)
}

func TestEnv(t *testing.T) {
	t.Setenv("JOBWIRE_TEST_TOKEN", "from-env")
	tok, err := Env("JOBWIRE_TEST_TOKEN").Token()
	require.NoError(t, err)
	require.Equal(t, "from-env", tok)

	_, err = Env("JOBWIRE_TEST_TOKEN_UNSET").Token()
	require.ErrorIs(t, err, ErrAuthenticationMissing)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(p, []byte("from-file\n"), 0o600))

	tok, err := File(p).Token()
	require.NoError(t, err)
	require.Equal(t, "from-file", tok)

	_, err = File(filepath.Join(dir, "missing")).Token()
	require.ErrorIs(t, err, ErrAuthenticationMissing)
}

func TestExpiryChecked(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	valid := signed(t, mock.Now().Add(time.Hour))
	tok, err := ExpiryChecked{Source: Static(valid), Clock: mock}.Token()
	require.NoError(t, err)
	require.Equal(t, valid, tok)

	expired := signed(t, mock.Now().Add(-time.Hour))
	_, err = ExpiryChecked{Source: Static(expired), Clock: mock}.Token()
	require.True(t, errors.Is(err, ErrAuthenticationMissing))

	_, err = ExpiryChecked{Source: Static(expired), Clock: mock, Leeway: 2 * time.Hour}.Token()
	require.NoError(t, err)
}

func TestExpiryCheckedPassesOpaqueTokens(t *testing.T) {
	tok, err := ExpiryChecked{Source: Static("opaque")}.Token()
	require.NoError(t, err)
	require.Equal(t, "opaque", tok)
}
