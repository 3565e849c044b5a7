// Package auth supplies session tokens to the coordinator. Tokens are issued elsewhere; this
// package only reads them and refuses ones that are obviously unusable.
package auth

import (
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrAuthenticationMissing = errors.New("authentication missing")

type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }

type Static string

func (s Static) Token() (string, error) {
	t := strings.TrimSpace(string(s))
	if t == "" {
		return "", ErrAuthenticationMissing
	}
	return t, nil
}

// Env reads the token from an environment variable on every call.
type Env string

func (e Env) Token() (string, error) {
	return Static(os.Getenv(string(e))).Token()
}

// File reads the token from a file on every call, so a refreshed token is picked up.
type File string

func (f File) Token() (string, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrAuthenticationMissing
		}
		return "", errors.Wrap(err, "read token file")
	}
	return Static(b).Token()
}

// ExpiryChecked wraps a source and reports tokens whose JWT exp claim lies in the past as
// missing. Tokens that are not JWTs are passed through. Signatures are not verified.
type ExpiryChecked struct {
	Source TokenSource
	Clock  clock.Clock
	// Leeway tolerates small clock differences with the issuer.
	Leeway time.Duration
}

func (e ExpiryChecked) Token() (string, error) {
	if e.Source == nil {
		return "", ErrAuthenticationMissing
	}
	tok, err := e.Source.Token()
	if err != nil {
		return "", err
	}
	exp, ok := ExpiresAt(tok)
	if !ok {
		return tok, nil
	}
	now := time.Now()
	if e.Clock != nil {
		now = e.Clock.Now()
	}
	if now.After(exp.Add(e.Leeway)) {
		return "", errors.Wrapf(ErrAuthenticationMissing, "token expired at %s", exp.Format(time.RFC3339))
	}
	return tok, nil
}

// ExpiresAt returns the exp claim of a JWT without verifying it.
func ExpiresAt(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
