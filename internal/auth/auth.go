package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/mitchellh/mapstructure"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrDenied            = errors.New("access denied")
)

// Verifier checks a token signature and its registered claims. It is the
// only part of token handling the relay delegates.
type Verifier interface {
	Verify(token string) (jwt.MapClaims, error)
}

type Identity struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
	Claims    map[string]any
}

func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}

	return false
}

// Expired reports whether the token carried an expiry that is not after now.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

type tokenClaims struct {
	Subject   string   `mapstructure:"sub"`
	Scope     string   `mapstructure:"scope"`
	Scp       []string `mapstructure:"scp"`
	ExpiresAt float64  `mapstructure:"exp"`
}

type Options struct {
	Verifier       Verifier
	RequiredScopes []string
}

// Authenticator turns bearer credentials into identities. It holds no mutable
// state and can be shared by every session.
type Authenticator struct {
	verifier       Verifier
	requiredScopes []string
}

func New(options Options) *Authenticator {
	return &Authenticator{
		verifier:       options.Verifier,
		requiredScopes: options.RequiredScopes,
	}
}

func (a *Authenticator) Authenticate(credential string) (*Identity, error) {
	token := BearerToken(credential)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	var data tokenClaims
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &data,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(map[string]any(claims)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if data.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}

	identity := &Identity{
		Subject: data.Subject,
		Scopes:  append(strings.Fields(data.Scope), data.Scp...),
		Claims:  claims,
	}

	if data.ExpiresAt > 0 {
		identity.ExpiresAt = time.Unix(int64(data.ExpiresAt), 0)
	}

	for _, scope := range a.requiredScopes {
		if !identity.HasScope(scope) {
			return nil, fmt.Errorf("%w: missing scope %q", ErrDenied, scope)
		}
	}

	return identity, nil
}

// BearerToken strips an optional "Bearer " prefix.
func BearerToken(value string) string {
	value = strings.TrimSpace(value)

	if len(value) >= 6 && strings.EqualFold(value[:6], "bearer") && (len(value) == 6 || value[6] == ' ') {
		value = strings.TrimSpace(value[6:])
	}

	return value
}
