package auth_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timada-org/pikav-relay/internal/auth"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := auth.Sign(secret, claims)
	require.NoError(t, err)

	return token
}

func newAuthenticator(scopes ...string) *auth.Authenticator {
	return auth.New(auth.Options{
		Verifier:       auth.NewSecretVerifier(secret),
		RequiredScopes: scopes,
	})
}

func TestAuthenticate(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("valid token", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"sub": "user-1", "exp": exp, "scope": "events:read admin"})

		identity, err := newAuthenticator("events:read").Authenticate("Bearer " + token)
		require.NoError(t, err)

		assert.Equal(t, "user-1", identity.Subject)
		assert.Equal(t, []string{"events:read", "admin"}, identity.Scopes)
		assert.Equal(t, exp, identity.ExpiresAt.Unix())
		assert.False(t, identity.Expired(time.Now()))
	})

	t.Run("scp claim", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"sub": "user-1", "scp": []string{"events:read"}})

		identity, err := newAuthenticator("events:read").Authenticate(token)
		require.NoError(t, err)
		assert.True(t, identity.HasScope("events:read"))
		assert.True(t, identity.ExpiresAt.IsZero())
	})

	t.Run("missing scope is denied", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"sub": "user-1", "exp": exp})

		_, err := newAuthenticator("events:read").Authenticate(token)
		require.ErrorIs(t, err, auth.ErrDenied)
		assert.False(t, errors.Is(err, auth.ErrInvalidCredential))
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Minute).Unix()})

		_, err := newAuthenticator().Authenticate(token)
		require.ErrorIs(t, err, auth.ErrInvalidCredential)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := auth.Sign([]byte("other"), jwt.MapClaims{"sub": "user-1"})
		require.NoError(t, err)

		_, err = newAuthenticator().Authenticate(token)
		require.ErrorIs(t, err, auth.ErrInvalidCredential)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := newAuthenticator().Authenticate("not-a-jwt")
		require.ErrorIs(t, err, auth.ErrInvalidCredential)
	})

	t.Run("empty credential", func(t *testing.T) {
		_, err := newAuthenticator().Authenticate("Bearer   ")
		require.ErrorIs(t, err, auth.ErrInvalidCredential)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := sign(t, jwt.MapClaims{"exp": exp})

		_, err := newAuthenticator().Authenticate(token)
		require.ErrorIs(t, err, auth.ErrInvalidCredential)
	})

	t.Run("unsigned token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = newAuthenticator().Authenticate(token)
		require.ErrorIs(t, err, auth.ErrInvalidCredential)
	})
}

func TestAuthenticateConcurrently(t *testing.T) {
	a := newAuthenticator()
	token := sign(t, jwt.MapClaims{"sub": "user-1"})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity, err := a.Authenticate(token)
			assert.NoError(t, err)
			assert.Equal(t, "user-1", identity.Subject)
		}()
	}
	wg.Wait()
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", auth.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", auth.BearerToken("bearer   abc "))
	assert.Equal(t, "abc", auth.BearerToken("abc"))
	assert.Equal(t, "", auth.BearerToken(""))
	assert.Equal(t, "", auth.BearerToken("Bearer"))
	assert.Equal(t, "Bearerabc", auth.BearerToken("Bearerabc"))
}
