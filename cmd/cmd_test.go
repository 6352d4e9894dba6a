package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timada-org/pikav-relay/internal/auth"
	"github.com/timada-org/pikav-relay/internal/core"
)

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--secret", "s3cret", "--sub", "user-1", "--scope", "events:read,admin"})

	require.NoError(t, Execute())

	identity, err := auth.New(auth.Options{
		Verifier:       auth.NewSecretVerifier([]byte("s3cret")),
		RequiredScopes: []string{"events:read"},
	}).Authenticate(strings.TrimSpace(out.String()))
	require.NoError(t, err)

	assert.Equal(t, "user-1", identity.Subject)
	assert.True(t, identity.HasScope("admin"))
	assert.False(t, identity.ExpiresAt.IsZero())
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(core.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = newLogger(core.LogConfig{Level: "loud", Format: "text"})
	require.Error(t, err)

	_, err = newLogger(core.LogConfig{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestNewVerifierWithSecret(t *testing.T) {
	logger, _ := newLogger(core.LogConfig{Level: "info"})

	v, err := newVerifier(core.AuthConfig{Secret: "s3cret"}, logger)
	require.NoError(t, err)
	defer v.Close()

	token, err := auth.Sign([]byte("s3cret"), map[string]any{"sub": "user-1"})
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.NoError(t, err)
}
