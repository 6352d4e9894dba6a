package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

type KeyfuncVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
	close   func()
}

func NewKeyfuncVerifier(keyfunc jwt.Keyfunc, methods ...string) *KeyfuncVerifier {
	var options []jwt.ParserOption
	if len(methods) > 0 {
		options = append(options, jwt.WithValidMethods(methods))
	}

	return &KeyfuncVerifier{
		keyfunc: keyfunc,
		parser:  jwt.NewParser(options...),
		close:   func() {},
	}
}

// NewJWKSVerifier verifies tokens against the key set published at url. Keys
// are refreshed in the background until Close is called.
func NewJWKSVerifier(url string, logger logrus.FieldLogger) (*KeyfuncVerifier, error) {
	options := keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("failed to refresh the jwks")
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}

	jwks, err := keyfunc.Get(url, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS from %s: %w", url, err)
	}

	v := NewKeyfuncVerifier(jwks.Keyfunc, "RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "EdDSA")
	v.close = jwks.EndBackground

	return v, nil
}

// NewSecretVerifier verifies HMAC signed tokens.
func NewSecretVerifier(secret []byte) *KeyfuncVerifier {
	return NewKeyfuncVerifier(func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}, "HS256", "HS384", "HS512")
}

func (v *KeyfuncVerifier) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyfunc)
	if err != nil {
		return nil, err
	}

	if !parsed.Valid {
		return nil, errors.New("the token is not valid")
	}

	return claims, nil
}

func (v *KeyfuncVerifier) Close() {
	v.close()
}

// Sign issues an HS256 token. The relay never signs tokens itself; this backs
// the token command used for local development.
func Sign(secret []byte, claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
