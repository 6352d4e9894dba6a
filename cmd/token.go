package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"

	"github.com/timada-org/pikav-relay/internal/auth"
)

var (
	tokenSecret  string
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Sign a development token for the shared secret verifier",

		RunE: func(cmd *cobra.Command, args []string) error {
			secret := tokenSecret
			if secret == "" {
				secret = os.Getenv("PIKAV_AUTH_SECRET")
			}
			if secret == "" {
				return errors.New("a secret is required (--secret or PIKAV_AUTH_SECRET)")
			}

			claims := jwt.MapClaims{
				"sub": tokenSubject,
				"iat": time.Now().Unix(),
			}
			if tokenTTL > 0 {
				claims["exp"] = time.Now().Add(tokenTTL).Unix()
			}
			if len(tokenScopes) > 0 {
				claims["scope"] = strings.Join(tokenScopes, " ")
			}

			token, err := auth.Sign([]byte(secret), claims)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC secret, defaults to $PIKAV_AUTH_SECRET")
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "granted scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime, 0 for no expiry")

	_ = tokenCmd.MarkFlagRequired("sub")
}
