// Package tokentool implements the parlortoken developer CLI: key generation,
// minting access tokens for a user id, and inspecting a token.
package tokentool

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"parlor/cmd/internal/auth"

	"aidanwoods.dev/go-paseto"
)

const usage = `usage: parlortoken <command> [flags]

commands:
  keygen           print a fresh PASETO v4 keypair as PARLOR_AUTH_* exports
  mint -user ID    issue an access token with the PARLOR_AUTH_* configuration
  verify -token T  verify a token and print its claims
`

// ErrUsage reports a malformed command line.
var ErrUsage = errors.New("usage")

// Run executes one parlortoken command. loadConfig supplies the auth
// configuration for mint and verify (auth.LoadConfigFromEnv in production).
func Run(args []string, out io.Writer, loadConfig func() (auth.Config, error), now func() time.Time) error {
	if out == nil {
		return errors.New("output is required")
	}
	if loadConfig == nil {
		loadConfig = auth.LoadConfigFromEnv
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if len(args) == 0 {
		_, _ = io.WriteString(out, usage)
		return ErrUsage
	}

	switch args[0] {
	case "keygen":
		return keygen(out)
	case "mint":
		return mint(args[1:], out, loadConfig, now)
	case "verify":
		return verify(args[1:], out, loadConfig, now)
	case "help", "-h", "--help":
		_, err := io.WriteString(out, usage)
		return err
	default:
		_, _ = io.WriteString(out, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
}

func keygen(out io.Writer) error {
	secret := paseto.NewV4AsymmetricSecretKey()
	if _, err := fmt.Fprintf(out, "export PARLOR_AUTH_PASETO_V4_SECRET_KEY_HEX=%s\n", secret.ExportHex()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "export PARLOR_AUTH_PASETO_V4_PUBLIC_KEY_HEX=%s\n", secret.Public().ExportHex())
	return err
}

func mint(args []string, out io.Writer, loadConfig func() (auth.Config, error), now func() time.Time) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(out)
	user := fs.String("user", "", "user id (token subject)")
	ttl := fs.Duration("ttl", 0, "override PARLOR_AUTH_ACCESS_TTL")
	verbose := fs.Bool("v", false, "print the expiry after the token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if strings.TrimSpace(*user) == "" {
		return fmt.Errorf("%w: -user is required", ErrUsage)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *ttl > 0 {
		cfg.AccessTokenTTL = *ttl
	}
	tokens, err := auth.NewTokenManager(cfg)
	if err != nil {
		return err
	}

	tok, exp, err := tokens.Issue(*user, now())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, tok); err != nil {
		return err
	}
	if *verbose {
		_, err = fmt.Fprintf(out, "expires_at=%s\n", exp.Format(time.RFC3339))
	}
	return err
}

func verify(args []string, out io.Writer, loadConfig func() (auth.Config, error), now func() time.Time) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(out)
	token := fs.String("token", "", "access token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("%w: -token is required", ErrUsage)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenManager(cfg)
	if err != nil {
		return err
	}
	claims, err := tokens.Verify(strings.TrimSpace(*token), now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "user_id=%s\nissuer=%s\nissued_at=%s\nexpires_at=%s\n",
		claims.UserID, claims.Issuer,
		claims.IssuedAt.Format(time.RFC3339), claims.ExpiresAt.Format(time.RFC3339))
	return err
}
