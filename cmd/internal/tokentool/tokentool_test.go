package tokentool

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"parlor/cmd/internal/auth"

	"aidanwoods.dev/go-paseto"
)

var fixedNow = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

func pasetoConfig() func() (auth.Config, error) {
	cfg := auth.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	return func() (auth.Config, error) { return cfg, nil }
}

func TestRun_RequiresOutput(t *testing.T) {
	t.Parallel()
	if err := Run([]string{"keygen"}, nil, nil, nil); err == nil {
		t.Fatal("expected error when output is nil")
	}
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Run(nil, &buf, nil, nil); !errors.Is(err, ErrUsage) {
		t.Fatalf("err=%v want ErrUsage", err)
	}
	if !strings.Contains(buf.String(), "usage: parlortoken") {
		t.Fatalf("usage not printed: %q", buf.String())
	}
	if err := Run([]string{"bogus"}, &buf, nil, nil); !errors.Is(err, ErrUsage) {
		t.Fatalf("unknown command err=%v", err)
	}
}

func TestKeygen(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Run([]string{"keygen"}, &buf, nil, nil); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	secret := strings.TrimPrefix(lines[0], "export PARLOR_AUTH_PASETO_V4_SECRET_KEY_HEX=")
	public := strings.TrimPrefix(lines[1], "export PARLOR_AUTH_PASETO_V4_PUBLIC_KEY_HEX=")
	if secret == lines[0] || public == lines[1] {
		t.Fatalf("unexpected output format: %q", buf.String())
	}

	sk, err := paseto.NewV4AsymmetricSecretKeyFromHex(secret)
	if err != nil {
		t.Fatalf("secret key does not parse: %v", err)
	}
	if sk.Public().ExportHex() != public {
		t.Fatal("public key does not match secret key")
	}
}

func TestMintThenVerify(t *testing.T) {
	t.Parallel()

	load := pasetoConfig()

	var minted bytes.Buffer
	if err := Run([]string{"mint", "-user", "alice", "-ttl", "2h", "-v"}, &minted, load, fixedNow); err != nil {
		t.Fatalf("mint: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(minted.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "v4.public.") {
		t.Fatalf("unexpected mint output: %q", minted.String())
	}
	if lines[1] != "expires_at=2026-05-01T11:00:00Z" {
		t.Fatalf("expiry line=%q", lines[1])
	}

	var verified bytes.Buffer
	if err := Run([]string{"verify", "-token", lines[0]}, &verified, load, fixedNow); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(verified.String(), "user_id=alice\n") || !strings.Contains(verified.String(), "issuer=parlor\n") {
		t.Fatalf("unexpected verify output: %q", verified.String())
	}
}

func TestMint_JWT(t *testing.T) {
	t.Parallel()

	load := func() (auth.Config, error) {
		cfg := auth.DefaultConfig()
		cfg.Format = auth.FormatJWT
		cfg.JWTSecret = strings.Repeat("s", 32)
		return cfg, nil
	}

	var buf bytes.Buffer
	if err := Run([]string{"mint", "-user", "bob"}, &buf, load, fixedNow); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if strings.Count(strings.TrimSpace(buf.String()), ".") != 2 {
		t.Fatalf("not a JWT: %q", buf.String())
	}
}

func TestMint_RequiresUser(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Run([]string{"mint"}, &buf, pasetoConfig(), fixedNow); !errors.Is(err, ErrUsage) {
		t.Fatalf("err=%v want ErrUsage", err)
	}
}

func TestVerify_RejectsForeignToken(t *testing.T) {
	t.Parallel()

	var minted bytes.Buffer
	if err := Run([]string{"mint", "-user", "alice"}, &minted, pasetoConfig(), fixedNow); err != nil {
		t.Fatalf("mint: %v", err)
	}

	var buf bytes.Buffer
	err := Run([]string{"verify", "-token", strings.TrimSpace(minted.String())}, &buf, pasetoConfig(), fixedNow)
	if err == nil {
		t.Fatal("token signed by another key must not verify")
	}
}
