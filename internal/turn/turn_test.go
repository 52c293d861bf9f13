package turn

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialsPersistAcrossLoads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := loadOrGenerateCredentials(dir)
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}
	if first.Username != defaultUsername || len(first.Password) != 32 {
		t.Fatalf("unexpected credentials %+v", first)
	}

	second, err := loadOrGenerateCredentials(dir)
	if err != nil {
		t.Fatalf("reload credentials: %v", err)
	}
	if second != first {
		t.Fatalf("credentials changed between loads: %+v vs %+v", first, second)
	}

	info, err := os.Stat(filepath.Join(dir, "turn-password.key"))
	if err != nil {
		t.Fatalf("stat password file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("password file mode = %v", info.Mode().Perm())
	}
}

func TestCredentialsRegenerateWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "turn-username.key"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "turn-password.key"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	creds, err := loadOrGenerateCredentials(dir)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if creds.Username == "" || creds.Password == "" {
		t.Fatalf("expected regenerated credentials, got %+v", creds)
	}
}

func TestResolveRelayIPPrefersConfigured(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ip := resolveRelayIP(" 203.0.113.7 ", logger)
	if ip.String() != "203.0.113.7" {
		t.Fatalf("relay ip = %v", ip)
	}
}

func TestStaticAuthHandler(t *testing.T) {
	handler := staticAuthHandler(Credentials{Username: "user", Password: "secret"})

	key, ok := handler("user", "realm", nil)
	if !ok || len(key) == 0 {
		t.Fatalf("expected known user to authenticate")
	}
	if _, ok := handler("someone", "realm", nil); ok {
		t.Fatalf("unknown user must be rejected")
	}
}
