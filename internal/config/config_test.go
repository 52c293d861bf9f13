package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GOODLISTENER_HOME", dir)
	for _, key := range []string{
		"HTTP_PORT", "HTTPS_PORT", "DOMAIN", "DATABASE_PATH", "LOG_LEVEL", "TURN_PORT", "TURN_REALM",
		"RETRY_LIMIT", "RETRY_WINDOW", "SESSION_TTL", "CALL_LIMIT", "HTTP_ONLY", "JWT_SECRET",
		"VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY", "VAPID_SUBJECT", "TURN_PUBLIC_IP",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setHome(t)

	cfg := Load(Flags{})

	if cfg.HTTPPort != "8080" || cfg.HTTPSPort != "8443" {
		t.Fatalf("unexpected ports %s/%s", cfg.HTTPPort, cfg.HTTPSPort)
	}
	if cfg.RetryLimit != 3 || cfg.RetryWindow != 3*time.Minute {
		t.Fatalf("unexpected retry budget %d/%s", cfg.RetryLimit, cfg.RetryWindow)
	}
	if cfg.DatabasePath != filepath.Join(dir, "goodlistener.db") {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath)
	}
	if cfg.Domain != "localhost" {
		t.Fatalf("unexpected domain %s", cfg.Domain)
	}
	if cfg.JWTSecret == "" {
		t.Fatalf("expected generated JWT secret")
	}
	if _, err := os.Stat(filepath.Join(dir, "keys", "jwt-secret.key")); err != nil {
		t.Fatalf("JWT secret was not persisted: %v", err)
	}

	priv, err := base64.RawURLEncoding.DecodeString(cfg.VAPIDKeys.PrivateKey)
	if err != nil || len(priv) != 32 {
		t.Fatalf("expected raw 32-byte VAPID private key, got %d bytes (%v)", len(priv), err)
	}
	pub, err := base64.RawURLEncoding.DecodeString(cfg.VAPIDKeys.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		t.Fatalf("expected uncompressed VAPID public key")
	}

	// Second load reuses persisted secrets.
	again := Load(Flags{})
	if again.JWTSecret != cfg.JWTSecret || again.VAPIDKeys.PrivateKey != cfg.VAPIDKeys.PrivateKey {
		t.Fatalf("secrets were regenerated on reload")
	}
}

func TestLoadEnvAndFlags(t *testing.T) {
	setHome(t)
	t.Setenv("RETRY_LIMIT", "5")
	t.Setenv("RETRY_WINDOW", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("JWT_SECRET", "from-env")

	cfg := Load(Flags{HTTPOnly: true, FrontendURI: "https://app.example.com"})

	if cfg.RetryLimit != 5 || cfg.RetryWindow != 90*time.Second {
		t.Fatalf("env overrides not applied: %d/%s", cfg.RetryLimit, cfg.RetryWindow)
	}
	if !cfg.HTTPOnly || cfg.FrontendURI != "https://app.example.com" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.JWTSecret != "from-env" {
		t.Fatalf("expected JWT secret from env")
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Fatalf("unexpected slog level %s", cfg.SlogLevel())
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	setHome(t)

	want := &Config{
		HTTPPort:    "9000",
		Domain:      "calls.example.com",
		RetryLimit:  2,
		RetryWindow: time.Minute,
		SessionTTL:  10 * time.Minute,
	}
	if err := SaveConfigToJSON(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := Load(Flags{})
	if cfg.HTTPPort != "9000" || cfg.Domain != "calls.example.com" {
		t.Fatalf("file values not loaded: %+v", cfg)
	}
	if cfg.RetryLimit != 2 || cfg.RetryWindow != time.Minute || cfg.SessionTTL != 10*time.Minute {
		t.Fatalf("call flow values not loaded: %+v", cfg)
	}
	if cfg.HTTPSPort != "8443" {
		t.Fatalf("missing values should use defaults, got %s", cfg.HTTPSPort)
	}
}

func TestLoadConfigFromJSONRejectsBadDuration(t *testing.T) {
	dir := setHome(t)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"retry_window":"soon"}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFromJSON(); err == nil {
		t.Fatalf("expected parse error")
	}
}
