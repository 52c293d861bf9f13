package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort     string
	HTTPSPort    string
	Domain       string
	HTTPOnly     bool
	FrontendURI  string
	DatabasePath string
	LogLevel     string

	TURNPort     int
	TURNRealm    string
	TURNPublicIP string

	JWTSecret string
	VAPIDKeys *VAPIDKeys

	// Call flow
	RetryLimit  int
	RetryWindow time.Duration
	SessionTTL  time.Duration
	CallLimit   time.Duration
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Flags carries command-line overrides.
type Flags struct {
	HTTPOnly    bool
	FrontendURI string
}

// fileConfig is the on-disk shape of config.json. Secrets never go there.
type fileConfig struct {
	HTTPPort     string `json:"http_port,omitempty"`
	HTTPSPort    string `json:"https_port,omitempty"`
	Domain       string `json:"domain,omitempty"`
	HTTPOnly     bool   `json:"http_only,omitempty"`
	FrontendURI  string `json:"frontend_uri,omitempty"`
	DatabasePath string `json:"database_path,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`
	TURNPort     int    `json:"turn_port,omitempty"`
	TURNRealm    string `json:"turn_realm,omitempty"`
	TURNPublicIP string `json:"turn_public_ip,omitempty"`
	RetryLimit   int    `json:"retry_limit,omitempty"`
	RetryWindow  string `json:"retry_window,omitempty"`
	SessionTTL   string `json:"session_ttl,omitempty"`
	CallLimit    string `json:"call_limit,omitempty"`
}

// LoadConfigFromJSON loads configuration from config.json file
func LoadConfigFromJSON() (*Config, error) {
	data, err := os.ReadFile(getConfigFilePath())
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}

	cfg := &Config{
		HTTPPort:     fc.HTTPPort,
		HTTPSPort:    fc.HTTPSPort,
		Domain:       fc.Domain,
		HTTPOnly:     fc.HTTPOnly,
		FrontendURI:  fc.FrontendURI,
		DatabasePath: fc.DatabasePath,
		LogLevel:     fc.LogLevel,
		TURNPort:     fc.TURNPort,
		TURNRealm:    fc.TURNRealm,
		TURNPublicIP: fc.TURNPublicIP,
		RetryLimit:   fc.RetryLimit,
	}
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.RetryWindow, "retry_window", &cfg.RetryWindow},
		{fc.SessionTTL, "session_ttl", &cfg.SessionTTL},
		{fc.CallLimit, "call_limit", &cfg.CallLimit},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s in config.json: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// SaveConfigToJSON saves configuration to config.json file
func SaveConfigToJSON(cfg *Config) error {
	fc := fileConfig{
		HTTPPort:     cfg.HTTPPort,
		HTTPSPort:    cfg.HTTPSPort,
		Domain:       cfg.Domain,
		HTTPOnly:     cfg.HTTPOnly,
		FrontendURI:  cfg.FrontendURI,
		DatabasePath: cfg.DatabasePath,
		LogLevel:     cfg.LogLevel,
		TURNPort:     cfg.TURNPort,
		TURNRealm:    cfg.TURNRealm,
		TURNPublicIP: cfg.TURNPublicIP,
		RetryLimit:   cfg.RetryLimit,
	}
	if cfg.RetryWindow > 0 {
		fc.RetryWindow = cfg.RetryWindow.String()
	}
	if cfg.SessionTTL > 0 {
		fc.SessionTTL = cfg.SessionTTL.String()
	}
	if cfg.CallLimit > 0 {
		fc.CallLimit = cfg.CallLimit.String()
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(getConfigFilePath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config.json: %w", err)
	}

	return nil
}

// Load loads configuration from config.json (if exists), fills the gaps from the
// environment and finally applies command-line flags.
func Load(flags Flags) *Config {
	cfg, err := LoadConfigFromJSON()
	if err == nil {
		slog.Info("custom configuration loaded from config.json")
	} else {
		if !os.IsNotExist(err) {
			slog.Warn("ignoring config.json", "error", err)
		}
		cfg = &Config{}
	}

	applyDefaults(cfg)

	if flags.HTTPOnly {
		cfg.HTTPOnly = true
	}
	if flags.FrontendURI != "" {
		cfg.FrontendURI = flags.FrontendURI
	}

	// Secrets always come from env or the keys directory, never from config.json.
	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadVAPIDKeys()

	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = loadDomain()
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = getEnv("DATABASE_PATH", filepath.Join(baseDir(), "goodlistener.db"))
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "goodlistener")
	}
	if cfg.TURNPublicIP == "" {
		cfg.TURNPublicIP = os.Getenv("TURN_PUBLIC_IP")
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = getEnvInt("RETRY_LIMIT", 3)
	}
	if cfg.RetryWindow == 0 {
		cfg.RetryWindow = getEnvDuration("RETRY_WINDOW", 3*time.Minute)
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = getEnvDuration("SESSION_TTL", 30*time.Minute)
	}
	if cfg.CallLimit == 0 {
		cfg.CallLimit = getEnvDuration("CALL_LIMIT", 3*time.Minute)
	}
	if !cfg.HTTPOnly {
		cfg.HTTPOnly = getEnvBool("HTTP_ONLY", false)
	}
}

// SlogLevel converts LogLevel into a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
	}
	return defaultValue
}

// baseDir is where config.json, keys/ and certs/ live: GOODLISTENER_HOME if set,
// otherwise the directory of the executable.
func baseDir() string {
	if home := os.Getenv("GOODLISTENER_HOME"); home != "" {
		return home
	}
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func getConfigFilePath() string {
	return filepath.Join(baseDir(), "config.json")
}

// KeysDirectory holds generated secrets.
func KeysDirectory() string {
	return filepath.Join(baseDir(), "keys")
}

// CertsDirectory holds autocert state and domain.txt.
func CertsDirectory() string {
	return filepath.Join(baseDir(), "certs")
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := KeysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(secretData)); secret != "" {
			slog.Info("JWT secret loaded", "path", secretFile)
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			slog.Warn("failed to save JWT secret; it will be regenerated on restart unless JWT_SECRET is set", "error", err)
		} else {
			slog.Info("JWT secret saved", "path", secretFile)
		}
	}

	return secret
}

func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@goodlistener.app")

	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	keysDir := KeysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			// The webpush library wants the raw 32-byte scalar, anything else is regenerated.
			decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(privateKeyData)))
			if err == nil && len(decoded) == 32 {
				if subjectData, err := os.ReadFile(subjectFile); err == nil {
					subject = strings.TrimSpace(string(subjectData))
				}
				return &VAPIDKeys{
					PublicKey:  strings.TrimSpace(string(publicKeyData)),
					PrivateKey: strings.TrimSpace(string(privateKeyData)),
					Subject:    subject,
				}
			}
			slog.Warn("stored VAPID private key is not a raw P-256 key, regenerating", "bytes", len(decoded))
		}
	}

	keys, err := generateVAPIDKeys(subject)
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}
	if err := saveVAPIDKeys(keysDir, keys); err != nil {
		slog.Warn("failed to save VAPID keys; they will be regenerated on restart", "error", err)
	}
	return keys
}

func generateVAPIDKeys(subject string) (*VAPIDKeys, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	// Uncompressed point: 0x04 || X || Y
	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	privateKey.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	privateKey.PublicKey.Y.FillBytes(publicKeyBytes[33:65])

	privateKeyBytes := make([]byte, 32)
	privateKey.D.FillBytes(privateKeyBytes)

	return &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKeyBytes),
		Subject:    subject,
	}, nil
}

func saveVAPIDKeys(keysDir string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	files := map[string]string{
		"vapid-public.key":  keys.PublicKey,
		"vapid-private.key": keys.PrivateKey,
		"vapid-subject.key": keys.Subject,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(keysDir, name), []byte(content), 0600); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}

	slog.Info("VAPID keys saved", "path", keysDir)
	return nil
}

func loadDomain() string {
	if domain := os.Getenv("DOMAIN"); domain != "" {
		return domain
	}

	domainFile := filepath.Join(CertsDirectory(), "domain.txt")
	if domainData, err := os.ReadFile(domainFile); err == nil {
		if domain := strings.TrimSpace(string(domainData)); domain != "" {
			return domain
		}
	}

	return "localhost"
}
