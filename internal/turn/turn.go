// Package turn runs the TURN relay advertised to the device calling SDK.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

const defaultUsername = "goodlistener"

type Options struct {
	Port  int
	Realm string
	// PublicIP is the relay address. Detected when empty.
	PublicIP string
	KeysDir  string
	Logger   *slog.Logger
}

type TURNServer struct {
	server   *turn.Server
	username string
	password string

	logger *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

func Initialize(opts Options) (*TURNServer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	creds, err := loadOrGenerateCredentials(opts.KeysDir)
	if err != nil {
		udpListener.Close()
		return nil, err
	}

	relayIP := resolveRelayIP(opts.PublicIP, logger)
	logger.Info("TURN relay address", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       opts.Realm,
		AuthHandler: staticAuthHandler(creds),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("TURN server initialized", "port", opts.Port, "realm", opts.Realm, "username", creds.Username)

	return &TURNServer{
		server:   s,
		username: creds.Username,
		password: creds.Password,
		logger:   logger,
	}, nil
}

func (ts *TURNServer) GetCredentials() Credentials {
	return Credentials{
		Username: ts.username,
		Password: ts.password,
	}
}

func (ts *TURNServer) Close() error {
	if ts.server != nil {
		return ts.server.Close()
	}
	return nil
}

// loadOrGenerateCredentials keeps the relay credentials stable across restarts.
func loadOrGenerateCredentials(keysDir string) (Credentials, error) {
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			creds := Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}
			if creds.Username != "" && creds.Password != "" {
				return creds, nil
			}
		}
	}

	password, err := generatePassword()
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{Username: defaultUsername, Password: password}

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return Credentials{}, fmt.Errorf("create keys directory: %w", err)
	}
	if err := os.WriteFile(usernameFile, []byte(creds.Username), 0600); err != nil {
		return Credentials{}, fmt.Errorf("save TURN username: %w", err)
	}
	if err := os.WriteFile(passwordFile, []byte(creds.Password), 0600); err != nil {
		return Credentials{}, fmt.Errorf("save TURN password: %w", err)
	}
	return creds, nil
}

func staticAuthHandler(creds Credentials) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == creds.Username {
			return turn.GenerateAuthKey(username, realm, creds.Password), true
		}
		return nil, false
	}
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate TURN password: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

func resolveRelayIP(configured string, logger *slog.Logger) net.IP {
	if configured != "" {
		if ip := net.ParseIP(strings.TrimSpace(configured)); ip != nil {
			return ip
		}
		logger.Warn("invalid TURN_PUBLIC_IP, detecting instead", "value", configured)
	}
	if ip := getPublicIP(logger); ip != nil {
		return ip
	}
	logger.Warn("could not determine public IP, using local IP")
	return getLocalIP(logger)
}

// getPublicIP asks ipify.org for the public address.
func getPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Error("failed to get public IP from ipify.org", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("ipify.org returned unexpected status", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		logger.Error("failed to read response from ipify.org", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("invalid IP address from ipify.org", "body", string(body))
		return nil
	}
	return ip
}

func getLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("failed to determine local IP", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}
