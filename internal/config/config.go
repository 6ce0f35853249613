// Package config holds the process-wide configuration and the persisted
// agent identity. Config is assembled once at startup and immutable after.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// DefaultHost is the cloud controller the agent joins unless overridden.
const DefaultHost = "wss://api.cyberdesk.io"

// DefaultMaxFrameBody caps tunnel frame bodies. Screenshots are the largest
// payloads in practice; the cap is configurable because virtual displays can
// be configured far larger than any physical monitor.
const DefaultMaxFrameBody = 64 << 20

// TLSMode selects how the WebSocket dialer validates the cloud certificate.
type TLSMode int

const (
	TLSDefault TLSMode = iota
	TLSSystemStore
	TLSCustomCA
	TLSNoVerify
)

// Keepalive holds the synthetic-activity settings for one agent.
type Keepalive struct {
	Enabled   bool
	Threshold time.Duration
	// ClickX/ClickY override the default click target. Virtual displays may
	// misbehave on edge clicks; these are passed through unclamped.
	ClickX *int
	ClickY *int
	// For is another machine's id this agent keeps alive on behalf of.
	For string
}

// Config is everything the agent needs to run. Immutable once Validate has
// filled in its defaults.
type Config struct {
	Secret      string
	Host        string
	Port        int
	Fingerprint string
	Version     string

	TLSMode TLSMode
	CAFile  string

	Keepalive    Keepalive
	MaxFrameBody int64

	Interactive bool
}

// Validate reports the first fatal misconfiguration, if any.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: secret is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.Host, "ws://") && !strings.HasPrefix(c.Host, "wss://") {
		return fmt.Errorf("config: host must be a ws:// or wss:// URL, got %q", c.Host)
	}
	if c.TLSMode == TLSCustomCA && c.CAFile == "" {
		return fmt.Errorf("config: custom CA mode requires a CA file")
	}
	if (c.Keepalive.ClickX == nil) != (c.Keepalive.ClickY == nil) {
		return fmt.Errorf("config: keepalive click coordinates must be set together")
	}
	if c.Keepalive.Threshold < 10*time.Second {
		c.Keepalive.Threshold = 10 * time.Second
	}
	if c.MaxFrameBody <= 0 {
		c.MaxFrameBody = DefaultMaxFrameBody
	}
	return nil
}

// ApplyEnv folds CYBERDRIVER_* environment variables over the TLS settings.
// A .env in the working directory is loaded first without overwriting
// variables already present in the environment.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("CYBERDRIVER_USE_SYSTEM_CERTS"); isTruthy(v) {
		c.TLSMode = TLSSystemStore
	}
	if v := os.Getenv("CYBERDRIVER_CA_FILE"); v != "" {
		c.TLSMode = TLSCustomCA
		c.CAFile = v
	}
	if v := os.Getenv("CYBERDRIVER_SSL_VERIFY"); v != "" && !isTruthy(v) {
		c.TLSMode = TLSNoVerify
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// TLSClientConfig materializes the trust policy for the WebSocket dialer.
// TLSDefault returns nil so the dialer uses its built-in defaults.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	switch c.TLSMode {
	case TLSDefault:
		return nil, nil
	case TLSSystemStore:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("config: load system cert pool: %w", err)
		}
		return &tls.Config{RootCAs: pool}, nil
	case TLSCustomCA:
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("config: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates found in %s", c.CAFile)
		}
		return &tls.Config{RootCAs: pool}, nil
	case TLSNoVerify:
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	return nil, fmt.Errorf("config: unknown TLS mode %d", c.TLSMode)
}

// persisted is the on-disk shape of <config-dir>/.cyberdriver/config.json.
type persisted struct {
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

// Dir returns the directory holding persisted agent state.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".cyberdriver"), nil
}

// LoadFingerprint returns the stable machine fingerprint, minting and
// persisting a fresh UUID v4 on first run. The stored version field is
// rewritten to the running version so the file always reflects the binary
// that last touched it.
func LoadFingerprint(version string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return loadFingerprintAt(filepath.Join(dir, "config.json"), version)
}

func loadFingerprintAt(path, version string) (string, error) {
	var st persisted
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &st); err != nil {
			return "", fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if _, err := uuid.Parse(st.Fingerprint); err != nil {
		st.Fingerprint = uuid.NewString()
	}
	st.Version = version

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("config: create state dir: %w", err)
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("config: write %s: %w", path, err)
	}
	return st.Fingerprint, nil
}
