package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validConfig() Config {
	return Config{
		Secret:    "tok",
		Host:      "wss://cloud.example.com",
		Port:      3000,
		Keepalive: Keepalive{Threshold: 3 * time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.Secret = "" }, true},
		{"zero port", func(c *Config) { c.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"http host", func(c *Config) { c.Host = "http://cloud.example.com" }, true},
		{"ws host", func(c *Config) { c.Host = "ws://localhost:9000" }, false},
		{"custom CA without file", func(c *Config) { c.TLSMode = TLSCustomCA }, true},
		{"click x only", func(c *Config) { x := 5; c.Keepalive.ClickX = &x }, true},
		{"click pair", func(c *Config) {
			x, y := 5, 6
			c.Keepalive.ClickX, c.Keepalive.ClickY = &x, &y
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClampsThreshold(t *testing.T) {
	c := validConfig()
	c.Keepalive.Threshold = time.Second
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Keepalive.Threshold != 10*time.Second {
		t.Errorf("threshold = %v, want 10s floor", c.Keepalive.Threshold)
	}
}

func TestValidateDefaultsFrameBody(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.MaxFrameBody != DefaultMaxFrameBody {
		t.Errorf("MaxFrameBody = %d, want %d", c.MaxFrameBody, DefaultMaxFrameBody)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CYBERDRIVER_USE_SYSTEM_CERTS", "")
	t.Setenv("CYBERDRIVER_CA_FILE", "")
	t.Setenv("CYBERDRIVER_SSL_VERIFY", "")

	c := validConfig()
	c.ApplyEnv()
	if c.TLSMode != TLSDefault {
		t.Fatalf("TLSMode = %v, want default", c.TLSMode)
	}

	t.Setenv("CYBERDRIVER_USE_SYSTEM_CERTS", "1")
	c.ApplyEnv()
	if c.TLSMode != TLSSystemStore {
		t.Errorf("TLSMode = %v, want system store", c.TLSMode)
	}

	t.Setenv("CYBERDRIVER_CA_FILE", "/tmp/ca.pem")
	c.ApplyEnv()
	if c.TLSMode != TLSCustomCA || c.CAFile != "/tmp/ca.pem" {
		t.Errorf("TLSMode = %v CAFile = %q, want custom CA", c.TLSMode, c.CAFile)
	}

	t.Setenv("CYBERDRIVER_CA_FILE", "")
	t.Setenv("CYBERDRIVER_SSL_VERIFY", "false")
	c.TLSMode = TLSDefault
	c.ApplyEnv()
	if c.TLSMode != TLSNoVerify {
		t.Errorf("TLSMode = %v, want no-verify", c.TLSMode)
	}
}

func TestTLSClientConfig(t *testing.T) {
	c := validConfig()
	cfg, err := c.TLSClientConfig()
	if err != nil || cfg != nil {
		t.Errorf("default mode: cfg = %v err = %v, want nil/nil", cfg, err)
	}

	c.TLSMode = TLSNoVerify
	cfg, err = c.TLSClientConfig()
	if err != nil || cfg == nil || !cfg.InsecureSkipVerify {
		t.Errorf("no-verify mode: cfg = %+v err = %v", cfg, err)
	}

	c.TLSMode = TLSCustomCA
	c.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := c.TLSClientConfig(); err == nil {
		t.Error("missing CA file: want error")
	}
}

func TestFingerprintPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	fp1, err := loadFingerprintAt(path, "0.1.0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(fp1); err != nil {
		t.Fatalf("fingerprint %q is not a UUID: %v", fp1, err)
	}

	fp2, err := loadFingerprintAt(path, "0.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if fp2 != fp1 {
		t.Errorf("fingerprint changed across runs: %q != %q", fp2, fp1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{fp1, "0.2.0"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("config file missing %q: %s", want, data)
		}
	}
}

func TestFingerprintReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"version":"x","fingerprint":"not-a-uuid"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	fp, err := loadFingerprintAt(path, "0.1.0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(fp); err != nil {
		t.Errorf("fingerprint %q is not a UUID: %v", fp, err)
	}
}
