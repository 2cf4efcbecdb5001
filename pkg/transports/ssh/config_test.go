package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name:       "password auth without password",
			modifyFunc: func(c *Config) { c.AuthMethod = AuthMethodPassword },
			errorMsg:   "password is required",
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name:       "unsupported method",
			modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "zero timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestForURL(t *testing.T) {
	base := DefaultConfig("", "")

	cfg, path, err := base.ForURL("sftp://deploy@files.example:2222/srv/motd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "files.example" || cfg.Port != 2222 || cfg.User != "deploy" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if path != "/srv/motd" {
		t.Errorf("path = %q", path)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("auth method = %s, want key", cfg.AuthMethod)
	}

	cfg, _, err = base.ForURL("sftp://deploy:pw@files.example/srv/motd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthMethod != AuthMethodPassword || cfg.Password != "pw" || cfg.Port != 22 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if base.Password != "" {
		t.Error("ForURL mutated the base config")
	}

	for _, bad := range []string{"http://files.example/x", "sftp:///x", "sftp://files.example"} {
		if _, _, err := base.ForURL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("missing known_hosts with strict checking", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "absent")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts")
		}
	})
}

// writeTestKey writes a fresh ED25519 private key in OpenSSH PEM format.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
