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
	config := DefaultConfig("example.com", "deploy")

	if config.Port != 22 {
		t.Errorf("Expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("Expected auth method key, got %s", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("Expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.Key() != "deploy@example.com:22" {
		t.Errorf("Expected key deploy@example.com:22, got %s", config.Key())
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{Host: "10.0.0.5", User: "deploy", Password: "secret"}.WithDefaults()

	if c.Port != 22 || c.AuthMethod != AuthMethodPassword {
		t.Errorf("Expected port 22 with password auth, got %d %s", c.Port, c.AuthMethod)
	}
	if c.CommandTimeout != 5*time.Minute {
		t.Errorf("Expected command timeout 5m, got %v", c.CommandTimeout)
	}

	c = Config{Host: "10.0.0.5", User: "deploy", Port: 2222}.WithDefaults()
	if c.Port != 2222 || c.AuthMethod != AuthMethodKey {
		t.Errorf("Expected port 2222 with key auth, got %d %s", c.Port, c.AuthMethod)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{name: "missing host", modifyFunc: func(c *Config) { c.Host = "" }, errorMsg: "host is required"},
		{name: "invalid port", modifyFunc: func(c *Config) { c.Port = 0 }, errorMsg: "invalid port"},
		{name: "missing user", modifyFunc: func(c *Config) { c.User = "" }, errorMsg: "user is required"},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name:       "key auth with missing key",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			errorMsg:   "private key file not found",
		},
		{
			name:       "unsupported auth",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	if address := config.Address(); address != "example.com:2222" {
		t.Errorf("Expected example.com:2222, got %s", address)
	}

	config.Host = "::1"
	if address := config.Address(); address != "[::1]:2222" {
		t.Errorf("Expected [::1]:2222, got %s", address)
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
			t.Errorf("Expected user testuser, got %s", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("Expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("Expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")
		if err := os.WriteFile(keyPath, marshalTestKey(t), 0600); err != nil {
			t.Fatalf("failed to write test key: %v", err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("Expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("missing known hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("Expected error for missing known_hosts")
		}
	})
}

// marshalTestKey returns a fresh ED25519 private key in OpenSSH PEM format.
func marshalTestKey(t *testing.T) []byte {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(pemBlock)
}
