package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// writeTestKey writes an unencrypted ed25519 private key to dir/name.
func writeTestKey(t *testing.T, dir, name string) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("controller-1", "sysadmin")

	if config.Port != DefaultPort {
		t.Errorf("expected port %d, got %d", DefaultPort, config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected key auth, got %s", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.Address() != "controller-1:22" {
		t.Errorf("expected address controller-1:22, got %s", config.Address())
	}
}

func TestConfigAddressIPv6(t *testing.T) {
	config := DefaultConfig("fd00::3", "sysadmin")
	config.Port = 2222

	if got := config.Address(); got != "[fd00::3]:2222" {
		t.Errorf("expected [fd00::3]:2222, got %s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t, t.TempDir(), "id_ed25519")

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "password auth",
			modify: func(c *Config) {},
		},
		{
			name: "key auth with explicit key",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = keyPath
			},
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "malformed host",
			modify:  func(c *Config) { c.Host = "controller 1" },
			wantErr: "invalid host",
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "missing user",
			modify:  func(c *Config) { c.User = "" },
			wantErr: "user is required",
		},
		{
			name:    "password auth without password",
			modify:  func(c *Config) { c.Password = "" },
			wantErr: "password is required",
		},
		{
			name:    "unknown auth method",
			modify:  func(c *Config) { c.AuthMethod = "agent" },
			wantErr: "invalid authmethod",
		},
		{
			name: "missing key file",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/id_rsa"
			},
			wantErr: "/nonexistent/id_rsa",
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.CommandTimeout = 0 },
			wantErr: "invalid commandtimeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("10.0.0.3", "sysadmin")
			config.AuthMethod = AuthMethodPassword
			config.Password = "secret"
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidateDefaultKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	config := DefaultConfig("10.0.0.3", "sysadmin")
	if err := config.Validate(); err == nil || !strings.Contains(err.Error(), "no private key") {
		t.Fatalf("expected missing default key error, got %v", err)
	}

	sshHome := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshHome, 0o700); err != nil {
		t.Fatal(err)
	}
	rsa := writeTestKey(t, sshHome, "id_rsa")
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if config.PrivateKeyPath != rsa {
		t.Errorf("expected %s, got %s", rsa, config.PrivateKeyPath)
	}

	// id_ed25519 is preferred over id_rsa.
	ed := writeTestKey(t, sshHome, "id_ed25519")
	config.PrivateKeyPath = ""
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if config.PrivateKeyPath != ed {
		t.Errorf("expected %s, got %s", ed, config.PrivateKeyPath)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	keyPath := writeTestKey(t, t.TempDir(), "id_ed25519")

	tests := []struct {
		name      string
		modify    func(*Config)
		wantAuth  int
		wantError bool
	}{
		{
			name: "password with keyboard-interactive",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
			wantAuth: 2,
		},
		{
			name: "key",
			modify: func(c *Config) {
				c.PrivateKeyPath = keyPath
			},
			wantAuth: 1,
		},
		{
			name: "unreadable key",
			modify: func(c *Config) {
				c.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
			},
			wantError: true,
		},
		{
			name: "strict checking with missing known_hosts",
			modify: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.StrictHostKeyChecking = true
				c.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("10.0.0.3", "sysadmin")
			config.StrictHostKeyChecking = false
			tt.modify(config)

			cc, err := config.BuildSSHClientConfig()
			if tt.wantError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cc.User != "sysadmin" {
				t.Errorf("expected user sysadmin, got %s", cc.User)
			}
			if len(cc.Auth) != tt.wantAuth {
				t.Errorf("expected %d auth methods, got %d", tt.wantAuth, len(cc.Auth))
			}
			if cc.Timeout != 30*time.Second {
				t.Errorf("expected timeout 30s, got %v", cc.Timeout)
			}
		})
	}
}

func TestNewTransportError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTemporary bool
		wantAuth      bool
	}{
		{"deadline", context.DeadlineExceeded, true, false},
		{"wrapped eof", fmt.Errorf("failed to create session: %w", errors.New("EOF")), false, false},
		{"eof", fmt.Errorf("read: %w", io.EOF), true, false},
		{"rejected password", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), false, true},
		{"not connected", ErrNotConnected, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTransportError("controller-1", "run", tt.err)
			if e.IsTemporary != tt.wantTemporary {
				t.Errorf("expected temporary=%v, got %v", tt.wantTemporary, e.IsTemporary)
			}
			if e.IsAuthError != tt.wantAuth {
				t.Errorf("expected auth=%v, got %v", tt.wantAuth, e.IsAuthError)
			}
			if !errors.Is(e, tt.err) {
				t.Error("expected error to unwrap to the cause")
			}
			if !strings.HasPrefix(e.Error(), "ssh controller-1: run: ") {
				t.Errorf("unexpected message %q", e.Error())
			}
		})
	}
}
