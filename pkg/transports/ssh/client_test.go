package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	return payload
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

			switch command {
			case "echo test":
				_, _ = channel.Write([]byte("test\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case "echo error >&2":
				_, _ = channel.Stderr().Write([]byte("error\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case "pgrep -f dnsmasq":
				_, _ = channel.SendRequest("exit-status", false, exitStatus(1))
			case "sleep":
				s.waitForKill(requests)
			case "partial":
				_, _ = channel.Write([]byte("started\n"))
				s.waitForKill(requests)
			default:
				_, _ = channel.SendRequest("exit-status", false, exitStatus(127))
			}
			return

		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
				return
			}
			if req.WantReply {
				_ = req.Reply(false, nil)
			}

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// waitForKill blocks until the client signals or closes the session.
func (s *testSSHServer) waitForKill(requests <-chan *ssh.Request) {
	for {
		select {
		case <-s.done:
			return
		case req, ok := <-requests:
			if !ok || req.Type == "signal" {
				return
			}
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// connectTestClient returns a password-authenticated client connected to server.
func connectTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.CommandTimeout = 5 * time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if client.ConnectedAt().IsZero() {
		t.Error("expected connection time to be recorded")
	}

	// Connecting again is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestClientConnectBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Op != "connect" {
		t.Errorf("expected op connect, got %s", terr.Op)
	}
	if !terr.IsAuthError || terr.Temporary() {
		t.Errorf("expected a permanent auth error, got %+v", terr)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name       string
		command    string
		wantStdout string
		wantStderr string
		wantCode   int
	}{
		{"stdout", "echo test", "test\n", "", 0},
		{"stderr", "echo error >&2", "", "error\n", 0},
		{"non-zero exit", "pgrep -f dnsmasq", "", "", 1},
		{"unknown command", "does-not-exist", "", "", 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, code, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
			if stderr != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestClientRunTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	tests := []struct {
		name       string
		command    string
		wantStdout string
	}{
		{"silent command", "sleep", ""},
		{"output before kill", "partial", "started\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			stdout, _, code, err := client.Run(ctx, tt.command)
			var terr *TransportError
			if !errors.As(err, &terr) || !terr.Temporary() {
				t.Fatalf("expected temporary TransportError, got %v", err)
			}
			if code != -1 {
				t.Errorf("expected exit code -1, got %d", code)
			}
			if stdout != tt.wantStdout {
				t.Errorf("expected stdout %q, got %q", tt.wantStdout, stdout)
			}
		})
	}
}

func TestClientNotConnected(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if _, _, _, err := client.Run(ctx, "true"); err == nil {
		t.Error("expected Run to fail when not connected")
	}
	if _, err := client.Exists(ctx, "/"); err == nil {
		t.Error("expected Exists to fail when not connected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close on unconnected client: %v", err)
	}
}

func TestClientFiles(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	dir := t.TempDir()
	osdDir := filepath.Join(dir, "osd")
	for _, name := range []string{"ceph-1", "ceph-0", "lost+found"} {
		if err := os.MkdirAll(filepath.Join(osdDir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	clockConf := filepath.Join(dir, "clock.conf")
	if err := os.WriteFile(clockConf, []byte("ifname [eth0]\nbase_port [eth0]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	exists, err := client.Exists(ctx, clockConf)
	if err != nil || !exists {
		t.Errorf("Exists() = %v, %v; want true, nil", exists, err)
	}

	exists, err = client.Exists(ctx, filepath.Join(dir, ".bootstrap_completed"))
	if err != nil || exists {
		t.Errorf("Exists() = %v, %v; want false, nil", exists, err)
	}

	names, err := client.ReadDir(ctx, osdDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if want := []string{"ceph-0", "ceph-1", "lost+found"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ReadDir() = %v, want %v", names, want)
	}

	data, err := client.ReadFile(ctx, clockConf)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "ifname [eth0]\nbase_port [eth0]\n" {
		t.Errorf("ReadFile() = %q", data)
	}

	_, err = client.ReadFile(ctx, filepath.Join(dir, "missing.conf"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	keyPath := filepath.Join(t.TempDir(), "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}
