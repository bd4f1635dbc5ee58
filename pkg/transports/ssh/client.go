// Package ssh runs fact primitives and file reads on remote hosts over
// SSH. Commands execute in a fresh session each; file access goes through
// a single SFTP subsystem opened lazily per connection.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// sessionCloseGrace bounds the wait for a killed session to finish.
const sessionCloseGrace = 2 * time.Second

// Client is a connected SSH session factory for one host.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	done        chan struct{}
}

// NewClient validates config and creates an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{config: config}, nil
}

// Connect establishes the SSH connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return c.fail("connect", err)
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Close a connection that completes after we gave up.
			if client := <-connChan; client != nil {
				_ = client.Close()
			}
		}()
		return c.fail("connect", ctx.Err())
	case err := <-errChan:
		return c.fail("connect", err)
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		c.done = make(chan struct{})

		if c.config.KeepAliveInterval > 0 {
			go c.keepAlive(client, c.done)
		}

		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close closes the SFTP subsystem and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	close(c.done)
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}

	err := c.client.Close()
	c.client = nil

	if err != nil {
		return c.fail("disconnect", err)
	}
	return nil
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Host returns the configured host.
func (c *Client) Host() string {
	return c.config.Host
}

func (c *Client) sshClient(op string) (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, c.fail(op, ErrNotConnected)
	}
	return c.client, nil
}

func (c *Client) sftpClient(op string) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, c.fail(op, ErrNotConnected)
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, c.fail(op, fmt.Errorf("failed to start sftp subsystem: %w", err))
	}
	c.sftp = client
	return client, nil
}

// Run executes command in a new session. A non-zero exit status is
// returned as exitCode with a nil error.
func (c *Client) Run(ctx context.Context, command string) (string, string, int, error) {
	client, err := c.sshClient("run")
	if err != nil {
		return "", "", -1, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, c.fail("run", fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// The session copies output until Run returns; the buffers are only
		// read once it has.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		select {
		case <-doneChan:
			return stdoutBuf.String(), stderrBuf.String(), -1, c.fail("run", ctx.Err())
		case <-time.After(sessionCloseGrace):
			return "", "", -1, c.fail("run", ctx.Err())
		}
	case runErr = <-doneChan:
	}

	stdout, stderr := stdoutBuf.String(), stderrBuf.String()
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, exitErr.ExitStatus(), nil
		}
		return stdout, stderr, -1, c.fail("run", runErr)
	}

	return stdout, stderr, 0, nil
}

// Exists reports whether path exists on the remote host.
func (c *Client) Exists(_ context.Context, path string) (bool, error) {
	client, err := c.sftpClient("stat")
	if err != nil {
		return false, err
	}

	if _, err := client.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, c.fail("stat", fmt.Errorf("%s: %w", path, err))
	}
	return true, nil
}

// ReadDir returns the sorted entry names of a remote directory.
func (c *Client) ReadDir(_ context.Context, path string) ([]string, error) {
	client, err := c.sftpClient("read-dir")
	if err != nil {
		return nil, err
	}

	infos, err := client.ReadDir(path)
	if err != nil {
		return nil, c.fail("read-dir", fmt.Errorf("%s: %w", path, err))
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the contents of a remote file.
func (c *Client) ReadFile(_ context.Context, path string) ([]byte, error) {
	client, err := c.sftpClient("read-file")
	if err != nil {
		return nil, err
	}

	f, err := client.Open(path)
	if err != nil {
		return nil, c.fail("read-file", fmt.Errorf("%s: %w", path, err))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, c.fail("read-file", fmt.Errorf("%s: %w", path, err))
	}
	return data, nil
}

func (c *Client) fail(op string, err error) *TransportError {
	return newTransportError(c.config.Host, op, err)
}

// keepAlive sends periodic keep-alive requests until done is closed.
func (c *Client) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				retries++
				log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
				if retries >= c.config.MaxKeepAliveRetries {
					log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
					return
				}
				continue
			}
			retries = 0
		}
	}
}
