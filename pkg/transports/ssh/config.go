package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// DefaultPort is used when a host does not set one.
const DefaultPort = 22

// defaultKeyNames are tried in order when key auth has no explicit key.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach one host.
type Config struct {
	Host string `validate:"required,hostname_rfc1123|ip"`
	Port int    `validate:"min=1,max=65535"`
	User string `validate:"required"`

	AuthMethod AuthMethod `validate:"oneof=password key"`

	// Password is used for password and keyboard-interactive auth.
	Password string `validate:"required_if=AuthMethod password"`

	// PrivateKeyPath defaults to the first of ~/.ssh/id_ed25519,
	// id_ecdsa and id_rsa that exists.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted when StrictHostKeyChecking is set;
	// otherwise any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration `validate:"gt=0"`

	// CommandTimeout bounds every Run call that has no earlier deadline.
	CommandTimeout time.Duration `validate:"gt=0"`

	// KeepAliveInterval of zero disables keep-alives.
	KeepAliveInterval   time.Duration `validate:"gte=0"`
	MaxKeepAliveRetries int           `validate:"gte=0"`
}

// DefaultConfig returns key-authenticated settings for user@host.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  DefaultPort,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(sshDir(), "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        2 * time.Minute,
		MaxKeepAliveRetries:   3,
	}
}

func sshDir() string {
	return filepath.Join(os.Getenv("HOME"), ".ssh")
}

var validate = validator.New()

// Validate checks the fields and resolves the default private key.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldError(verrs[0])
		}
		return err
	}

	if c.AuthMethod != AuthMethodKey {
		return nil
	}

	if c.PrivateKeyPath == "" {
		c.PrivateKeyPath = findDefaultKey(sshDir())
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("no private key given and none of %s found in %s",
				strings.Join(defaultKeyNames, ", "), sshDir())
		}
	}
	if _, err := os.Stat(c.PrivateKeyPath); err != nil {
		return fmt.Errorf("private key %s: %w", c.PrivateKeyPath, err)
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s is required", strings.ToLower(fe.Field()))
	case "min", "max":
		return fmt.Errorf("invalid %s: %v", strings.ToLower(fe.Field()), fe.Value())
	default:
		return fmt.Errorf("invalid %s %q: failed %s", strings.ToLower(fe.Field()), fmt.Sprint(fe.Value()), fe.Tag())
	}
}

func findDefaultKey(dir string) string {
	for _, name := range defaultKeyNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig creates the x/crypto client configuration.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Controllers often offer keyboard-interactive only.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pemBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
