package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/platformconf/platformconf/pkg/telemetry"
	"github.com/platformconf/platformconf/pkg/transports/ssh"
)

// LocalTarget is the target id used for facts collected on this machine.
const LocalTarget = "localhost"

// Host is a remote target reachable over SSH.
type Host struct {
	Name           string            `json:"name" yaml:"name" validate:"required"`
	Address        string            `json:"address" yaml:"address" validate:"required"`
	Port           int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string            `json:"user" yaml:"user" validate:"required"`
	KeyPath        string            `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Password       string            `json:"-" yaml:"password,omitempty"`
	KnownHostsPath string            `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	Labels         map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// SSHConfig builds the transport configuration for the host. Hosts with a
// password use password authentication, all others use their key.
func (h *Host) SSHConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(h.Address, h.User)
	if h.Port != 0 {
		cfg.Port = h.Port
	}

	if h.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = h.Password
	} else {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = h.KeyPath
	}

	if h.KnownHostsPath != "" {
		cfg.KnownHostsPath = h.KnownHostsPath
		cfg.StrictHostKeyChecking = true
	} else {
		cfg.StrictHostKeyChecking = false
	}

	return cfg
}

// HostRegistry holds the configured hosts by name.
type HostRegistry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
}

// NewHostRegistry creates a registry from hosts. Names must be unique.
func NewHostRegistry(hosts []Host) (*HostRegistry, error) {
	r := &HostRegistry{hosts: make(map[string]*Host, len(hosts))}
	for i := range hosts {
		if err := r.AddHost(hosts[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddHost adds a host to the registry.
func (r *HostRegistry) AddHost(host Host) error {
	if host.Name == "" {
		return NewValidationError("host name is required", nil)
	}
	if host.Name == LocalTarget {
		return NewValidationError(fmt.Sprintf("host name %q is reserved", LocalTarget), nil).
			WithResource(host.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hosts[host.Name]; exists {
		return NewConflictError("host already registered", nil).
			WithResource(host.Name).
			WithCode(ErrCodeAlreadyExists)
	}

	h := host
	r.hosts[host.Name] = &h
	return nil
}

// GetHost retrieves a host by name.
func (r *HostRegistry) GetHost(name string) (*Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host, ok := r.hosts[name]
	if !ok {
		return nil, NewNotFoundError("host not found", name)
	}
	return host, nil
}

// Dial connects to the named host over SSH. The caller closes the client.
func (r *HostRegistry) Dial(ctx context.Context, name string) (*ssh.Client, error) {
	host, err := r.GetHost(name)
	if err != nil {
		return nil, err
	}

	cfg := host.SSHConfig()
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, NewValidationError("invalid host configuration", err).WithResource(name)
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartHostSpan(ctx, name, cfg.Address())
		timer := telemetry.NewTimer()
		defer func() {
			status := "success"
			if err != nil {
				status = "error"
				telemetry.RecordError(span, err)
				tel.Metrics.RecordError(ClassAndCode(err))
			} else {
				telemetry.RecordSuccess(span)
			}
			tel.Metrics.RecordHostDial(name, status, timer.Duration())
			span.End()
		}()
	}

	if err = client.Connect(ctx); err != nil {
		err = FromTransportError(name, err)
		return nil, err
	}
	return client, nil
}

// FromTransportError classifies an SSH failure against host. Rejected
// credentials are permanent PERMISSION_DENIED errors and network failures
// transient TIMEOUT errors. Other errors are returned unchanged.
func FromTransportError(host string, err error) error {
	var terr *ssh.TransportError
	if !errors.As(err, &terr) {
		return err
	}

	var e *EngineError
	switch {
	case terr.IsAuthError:
		e = NewPermanentError("authentication failed", err).WithCode(ErrCodePermissionDenied)
	case terr.Temporary():
		e = NewTransientError("host unreachable", err).WithCode(ErrCodeTimeout)
	default:
		e = NewPermanentError("transport failed", err)
	}
	return e.WithResource(host).WithOperation(terr.Op)
}

// ListHosts returns every host sorted by name.
func (r *HostRegistry) ListHosts() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]*Host, 0, len(r.hosts))
	for _, host := range r.hosts {
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Name < hosts[j].Name
	})
	return hosts
}

// SelectHosts selects hosts based on a selector.
// Selector format: "key1=value1,key2=value2" or "all" for all hosts.
func (r *HostRegistry) SelectHosts(selector string) []*Host {
	labels := parseSelector(selector)

	selected := make([]*Host, 0)
	for _, host := range r.ListHosts() {
		if matchesLabels(host.Labels, labels) {
			selected = append(selected, host)
		}
	}
	return selected
}

// parseSelector parses a label selector string into a map.
// Format: "key1=value1,key2=value2"
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	pairs := strings.Split(selector, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			labels[key] = value
		}
	}

	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	for key, value := range selectorLabels {
		hostValue, ok := hostLabels[key]
		if !ok || hostValue != value {
			return false
		}
	}
	return true
}
