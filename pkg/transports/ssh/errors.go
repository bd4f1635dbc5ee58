package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNotConnected is returned by operations on a closed client.
var ErrNotConnected = errors.New("not connected")

// TransportError is a failed operation against one host.
type TransportError struct {
	// Host is the configured host address.
	Host string

	// Op is the failed operation: connect, run, stat, read-dir, read-file.
	Op string

	Err error

	// IsTemporary marks failures that may succeed on retry.
	IsTemporary bool

	// IsAuthError marks rejected credentials and host key mismatches.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Host + ": " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed on retry.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// newTransportError classifies err for op against host.
func newTransportError(host, op string, err error) *TransportError {
	e := &TransportError{Host: host, Op: op, Err: err}

	var keyErr *knownhosts.KeyError
	var netErr net.Error
	switch {
	case errors.As(err, &keyErr), strings.Contains(err.Error(), "unable to authenticate"):
		e.IsAuthError = true
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &netErr):
		e.IsTemporary = true
	}
	return e
}
