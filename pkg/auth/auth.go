// Package auth implements the SSH user authentication protocol (RFC 4252)
// as a pair of transport services.
//
// The server side is a transport.Service named "ssh-userauth" that
// answers USERAUTH_REQUEST messages using methods looked up by name in a
// MethodRegistry. Once every required method has completed it starts the
// requested follow-on service and stops itself.
//
// The client side queries the server with the "none" method, runs one
// ClientMethod at a time and starts the follow-on service on success.
//
// Shipped methods:
//
//	password               PasswordVerifier (bcrypt UserDB, PAM with -tags pam)
//	publickey              KeySource (authorized_keys files or a static set)
//	keyboard-interactive   password prompt over INFO_REQUEST/INFO_RESPONSE
package auth

import (
	"fmt"
	"slices"
	"sync"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// Result is the outcome of one authentication step.
type Result int

const (
	// ResultFailed means the method rejected the attempt.
	ResultFailed Result = iota
	// ResultPartial means the method succeeded but more are required.
	ResultPartial
	// ResultComplete means the method succeeded.
	ResultComplete
	// ResultReady means the method is waiting for the peer; no reply is
	// due yet.
	ResultReady
)

func (r Result) String() string {
	switch r {
	case ResultFailed:
		return "failed"
	case ResultPartial:
		return "partial"
	case ResultComplete:
		return "complete"
	case ResultReady:
		return "ready"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// MethodFactory creates a fresh server method for one request.
type MethodFactory func() ServerMethod

// MethodRegistry maps method names to factories. Names keep their
// registration order, which is the order advertised to clients.
type MethodRegistry struct {
	mu        sync.RWMutex
	names     []string
	factories map[string]MethodFactory
}

// NewMethodRegistry returns an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{factories: make(map[string]MethodFactory)}
}

// Register adds or replaces a method.
func (r *MethodRegistry) Register(name string, f MethodFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		r.names = append(r.names, name)
	}
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *MethodRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New instantiates the named method.
func (r *MethodRegistry) New(name string) (ServerMethod, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", qerrors.ErrUnknownMethod, name)
	}
	return f(), nil
}

// Names returns the registered method names in registration order.
func (r *MethodRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}
