// Package tenant maps TLS server names onto database identifiers.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidServername is returned when a TLS server name does not match the
// expected <database-id>.<base-domain> shape.
var ErrInvalidServername = errors.New("invalid servername")

// idPattern is the accepted shape of a database identifier label.
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Resolver extracts database identifiers from TLS server names. Resolution is
// pure: identical input always yields identical output or identical failure.
type Resolver struct {
	baseDomain string
}

// NewResolver creates a resolver for servernames under baseDomain
// (e.g. "proxy.example.com" accepts "abcd1234.proxy.example.com").
func NewResolver(baseDomain string) *Resolver {
	return &Resolver{baseDomain: strings.ToLower(strings.TrimPrefix(baseDomain, "."))}
}

// Valid reports whether serverName has the expected tenant host shape.
func (r *Resolver) Valid(serverName string) bool {
	_, err := r.ExtractDatabaseID(serverName)
	return err == nil
}

// ExtractDatabaseID validates serverName and returns the database identifier
// label. The identifier is the leftmost label; exactly one label may precede
// the base domain.
func (r *Resolver) ExtractDatabaseID(serverName string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	suffix := "." + r.baseDomain
	if r.baseDomain == "" || !strings.HasSuffix(name, suffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidServername, serverName)
	}
	id := strings.TrimSuffix(name, suffix)
	if id == "" || strings.Contains(id, ".") || !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidServername, serverName)
	}
	return id, nil
}
