// Package middleware defines the hook applied to client wire messages
// before they are relayed to the browser session.
package middleware

import (
	"net"

	"github.com/google/uuid"
)

// State carries the protocol context a middleware may consult.
type State struct {
	// Authenticated reports whether the client finished the startup sequence.
	Authenticated bool
	// ServerName is the TLS servername the connection was routed by.
	ServerName string
	// Parameters are the options the client sent in its startup message,
	// such as user, database and application_name.
	Parameters map[string]string
}

// Middleware transforms a client wire message before relay. It must return a
// buffer to forward, which may be the input unchanged, and must not block
// indefinitely. A middleware may keep state across calls within one
// connection; instances are never shared between connections.
type Middleware interface {
	HandleClientMessage(conn net.Conn, connectionID uuid.UUID, state State, message []byte) []byte
}

// Chain applies middlewares in order, feeding each one's output to the next.
type Chain []Middleware

func (c Chain) HandleClientMessage(conn net.Conn, connectionID uuid.UUID, state State, message []byte) []byte {
	for _, m := range c {
		message = m.HandleClientMessage(conn, connectionID, state, message)
	}
	return message
}

// Passthrough forwards every message unchanged.
type Passthrough struct{}

func (Passthrough) HandleClientMessage(_ net.Conn, _ uuid.UUID, _ State, message []byte) []byte {
	return message
}
