// Package pgwire implements the server side of the Postgres wire protocol
// handshake: SSLRequest negotiation, TLS upgrade with a servername hook,
// startup processing and message framing for relay.
package pgwire

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"
)

// SQLSTATE codes surfaced by the gateway. Every protocol failure is a fatal
// backend error: sent to the client when a writer is available, then the
// socket is closed. Retry is a client responsibility.
const (
	CodeConnectionFailure  = "08006" // invalid SNI
	CodeProtocolViolation  = "08P01"
	CodeTooManyConnections = "53300" // database already has a bound client
	CodeIdleTimeout        = "57P05"
	CodeInternalError      = "XX000" // browser is not sharing the database
)

// BackendError is a terminal, client-visible protocol error. It always
// results in socket closure.
type BackendError struct {
	Code     string
	Message  string
	Severity string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Severity, e.Code, e.Message)
}

// Response converts the error to its wire protocol form.
func (e *BackendError) Response() *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity:            e.Severity,
		SeverityUnlocalized: e.Severity,
		Code:                e.Code,
		Message:             e.Message,
	}
}

// FatalError creates a fatal backend error with the given SQLSTATE code.
func FatalError(code, message string) *BackendError {
	return &BackendError{Code: code, Message: message, Severity: "FATAL"}
}
