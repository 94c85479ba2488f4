// Package proto defines the envelope format multiplexing relayed Postgres
// wire messages and control messages over a browser session channel.
package proto

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgproto3/v2"
)

// Every payload travels over the session channel wrapped in exactly one
// envelope: a fixed 16 byte connection identifier followed by the payload.
// Envelopes are never split or merged across channel sends.

const connectionIDLen = 16

// ErrMalformedEnvelope is returned when a frame is too short to carry the
// connection identifier header.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// NewConnectionID generates a fresh identifier for an admitted connection.
// Identifiers are never reused.
func NewConnectionID() uuid.UUID {
	return uuid.New()
}

// Serialize wraps payload in an envelope tagged with connectionID.
func Serialize(connectionID uuid.UUID, payload []byte) []byte {
	frame := make([]byte, 0, connectionIDLen+len(payload))
	frame = append(frame, connectionID[:]...)
	return append(frame, payload...)
}

// Deserialize splits a frame into its connection identifier and payload.
func Deserialize(frame []byte) (uuid.UUID, []byte, error) {
	if len(frame) < connectionIDLen {
		return uuid.Nil, nil, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(frame))
	}
	id, err := uuid.FromBytes(frame[:connectionIDLen])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return id, frame[connectionIDLen:], nil
}

// StartupMessage builds the session-start control payload sent to the browser
// when a client is admitted. It is a regular Postgres startup message so the
// browser demultiplexes control and relay traffic uniformly.
func StartupMessage(user, database string, params map[string]string) ([]byte, error) {
	parameters := map[string]string{"user": user, "database": database}
	for k, v := range params {
		parameters[k] = v
	}
	msg := pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      parameters,
	}
	buf, err := msg.Encode(nil)
	if err != nil {
		return nil, fmt.Errorf("encode startup control message: %w", err)
	}
	return buf, nil
}

// TerminateMessage builds the session-terminate control payload sent to the
// browser when the bound client connection closes.
func TerminateMessage() ([]byte, error) {
	msg := pgproto3.Terminate{}
	buf, err := msg.Encode(nil)
	if err != nil {
		return nil, fmt.Errorf("encode terminate control message: %w", err)
	}
	return buf, nil
}
