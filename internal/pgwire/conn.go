package pgwire

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/MuthuDataScientist/postgres-new/internal/obs"
)

// Postgres messages carry a self-declared length; cap it so a broken client
// cannot make the gateway allocate unbounded buffers.
const maxMessageLen = 1 << 26

// ErrClientGone indicates the client ended the connection during or after
// the handshake (EOF, Terminate message, or a local close).
var ErrClientGone = errors.New("client closed connection")

// Options configures the handshake behavior of a Conn.
type Options struct {
	// TLSConfig is required; the requested servername is the routing key, so
	// plaintext startup is rejected.
	TLSConfig *tls.Config
	// ServerVersion is reported to the client as the server_version parameter.
	ServerVersion string
	// HandshakeTimeout bounds the whole upgrade sequence.
	HandshakeTimeout time.Duration
	// OnServerName is invoked synchronously once the TLS handshake has
	// negotiated a servername, before any startup message is processed.
	// Returning an error aborts the handshake; a *BackendError is delivered
	// to the client over the encrypted stream first.
	OnServerName func(serverName string) error
}

// Conn wraps an accepted socket and drives the Postgres-facing side of the
// protocol: SSLRequest negotiation, TLS upgrade, startup and authentication.
// After Upgrade succeeds the connection relays raw wire messages.
type Conn struct {
	opts Options

	raw     net.Conn // socket as accepted, before TLS
	conn    net.Conn // current transport, TLS after upgrade
	backend *pgproto3.Backend

	writeMu       sync.Mutex
	serverName    string
	authenticated bool
	startup       *pgproto3.StartupMessage
}

// NewConn wraps an accepted socket. Upgrade must be called before any relay.
func NewConn(c net.Conn, opts Options) *Conn {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Conn{
		opts:    opts,
		raw:     c,
		conn:    c,
		backend: pgproto3.NewBackend(pgproto3.NewChunkReader(c), c),
	}
}

// Upgrade performs the startup sequence: negotiate the SSLRequest, run the
// TLS handshake, fire the servername hook, then accept the startup message
// and authenticate the client. The servername hook always fires before any
// message is read from the encrypted stream.
func (c *Conn) Upgrade() error {
	if err := c.raw.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	for {
		startup, err := c.backend.ReceiveStartupMessage()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return ErrClientGone
		}
		if err != nil {
			return c.abort(FatalError(CodeProtocolViolation, "invalid startup message"), err)
		}

		switch m := startup.(type) {
		case *pgproto3.SSLRequest:
			if err := c.upgradeTLS(); err != nil {
				return err
			}

		case *pgproto3.GSSEncRequest:
			if _, err := c.conn.Write([]byte{'N'}); err != nil {
				return fmt.Errorf("reject GSS encryption: %w", err)
			}

		case *pgproto3.StartupMessage:
			if c.serverName == "" {
				// SNI is the routing key; a plaintext startup has nowhere to go.
				return c.abort(FatalError(CodeConnectionFailure, "SSL connection is required"), nil)
			}
			c.startup = m
			return c.authenticate()

		case *pgproto3.CancelRequest:
			// Cancel requests arrive on a fresh unbound connection and cannot
			// be routed to a browser session.
			return ErrClientGone

		default:
			return c.abort(FatalError(CodeProtocolViolation, fmt.Sprintf("unexpected startup message %T", m)), nil)
		}
	}
}

func (c *Conn) upgradeTLS() error {
	if _, err := c.conn.Write([]byte{'S'}); err != nil {
		return fmt.Errorf("accept SSL request: %w", err)
	}
	tlsConn := tls.Server(c.raw, c.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	c.conn = tlsConn
	c.backend = pgproto3.NewBackend(pgproto3.NewChunkReader(tlsConn), tlsConn)
	c.serverName = tlsConn.ConnectionState().ServerName

	if c.opts.OnServerName != nil {
		if err := c.opts.OnServerName(c.serverName); err != nil {
			var be *BackendError
			if errors.As(err, &be) {
				return c.abort(be, err)
			}
			return err
		}
	}
	return nil
}

// authenticate completes the startup sequence. The gateway does not hold
// credentials for the tenant database, so clients are admitted with trust
// authentication; admission control happened at the servername hook.
func (c *Conn) authenticate() error {
	_ = c.backend.SetAuthType(pgproto3.AuthTypeOk)
	msgs := []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: c.opts.ServerVersion},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.BackendKeyData{ProcessID: randomUint32(), SecretKey: randomUint32()},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	buf := make([]byte, 0, 128)
	var err error
	for _, m := range msgs {
		if buf, err = m.Encode(buf); err != nil {
			return fmt.Errorf("encode %T: %w", m, err)
		}
	}
	if _, err := c.Write(buf); err != nil {
		return fmt.Errorf("complete authentication: %w", err)
	}
	c.authenticated = true
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

// abort delivers a fatal error to the client when a writer is available and
// returns the error that terminates the session.
func (c *Conn) abort(be *BackendError, cause error) error {
	if cause != nil {
		obs.Debug("pgwire.abort", obs.Fields{"code": be.Code, "cause": cause.Error()})
	}
	c.SendError(be)
	return be
}

// ReadMessage reads one raw wire protocol message (type byte, length, body)
// from the client and returns it unparsed. A Terminate message or EOF is
// reported as ErrClientGone.
func (c *Conn) ReadMessage() ([]byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClientGone
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length < 4 || length > maxMessageLen {
		return nil, fmt.Errorf("message length %d out of range", length)
	}
	msg := make([]byte, 5+int(length)-4)
	copy(msg, header)
	if _, err := io.ReadFull(c.conn, msg[5:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClientGone
		}
		return nil, err
	}
	if msg[0] == 'X' {
		return nil, ErrClientGone
	}
	return msg, nil
}

// Write sends raw bytes to the client. Safe for concurrent use; the reverse
// relay path and error delivery share this writer.
func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(b)
}

// SendError delivers a fatal backend error to the client, best effort.
func (c *Conn) SendError(be *BackendError) {
	buf, err := be.Response().Encode(nil)
	if err != nil {
		obs.Debug("pgwire.send_error", obs.Fields{"code": be.Code, "err": err.Error()})
		return
	}
	if _, err := c.Write(buf); err != nil && !errors.Is(err, net.ErrClosed) {
		obs.Debug("pgwire.send_error", obs.Fields{"code": be.Code, "err": err.Error()})
	}
}

// Authenticated reports whether the startup sequence has completed.
func (c *Conn) Authenticated() bool { return c.authenticated }

// ServerName returns the TLS servername negotiated during the upgrade.
func (c *Conn) ServerName() string { return c.serverName }

// StartupParameters returns the parameters from the client startup message.
func (c *Conn) StartupParameters() map[string]string {
	if c.startup == nil {
		return nil
	}
	return c.startup.Parameters
}

// NetConn exposes the underlying socket for middleware hooks.
func (c *Conn) NetConn() net.Conn { return c.raw }

// RemoteAddr returns the client address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error { return c.raw.Close() }

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
