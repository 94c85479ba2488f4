package gateway

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MuthuDataScientist/postgres-new/internal/middleware"
	"github.com/MuthuDataScientist/postgres-new/internal/obs"
	"github.com/MuthuDataScientist/postgres-new/internal/pgwire"
	"github.com/MuthuDataScientist/postgres-new/internal/proto"
	"github.com/MuthuDataScientist/postgres-new/internal/ratelimit"
	"github.com/MuthuDataScientist/postgres-new/internal/tenant"
)

// State is the connection session lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateUpgrading
	StateAdmitting
	StateRelaying
	StateClosing
	StateClosed
)

// DefaultIdleTimeout closes client connections with no inbound traffic.
const DefaultIdleTimeout = 5 * time.Minute

// Config wires a connection session to its collaborators. One Config is
// shared by all sessions; per-connection state lives on ConnSession.
type Config struct {
	Registry      *Registry
	Resolver      *tenant.Resolver
	TLSConfig     *tls.Config
	ServerVersion string
	IdleTimeout   time.Duration
	Middleware    middleware.Middleware
	Limiter       *ratelimit.ConnectionLimiter
	Events        obs.EventSink
}

// ConnSession drives one accepted socket through TLS upgrade, admission,
// relay and teardown.
type ConnSession struct {
	cfg  Config
	conn *pgwire.Conn

	mu           sync.Mutex
	state        State
	databaseID   string
	connectionID uuid.UUID
	admitted     bool

	idle    *time.Timer
	started time.Time
}

// HandleConn runs a session to completion. It is the goroutine body the
// listener spawns per accepted socket.
func HandleConn(c net.Conn, cfg Config) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Middleware == nil {
		cfg.Middleware = middleware.Passthrough{}
	}
	s := &ConnSession{cfg: cfg, state: StateConnecting, started: time.Now()}
	s.run(c)
}

func (s *ConnSession) run(c net.Conn) {
	obs.Debug("session.accept", obs.Fields{"remote": c.RemoteAddr().String()})
	s.setState(StateUpgrading)
	s.conn = pgwire.NewConn(c, pgwire.Options{
		TLSConfig:     s.cfg.TLSConfig,
		ServerVersion: s.cfg.ServerVersion,
		OnServerName:  s.onServerName,
	})

	if err := s.conn.Upgrade(); err != nil {
		s.teardown(err)
		return
	}

	s.mu.Lock()
	if s.state != StateAdmitting {
		// Admission never ran; the client bypassed the TLS upgrade path.
		s.mu.Unlock()
		s.conn.SendError(pgwire.FatalError(pgwire.CodeConnectionFailure, "invalid SNI"))
		s.teardown(errors.New("startup finished without admission"))
		return
	}
	s.state = StateRelaying
	s.idle = time.AfterFunc(s.cfg.IdleTimeout, s.onIdleTimeout)
	s.mu.Unlock()

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			s.teardown(err)
			return
		}
		s.mu.Lock()
		if s.idle != nil {
			s.idle.Reset(s.cfg.IdleTimeout)
		}
		s.mu.Unlock()
		if err := s.relay(msg); err != nil {
			var be *pgwire.BackendError
			if errors.As(err, &be) {
				s.conn.SendError(be)
			}
			s.teardown(err)
			return
		}
	}
}

// onServerName is the admission path. It fires inside the TLS upgrade, once
// the requested servername is known and before any message is processed.
func (s *ConnSession) onServerName(serverName string) error {
	s.setState(StateAdmitting)

	databaseID, err := s.cfg.Resolver.ExtractDatabaseID(serverName)
	if err != nil {
		obs.AdmissionRejectedTotal.WithLabelValues("invalid_sni").Inc()
		return pgwire.FatalError(pgwire.CodeConnectionFailure, "invalid SNI")
	}

	if s.cfg.Registry.LookupSession(databaseID) == nil {
		obs.AdmissionRejectedTotal.WithLabelValues("no_session").Inc()
		return pgwire.FatalError(pgwire.CodeInternalError, "the browser is not sharing the database")
	}

	if s.cfg.Limiter != nil && !s.cfg.Limiter.AllowConnection(databaseID) {
		obs.AdmissionRejectedTotal.WithLabelValues("rate_limited").Inc()
		return pgwire.FatalError(pgwire.CodeTooManyConnections, "connection rate limit exceeded")
	}

	if s.cfg.Registry.Occupied(databaseID) {
		obs.AdmissionRejectedTotal.WithLabelValues("occupied").Inc()
		return pgwire.FatalError(pgwire.CodeTooManyConnections, "sorry, too many clients already")
	}

	connectionID := proto.NewConnectionID()
	if err := s.cfg.Registry.Admit(databaseID, connectionID, s); err != nil {
		// Lost the check-and-set race; same outcome as a pre-existing occupant.
		obs.AdmissionRejectedTotal.WithLabelValues("occupied").Inc()
		return pgwire.FatalError(pgwire.CodeTooManyConnections, "sorry, too many clients already")
	}

	s.mu.Lock()
	s.databaseID = databaseID
	s.connectionID = connectionID
	s.admitted = true
	s.mu.Unlock()

	if s.cfg.Events != nil {
		s.cfg.Events.LogEvent(obs.UserConnected{DatabaseID: databaseID, ConnectionID: connectionID.String()})
	}
	obs.Info("session.admitted", obs.Fields{"database_id": databaseID, "connection_id": connectionID.String()})

	// Let the browser prepare engine state for the new connection.
	startup, err := proto.StartupMessage("postgres", "postgres", map[string]string{
		"client_ip": clientIP(s.conn.RemoteAddr()),
	})
	if err != nil {
		obs.Error("session.startup_send", obs.Fields{"err": err.Error(), "database_id": databaseID})
		obs.ErrorsTotal.WithLabelValues("startup_send").Inc()
		return nil
	}
	if peer := s.cfg.Registry.LookupSession(databaseID); peer != nil {
		if err := peer.Send(proto.Serialize(connectionID, startup)); err != nil {
			obs.Error("session.startup_send", obs.Fields{"err": err.Error(), "database_id": databaseID})
			obs.ErrorsTotal.WithLabelValues("startup_send").Inc()
		}
	}
	return nil
}

// Write delivers reverse-path bytes from the browser to the client. It is the
// writer bound in the registry; traffic in either direction keeps the
// connection out of the idle timeout.
func (s *ConnSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.idle != nil {
		s.idle.Reset(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
	return s.conn.Write(p)
}

// relay forwards one inbound client message to the browser session.
func (s *ConnSession) relay(msg []byte) error {
	if !s.conn.Authenticated() {
		// Dropped, not buffered: nothing before authentication is forwarded.
		return nil
	}

	s.mu.Lock()
	databaseID, connectionID := s.databaseID, s.connectionID
	s.mu.Unlock()

	peer := s.cfg.Registry.LookupSession(databaseID)
	if peer == nil {
		return pgwire.FatalError(pgwire.CodeInternalError, "the browser is not sharing the database")
	}

	msg = s.cfg.Middleware.HandleClientMessage(s.conn.NetConn(), connectionID, middleware.State{
		Authenticated: true,
		ServerName:    s.conn.ServerName(),
		Parameters:    s.conn.StartupParameters(),
	}, msg)

	if err := peer.Send(proto.Serialize(connectionID, msg)); err != nil {
		obs.ErrorsTotal.WithLabelValues("peer_send").Inc()
		return pgwire.FatalError(pgwire.CodeInternalError, "the browser is not sharing the database")
	}
	obs.RelayedMessagesTotal.WithLabelValues("client_to_browser").Inc()
	obs.RelayedBytesTotal.WithLabelValues("client_to_browser").Add(float64(len(msg)))
	return nil
}

func (s *ConnSession) onIdleTimeout() {
	s.mu.Lock()
	if s.state != StateRelaying {
		s.mu.Unlock()
		return
	}
	timeout := s.cfg.IdleTimeout
	s.mu.Unlock()

	obs.IdleTimeoutTotal.Inc()
	s.conn.SendError(pgwire.FatalError(pgwire.CodeIdleTimeout,
		fmt.Sprintf("terminating connection due to idle timeout (%s)", timeout)))
	s.teardown(errors.New("idle timeout"))
}

// teardown is the Closing transition. It may be reached from the read loop,
// the idle timer, or an admission failure, in any combination; every path
// after the first is a no-op.
func (s *ConnSession) teardown(cause error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	admitted := s.admitted
	databaseID, connectionID := s.databaseID, s.connectionID
	s.mu.Unlock()

	if admitted {
		s.cfg.Registry.Release(databaseID)
		if peer := s.cfg.Registry.LookupSession(databaseID); peer != nil {
			if terminate, err := proto.TerminateMessage(); err == nil {
				// Best effort; the browser may already be gone.
				_ = peer.Send(proto.Serialize(connectionID, terminate))
			}
		}
		if s.cfg.Events != nil {
			s.cfg.Events.LogEvent(obs.UserDisconnected{DatabaseID: databaseID, ConnectionID: connectionID.String()})
		}
		obs.ConnectionDurationSeconds.Observe(time.Since(s.started).Seconds())
	}
	_ = s.conn.Close()

	fields := obs.Fields{}
	if databaseID != "" {
		fields["database_id"] = databaseID
		fields["connection_id"] = connectionID.String()
	}
	if cause != nil && !errors.Is(cause, pgwire.ErrClientGone) {
		fields["cause"] = cause.Error()
	}
	obs.Info("session.closed", fields)

	s.setState(StateClosed)
}

func (s *ConnSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// clientIP extracts the bare client address for the startup control message,
// unwrapping IPv4-mapped IPv6 forms.
func clientIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}
