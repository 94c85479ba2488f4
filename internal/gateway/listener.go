package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/MuthuDataScientist/postgres-new/internal/obs"
)

// Listener accepts client sockets and spawns a connection session per
// socket. When ProxyProtocol is set, a leading HAProxy PROXY v1 line is
// stripped before the socket reaches the session; everything above the
// listener is oblivious to it.
type Listener struct {
	Config        Config
	ProxyProtocol bool
}

// Serve accepts connections until ctx is cancelled or ln fails.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go l.handle(c)
	}
}

func (l *Listener) handle(c net.Conn) {
	if l.ProxyProtocol {
		wrapped, err := unwrapProxyHeader(c)
		if err != nil {
			obs.Error("accept.proxy_proto", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("proxy_proto").Inc()
			_ = c.Close()
			return
		}
		c = wrapped
	}
	HandleConn(c, l.Config)
}

// unwrapProxyHeader consumes a PROXY v1 line and rewrites the connection's
// remote address to the original client. A connection without the header is
// passed through with any buffered bytes preserved.
func unwrapProxyHeader(c net.Conn) (net.Conn, error) {
	br := bufio.NewReader(c)
	peeked, err := br.Peek(6)
	if err != nil {
		return nil, fmt.Errorf("peek proxy header: %w", err)
	}
	if string(peeked) != "PROXY " {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read proxy header: %w", err)
	}
	// PROXY TCP4 <src> <dst> <srcport> <dstport>
	parts := strings.Fields(strings.TrimSpace(line))
	var remote net.Addr
	if len(parts) >= 6 {
		if ip := net.ParseIP(parts[2]); ip != nil {
			remote = &net.TCPAddr{IP: ip}
		}
	}
	return &bufferedConn{Conn: c, r: br, remote: remote}, nil
}

// bufferedConn carries bytes already read into a bufio.Reader and optionally
// overrides the remote address reported for the connection.
type bufferedConn struct {
	net.Conn
	r      *bufio.Reader
	remote net.Addr
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedConn) RemoteAddr() net.Addr {
	if b.remote != nil {
		return b.remote
	}
	return b.Conn.RemoteAddr()
}
