package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// PeerConn is the transport a browser session speaks over. Satisfied by
// *websocket.Conn.
type PeerConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// PeerSession is the gateway's handle to one browser's duplex channel. The
// gateway never closes the channel on relay paths; lifecycle belongs to the
// websocket endpoint that created it.
type PeerSession struct {
	databaseID string

	writeMu sync.Mutex
	conn    PeerConn
}

func NewPeerSession(databaseID string, conn PeerConn) *PeerSession {
	return &PeerSession{databaseID: databaseID, conn: conn}
}

// DatabaseID returns the identifier of the shared database.
func (p *PeerSession) DatabaseID() string { return p.databaseID }

// Send writes one envelope frame to the browser. Fire-and-forget from the
// relay's perspective: no delivery acknowledgment is observed. Safe for
// concurrent use; websocket writers require serialized access.
func (p *PeerSession) Send(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}
