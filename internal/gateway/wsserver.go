package gateway

import (
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/MuthuDataScientist/postgres-new/internal/obs"
	"github.com/MuthuDataScientist/postgres-new/internal/proto"
)

// PeerServer is the websocket endpoint browsers connect to when sharing a
// database. Each accepted websocket becomes the database's session channel;
// inbound frames are envelopes whose payload is written back to the bound
// client connection.
type PeerServer struct {
	registry *Registry
	upgrader websocket.Upgrader
}

func NewPeerServer(registry *Registry) *PeerServer {
	return &PeerServer{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Browsers connect from arbitrary origins; the database id is
			// the access token equivalent here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves "GET /databases/{id}".
func (s *PeerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /databases/{id}", s.serveDatabase)
	return mux
}

func (s *PeerServer) serveDatabase(w http.ResponseWriter, r *http.Request) {
	databaseID := r.PathValue("id")
	if databaseID == "" {
		http.Error(w, "missing database id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("peer.upgrade", obs.Fields{"err": err.Error(), "database_id": databaseID})
		obs.ErrorsTotal.WithLabelValues("peer_upgrade").Inc()
		return
	}

	sess := NewPeerSession(databaseID, ws)
	if err := s.registry.RegisterSession(databaseID, sess); err != nil {
		obs.Error("peer.register", obs.Fields{"err": err.Error(), "database_id": databaseID})
		obs.ErrorsTotal.WithLabelValues("peer_register").Inc()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "database already shared"))
		_ = ws.Close()
		return
	}
	obs.Info("peer.registered", obs.Fields{"database_id": databaseID, "remote": r.RemoteAddr})

	defer func() {
		s.registry.UnregisterSession(databaseID, sess)
		_ = ws.Close()
		obs.Info("peer.unregistered", obs.Fields{"database_id": databaseID})
	}()

	s.readLoop(databaseID, ws)
}

// readLoop pumps reverse-path envelopes from the browser to the bound client
// connection. Malformed envelopes are logged and dropped; they never take
// the session channel down.
func (s *PeerServer) readLoop(databaseID string, ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				obs.Debug("peer.read", obs.Fields{"err": err.Error(), "database_id": databaseID})
			}
			return
		}

		connectionID, payload, err := proto.Deserialize(frame)
		if err != nil {
			obs.Error("peer.envelope", obs.Fields{"err": err.Error(), "database_id": databaseID})
			obs.ErrorsTotal.WithLabelValues("malformed_envelope").Inc()
			continue
		}

		boundID, client, ok := s.registry.Bound(databaseID)
		if !ok {
			// No client is connected; the browser is pushing into the void.
			obs.Debug("peer.unbound_frame", obs.Fields{"database_id": databaseID})
			continue
		}
		if boundID != connectionID {
			// Frame for a connection that has already been torn down.
			obs.Debug("peer.stale_frame", obs.Fields{"database_id": databaseID})
			continue
		}

		if _, err := client.Write(payload); err != nil {
			obs.Debug("peer.client_write", obs.Fields{"err": err.Error(), "database_id": databaseID})
			continue
		}
		obs.RelayedMessagesTotal.WithLabelValues("browser_to_client").Inc()
		obs.RelayedBytesTotal.WithLabelValues("browser_to_client").Add(float64(len(payload)))
	}
}
