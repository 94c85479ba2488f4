package gateway

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/MuthuDataScientist/postgres-new/internal/proto"
)

// syncBuffer is a concurrency-safe write sink standing in for a client conn.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func dialPeer(t *testing.T, registry *Registry, databaseID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewPeerServer(registry).Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/databases/" + databaseID
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial peer endpoint: %v", err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	waitFor(t, "peer session registration", func() bool {
		return registry.LookupSession(databaseID) != nil
	})
	return ws
}

func TestPeerServerRegistersAndUnregisters(t *testing.T) {
	registry := NewRegistry()
	ws := dialPeer(t, registry, "abcd1234")

	_ = ws.Close()
	waitFor(t, "peer session unregistration", func() bool {
		return registry.LookupSession("abcd1234") == nil
	})
}

func TestPeerServerReversePath(t *testing.T) {
	registry := NewRegistry()
	ws := dialPeer(t, registry, "abcd1234")

	sink := &syncBuffer{}
	connectionID := proto.NewConnectionID()
	if err := registry.Admit("abcd1234", connectionID, sink); err != nil {
		t.Fatal(err)
	}

	payload := []byte("T\x00\x00\x00\x06\x00\x00")
	if err := ws.WriteMessage(websocket.BinaryMessage, proto.Serialize(connectionID, payload)); err != nil {
		t.Fatalf("send envelope: %v", err)
	}

	waitFor(t, "reverse payload delivery", func() bool {
		return bytes.Equal(sink.Bytes(), payload)
	})
}

func TestPeerServerDropsMalformedAndStaleFrames(t *testing.T) {
	registry := NewRegistry()
	ws := dialPeer(t, registry, "abcd1234")

	sink := &syncBuffer{}
	connectionID := proto.NewConnectionID()
	if err := registry.Admit("abcd1234", connectionID, sink); err != nil {
		t.Fatal(err)
	}

	// Too short to carry a connection id: dropped, read loop survives.
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("send malformed frame: %v", err)
	}
	// Tagged with a connection that is not bound: dropped.
	stale := proto.Serialize(proto.NewConnectionID(), []byte("stale"))
	if err := ws.WriteMessage(websocket.BinaryMessage, stale); err != nil {
		t.Fatalf("send stale frame: %v", err)
	}
	// A well-formed frame afterwards is still relayed.
	payload := []byte("ok")
	if err := ws.WriteMessage(websocket.BinaryMessage, proto.Serialize(connectionID, payload)); err != nil {
		t.Fatalf("send valid frame: %v", err)
	}

	waitFor(t, "valid frame delivery after dropped frames", func() bool {
		return bytes.Equal(sink.Bytes(), payload)
	})
}

func TestPeerServerRejectsSecondBrowser(t *testing.T) {
	registry := NewRegistry()
	srv := httptest.NewServer(NewPeerServer(registry).Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/databases/abcd1234"

	first, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	defer first.Close()
	waitFor(t, "first registration", func() bool { return registry.LookupSession("abcd1234") != nil })
	firstSession := registry.LookupSession("abcd1234")

	second, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	if resp2.Body != nil {
		resp2.Body.Close()
	}
	defer second.Close()

	// The endpoint closes the second websocket without replacing the session.
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("expected second browser websocket to be closed")
	}
	if registry.LookupSession("abcd1234") != firstSession {
		t.Error("second browser displaced the active session")
	}
}
