package middleware

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/uuid"
)

type appendMiddleware struct {
	suffix []byte
}

func (a appendMiddleware) HandleClientMessage(_ net.Conn, _ uuid.UUID, _ State, message []byte) []byte {
	return append(message, a.suffix...)
}

func TestPassthrough(t *testing.T) {
	msg := []byte("SELECT 1")
	out := Passthrough{}.HandleClientMessage(nil, uuid.New(), State{Authenticated: true}, msg)
	if !bytes.Equal(out, msg) {
		t.Errorf("passthrough changed the message: %q", out)
	}
}

func TestChainOrder(t *testing.T) {
	chain := Chain{
		appendMiddleware{suffix: []byte("-a")},
		appendMiddleware{suffix: []byte("-b")},
	}
	out := chain.HandleClientMessage(nil, uuid.New(), State{}, []byte("msg"))
	if string(out) != "msg-a-b" {
		t.Errorf("chain applied out of order: %q", out)
	}
}

func TestEmptyChain(t *testing.T) {
	msg := []byte{0x01, 0x02}
	out := Chain{}.HandleClientMessage(nil, uuid.New(), State{}, msg)
	if !bytes.Equal(out, msg) {
		t.Errorf("empty chain changed the message: %v", out)
	}
}
