package obs

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewEventSinkWithoutRedis(t *testing.T) {
	sink, err := NewEventSink("", "", 0)
	if err != nil {
		t.Fatalf("log sink construction failed: %v", err)
	}
	sink.LogEvent(UserConnected{DatabaseID: "abcd1234", ConnectionID: "c1"})
	if err := sink.Close(); err != nil {
		t.Errorf("log sink close: %v", err)
	}
}

func TestRedisSinkCloseDrainsAndStops(t *testing.T) {
	s := &redisSink{
		client: redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		}),
		stream: "browser-proxy:events",
		queue:  make(chan Event, 4),
		done:   make(chan struct{}),
	}
	go s.run()

	s.LogEvent(UserConnected{DatabaseID: "abcd1234", ConnectionID: "c1"})
	s.LogEvent(UserDisconnected{DatabaseID: "abcd1234", ConnectionID: "c1"})

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not drain the queue and return")
	}

	select {
	case <-s.done:
	default:
		t.Error("writer goroutine still running after Close")
	}

	// Events logged after Close are dropped, not a panic on a closed channel.
	s.LogEvent(UserConnected{DatabaseID: "abcd1234", ConnectionID: "c2"})
}
