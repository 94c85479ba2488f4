package obs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is a discrete telemetry observation about a client connection.
type Event interface {
	Name() string
	Fields() Fields
}

// UserConnected is emitted when a client is admitted and bound to a database.
type UserConnected struct {
	DatabaseID   string
	ConnectionID string
}

func (e UserConnected) Name() string { return "user_connected" }
func (e UserConnected) Fields() Fields {
	return Fields{"database_id": e.DatabaseID, "connection_id": e.ConnectionID}
}

// UserDisconnected is emitted when a bound client connection closes for any reason.
type UserDisconnected struct {
	DatabaseID   string
	ConnectionID string
}

func (e UserDisconnected) Name() string { return "user_disconnected" }
func (e UserDisconnected) Fields() Fields {
	return Fields{"database_id": e.DatabaseID, "connection_id": e.ConnectionID}
}

// EventSink accepts events fire-and-forget. Implementations must never block
// the caller and must never surface failures to relay code paths. Close
// flushes queued events and releases the backend; events logged after Close
// are dropped.
type EventSink interface {
	LogEvent(e Event)
	Close() error
}

// NewEventSink creates either a log-only or Redis-backed sink based on configuration.
func NewEventSink(redisAddr, redisPassword string, redisDB int) (EventSink, error) {
	if redisAddr == "" {
		Info("telemetry.backend", Fields{"type": "log"})
		return logSink{}, nil
	}
	Info("telemetry.backend", Fields{"type": "redis", "addr": redisAddr})
	return newRedisSink(redisAddr, redisPassword, redisDB)
}

// logSink writes events to the structured log stream.
type logSink struct{}

func (logSink) LogEvent(e Event) {
	Info("telemetry."+e.Name(), e.Fields())
}

func (logSink) Close() error { return nil }

// redisSink publishes events to a Redis stream. Events are handed to a
// background writer through a bounded queue; when the queue is full the
// event is dropped rather than blocking the connection path.
type redisSink struct {
	client *redis.Client
	stream string

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func newRedisSink(addr, password string, db int) (*redisSink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := &redisSink{
		client: rdb,
		stream: "browser-proxy:events",
		queue:  make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *redisSink) LogEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		Debug("telemetry.queue_full", Fields{"event": e.Name()})
	}
}

// Close stops accepting events, waits for the queue to drain and closes the
// Redis client. Safe to call more than once.
func (s *redisSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.client.Close()
}

func (s *redisSink) run() {
	defer close(s.done)
	for e := range s.queue {
		values := map[string]any{"event": e.Name(), "ts": time.Now().UTC().Format(time.RFC3339Nano)}
		for k, v := range e.Fields() {
			values[k] = v
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, MaxLen: 10000, Approx: true, Values: values}).Err(); err != nil {
			Error("telemetry.redis_publish", Fields{"err": err.Error(), "event": e.Name()})
		}
		cancel()
	}
}
