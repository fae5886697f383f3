package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// reserved frame types
const (
	HeartbeatType = "heartbeat"
	ConnectedType = "connected"
	ErrorType     = "error"
)

var (
	ConnClosedErr = errors.New("Connection already closed.")
	QueueFullErr  = errors.New("Connection send queue is full.")
)

// Frame is one discrete event written to a stream.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Connection is one open stream. The transport goroutine that owns the
// stream drains Frames and is the only writer to the underlying sink.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	lastActivity atomic.Int64
	send         chan Frame
	done         chan struct{}
	once         sync.Once
}

func newConnection(id, userID string, now time.Time, queueSize int) *Connection {
	c := &Connection{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		send:      make(chan Frame, queueSize),
		done:      make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())

	return c
}

// Send enqueues a frame without blocking. A full queue means the client is
// not keeping up and is reported as QueueFullErr.
func (c *Connection) Send(frame Frame) error {
	select {
	case <-c.done:
		return ConnClosedErr
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ConnClosedErr
	default:
		return QueueFullErr
	}
}

func (c *Connection) Frames() <-chan Frame {
	return c.send
}

// Done is closed once the connection has been removed from the hub.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ensure only close once
func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
