// Package client is the consumer side of the realtime stream: a connection
// controller that keeps one stream open across network flaps, tab
// suspension and server restarts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/logger"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var StreamClosedErr = errors.New("Stream closed by server.")

// ServerError is an error frame sent by the server before it closes the stream.
type ServerError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type Handler func(frame hub.Frame)

// Status is a point in time view of the controller.
type Status struct {
	State     State
	ClientID  string
	Retries   int
	Failed    bool
	LastError error
	LastSeen  time.Time
}

type Controller struct {
	streamer   Streamer
	clock      Clock
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	logger     *logrus.Entry

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped whenever the current attempt is abandoned
	stream   Stream
	cancel   context.CancelFunc
	timer    Timer
	retries  int
	online   bool
	failed   bool
	lastErr  error
	lastSeen time.Time
	clientID string

	handlers  map[int]Handler
	handlerID int
}

type Option func(*Controller)

func WithBaseDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

// WithMaxRetries bounds consecutive failed attempts, zero disables retrying.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(c *Controller) {
		c.logger = entry
	}
}

func New(streamer Streamer, opts ...Option) *Controller {
	c := &Controller{
		streamer:   streamer,
		clock:      realClock{},
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		maxRetries: DefaultMaxRetries,
		logger:     logger.Component("client"),
		state:      StateDisconnected,
		online:     true,
		handlers:   make(map[int]Handler),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Subscribe registers fn for every application frame and the connected
// frame. Heartbeats are not delivered. The returned func removes fn.
func (c *Controller) Subscribe(fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlerID++
	id := c.handlerID
	c.handlers[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// ClientID is the connection id announced by the server, "" until then.
func (c *Controller) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.clientID
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		State:     c.state,
		ClientID:  c.clientID,
		Retries:   c.retries,
		Failed:    c.failed,
		LastError: c.lastErr,
		LastSeen:  c.lastSeen,
	}
}

// Connect starts an attempt unless one is in flight or a stream is open. It
// does not block.
func (c *Controller) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectLocked()
}

func (c *Controller) connectLocked() {
	if c.state == StateConnecting || c.state == StateConnected {
		return
	}

	c.stopTimerLocked()
	c.closeStreamLocked()

	c.gen++
	gen := c.gen
	c.clientID = ""
	c.setStateLocked(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.run(ctx, gen)
}

// Disconnect cancels a pending reconnect, closes the stream and resets the
// retry counter. A reconnect timer that already fired is ignored.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.stopTimerLocked()
	c.closeStreamLocked()
	c.retries = 0
	c.failed = false
	c.clientID = ""
	c.setStateLocked(StateDisconnected)
}

// SetOnline reports a network transition. Going offline disconnects, coming
// back online connects.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()

	if !online {
		c.Disconnect()
		return
	}

	c.Connect()
}

// VisibilityChanged reports a page visibility transition. Becoming visible
// while online connects.
func (c *Controller) VisibilityChanged(visible bool) {
	if !visible {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.online {
		c.connectLocked()
	}
}

func (c *Controller) run(ctx context.Context, gen uint64) {
	stream, err := c.streamer.Open(ctx)
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.retries = 0
	c.failed = false
	c.lastErr = nil
	c.lastSeen = c.clock.Now()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	for {
		data, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = StreamClosedErr
			}
			c.fail(gen, err)
			return
		}

		if err := c.handle(gen, data); err != nil {
			c.fail(gen, err)
			return
		}
	}
}

func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	c.closeStreamLocked()
	c.lastErr = err
	c.setStateLocked(StateError)

	if !c.online || c.retries >= c.maxRetries {
		c.failed = c.retries >= c.maxRetries
		c.logger.Errorf("Stream error, not retrying (retries %d, online %v): %v", c.retries, c.online, err)
		return
	}

	delay := Backoff(c.baseDelay, c.maxDelay, c.retries)
	c.retries++
	c.logger.Warnf("Stream error, retry %d in %s: %v", c.retries, delay, err)

	c.timer = c.clock.AfterFunc(delay, func() {
		c.retry(gen)
	})
}

func (c *Controller) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateError {
		return
	}

	c.timer = nil
	c.connectLocked()
}

// handle returns an error only when the frame ends the stream.
func (c *Controller) handle(gen uint64, data []byte) error {
	var frame hub.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		c.logger.Warnf("Ignore malformed frame: %.128s", data)
		return nil
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.lastSeen = c.clock.Now()

	switch frame.Type {
	case hub.HeartbeatType:
		c.mu.Unlock()
		return nil

	case hub.ErrorType:
		c.mu.Unlock()

		serverErr := &ServerError{Message: "unknown error"}
		_ = json.Unmarshal(frame.Payload, serverErr)
		return serverErr

	case hub.ConnectedType:
		var payload struct {
			ClientID string `json:"clientId"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err == nil {
			c.clientID = payload.ClientID
		}
	}

	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.dispatch(h, frame)
	}

	return nil
}

func (c *Controller) dispatch(h Handler, frame hub.Frame) {
	defer func() {
		if err := recover(); err != nil {
			c.logger.Errorf("Handler of %q panicked: %v", frame.Type, err)
		}
	}()

	h(frame)
}

func (c *Controller) setStateLocked(state State) {
	if c.state == state {
		return
	}

	c.logger.Debugf("State %s -> %s", c.state, state)
	c.state = state
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) closeStreamLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}
