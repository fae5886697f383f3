package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/metrics"
	"github.com/KKKKjl/pushkit/internal/topic"
	"github.com/KKKKjl/pushkit/logger"
)

var (
	EmptyEventTypeErr = errors.New("Event type is required.")
	UnknownKindErr    = errors.New("Unknown target kind.")
	InvalidPayloadErr = errors.New("Payload is not valid JSON.")
)

// Result counts the audience of one publish.
type Result struct {
	Subscribers int `json:"subscribers"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
}

type Broadcaster struct {
	hub     *hub.Hub
	debug   *DebugMode
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

type Option func(*Broadcaster)

func WithLogger(entry *logrus.Entry) Option {
	return func(b *Broadcaster) {
		b.logger = entry
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		b.now = now
	}
}

func New(h *hub.Hub, debug *DebugMode, opts ...Option) *Broadcaster {
	if debug == nil {
		debug = NewDebugMode(false)
	}

	b := &Broadcaster{
		hub:    h,
		debug:  debug,
		logger: logger.Component("broadcast"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broadcaster) Debug() *DebugMode {
	return b.debug
}

func (b *Broadcaster) Hub() *hub.Hub {
	return b.hub
}

// Publish delivers an event to every connection the target resolves to.
// Delivery is best effort: a connection that fails to accept the frame is
// closed and does not affect the others. No audience is not an error.
func (b *Broadcaster) Publish(target Target, eventType string, payload interface{}) (Result, error) {
	var res Result

	if eventType == "" {
		return res, EmptyEventTypeErr
	}

	conns, err := b.resolve(target)
	if err != nil {
		return res, err
	}

	frame, err := b.frame(eventType, payload)
	if err != nil {
		b.logger.WithFields(logrus.Fields{"target": target.String(), "type": eventType}).Errorf("Marshal payload error: %v", err)
		return res, err
	}

	res.Subscribers = len(conns)
	for _, conn := range conns {
		if err := b.deliver(conn, frame); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}

	b.metrics.Published(string(target.Kind))
	b.metrics.Delivered(res.Delivered)

	if eventType != hub.HeartbeatType && b.debug.Enabled() {
		b.logger.WithFields(logrus.Fields{
			"target":      target.String(),
			"type":        eventType,
			"subscribers": res.Subscribers,
		}).Info("Published event.")
	}

	return res, nil
}

func (b *Broadcaster) deliver(conn *hub.Connection, frame hub.Frame) error {
	err := conn.Send(frame)
	if err == nil {
		return nil
	}

	// a sink that can no longer accept frames is treated as gone
	b.hub.Close(conn.ID)

	if errors.Is(err, hub.QueueFullErr) {
		b.metrics.Dropped("queue_full")
		b.logger.WithFields(logrus.Fields{"conn_id": conn.ID, "type": frame.Type}).Errorf("Evict slow connection: %v", err)
	} else {
		b.metrics.Dropped("closed")
	}

	return err
}

func (b *Broadcaster) resolve(target Target) ([]*hub.Connection, error) {
	switch target.Kind {
	case KindConnection:
		conn, ok := b.hub.Get(target.ID)
		if !ok {
			return nil, nil
		}
		return []*hub.Connection{conn}, nil

	case KindUser:
		conns := b.hub.UserConnections(target.ID)
		return union(conns, b.hub.SubscriberConnections(topic.User(target.ID))), nil

	case KindTopic:
		return b.hub.SubscriberConnections(target.ID), nil
	}

	return nil, fmt.Errorf("%w: %q", UnknownKindErr, target.Kind)
}

func (b *Broadcaster) frame(eventType string, payload interface{}) (hub.Frame, error) {
	frame := hub.Frame{
		Type:      eventType,
		Timestamp: b.now().UTC(),
	}

	if payload == nil {
		return frame, nil
	}

	raw, ok := payload.(json.RawMessage)
	if ok {
		if len(raw) == 0 {
			return frame, nil
		}
		if !json.Valid(raw) {
			return frame, InvalidPayloadErr
		}
	} else {
		buf, err := json.Marshal(payload)
		if err != nil {
			return frame, err
		}
		raw = buf
	}

	frame.Payload = raw
	return frame, nil
}

func union(a, b []*hub.Connection) []*hub.Connection {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]*hub.Connection, 0, len(a)+len(b))

	for _, list := range [][]*hub.Connection{a, b} {
		for _, conn := range list {
			if _, ok := seen[conn.ID]; ok {
				continue
			}
			seen[conn.ID] = struct{}{}
			out = append(out, conn)
		}
	}

	return out
}
