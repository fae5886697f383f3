// Package relay carries events from producers outside the stream-owning
// process into its broadcaster. Delivery is best effort: a failed relay call
// drops the event, there is no retry queue.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/KKKKjl/pushkit/internal/broadcast"
)

const (
	TransportHTTP  = "http"
	TransportRedis = "redis"
)

var (
	EmptyChannelErr = errors.New("Relay channel is required.")
	EmptyEventErr   = errors.New("Relay event is required.")
	DroppedErr      = errors.New("Relay failed, event dropped.")
)

// Message is the relay wire form, channel is resolved with
// broadcast.ResolveTarget on arrival.
type Message struct {
	Channel string          `json:"channel" msgpack:"channel"`
	Event   string          `json:"event" msgpack:"event"`
	Data    json.RawMessage `json:"data,omitempty" msgpack:"data"`
}

func (m *Message) Validate() error {
	m.Channel = strings.TrimSpace(m.Channel)
	m.Event = strings.TrimSpace(m.Event)

	if m.Channel == "" {
		return EmptyChannelErr
	}
	if m.Event == "" {
		return EmptyEventErr
	}

	return nil
}

// Relayer sends a message towards the process that owns the streams.
type Relayer interface {
	Relay(ctx context.Context, msg Message) error
	Transport() string
}

// Deliver publishes a relayed message on the local broadcaster.
func Deliver(b *broadcast.Broadcaster, msg Message) (broadcast.Result, error) {
	if err := msg.Validate(); err != nil {
		return broadcast.Result{}, err
	}

	target := broadcast.ResolveTarget(b.Hub(), msg.Channel)
	return b.Publish(target, msg.Event, msg.Data)
}

func Encode(msg Message) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

func Decode(buf []byte) (Message, error) {
	var msg Message
	err := msgpack.Unmarshal(buf, &msg)
	return msg, err
}
