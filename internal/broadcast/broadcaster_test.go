package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KKKKjl/pushkit/internal/hub"
)

func newTestBroadcaster(debug bool) (*Broadcaster, *hub.Hub, *test.Hook) {
	log, hook := test.NewNullLogger()
	h := hub.New()
	b := New(h, NewDebugMode(debug), WithLogger(log.WithField("prefix", "broadcast")))
	return b, h, hook
}

func drain(conn *hub.Connection) []hub.Frame {
	frames := make([]hub.Frame, 0)
	for {
		select {
		case f := <-conn.Frames():
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestPublishToTopic(t *testing.T) {
	b, h, _ := newTestBroadcaster(false)
	a := h.Open("")
	other := h.Open("")
	h.Subscribe(a.ID, "conversation-42")

	res, err := b.Publish(TopicTarget("conversation-42"), "message", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, Result{Subscribers: 1, Delivered: 1}, res)

	frames := drain(a)
	require.Len(t, frames, 1)
	assert.Equal(t, "message", frames[0].Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.Equal(t, "hi", payload["text"])

	assert.Empty(t, drain(other))
}

func TestPublishToEmptyTopic(t *testing.T) {
	b, _, hook := newTestBroadcaster(false)

	res, err := b.Publish(TopicTarget("nobody-here"), "message", nil)
	assert.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, hook.AllEntries())
}

func TestPublishToUserReachesEveryTab(t *testing.T) {
	b, h, _ := newTestBroadcaster(false)
	tab1 := h.Open("u1")
	tab2 := h.Open("u1")
	stranger := h.Open("u2")

	res, err := b.Publish(UserTarget("u1"), "booking.updated", map[string]int{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	assert.Len(t, drain(tab1), 1)
	assert.Len(t, drain(tab2), 1)
	assert.Empty(t, drain(stranger))
}

func TestPublishToUserIncludesTopicSubscribersOnce(t *testing.T) {
	b, h, _ := newTestBroadcaster(false)
	own := h.Open("u1")
	watcher := h.Open("")
	h.Subscribe(own.ID, "user-u1")
	h.Subscribe(watcher.ID, "user-u1")

	res, err := b.Publish(UserTarget("u1"), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Subscribers)
	assert.Len(t, drain(own), 1)
	assert.Len(t, drain(watcher), 1)
}

func TestPublishToConnection(t *testing.T) {
	b, h, _ := newTestBroadcaster(false)
	a := h.Open("")
	other := h.Open("")

	res, err := b.Publish(ConnectionTarget(a.ID), "direct", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(other))

	res, err = b.Publish(ConnectionTarget("gone"), "direct", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Subscribers)
}

func TestFailedDeliveryDoesNotBlockOthers(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := hub.New(hub.WithQueueSize(1))
	b := New(h, nil, WithLogger(log.WithField("prefix", "broadcast")))

	slow := h.Open("")
	fast := h.Open("")
	h.Subscribe(slow.ID, "t")
	h.Subscribe(fast.ID, "t")

	require.NoError(t, slow.Send(hub.Frame{Type: "filler"}))

	res, err := b.Publish(TopicTarget("t"), "event", nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Subscribers: 2, Delivered: 1, Failed: 1}, res)

	assert.True(t, slow.Closed())
	assert.Empty(t, h.TopicsOf(slow.ID))
	assert.Len(t, drain(fast), 1)
}

func TestDebugModeLogging(t *testing.T) {
	b, h, hook := newTestBroadcaster(false)
	conn := h.Open("")
	h.Subscribe(conn.ID, "t")

	_, err := b.Publish(TopicTarget("t"), "quiet", nil)
	require.NoError(t, err)
	assert.Empty(t, hook.AllEntries())

	b.Debug().Set(true)
	_, err = b.Publish(TopicTarget("t"), "loud", nil)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "topic:t", entry.Data["target"])
	assert.Equal(t, "loud", entry.Data["type"])
	assert.Equal(t, 1, entry.Data["subscribers"])

	hook.Reset()
	_, err = b.Publish(TopicTarget("t"), hub.HeartbeatType, nil)
	require.NoError(t, err)
	assert.Empty(t, hook.AllEntries())

	b.Debug().Set(false)
	_, err = b.Publish(TopicTarget("t"), "quiet-again", nil)
	require.NoError(t, err)
	assert.Empty(t, hook.AllEntries())
}

func TestPublishValidation(t *testing.T) {
	b, _, _ := newTestBroadcaster(false)

	_, err := b.Publish(TopicTarget("t"), "", nil)
	assert.ErrorIs(t, err, EmptyEventTypeErr)

	_, err = b.Publish(Target{Kind: "planet", ID: "x"}, "e", nil)
	assert.ErrorIs(t, err, UnknownKindErr)

	_, err = b.Publish(TopicTarget("t"), "e", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, InvalidPayloadErr)

	_, err = b.Publish(TopicTarget("t"), "e", json.RawMessage(`{"ok":true}`))
	assert.NoError(t, err)
}

func TestResolveTarget(t *testing.T) {
	h := hub.New()
	conn := h.Open("u9")

	assert.Equal(t, ConnectionTarget(conn.ID), ResolveTarget(h, conn.ID))
	assert.Equal(t, UserTarget("u9"), ResolveTarget(h, "user-u9"))
	assert.Equal(t, TopicTarget("conversation-42"), ResolveTarget(h, "conversation-42"))
}

func TestDebugModeDefaults(t *testing.T) {
	assert.False(t, NewDebugMode(false).Enabled())
	assert.True(t, NewDebugMode(true).Enabled())

	b := New(hub.New(), nil)
	assert.False(t, b.Debug().Enabled())
}
