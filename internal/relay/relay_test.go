package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KKKKjl/pushkit/internal/broadcast"
	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/metrics"
)

func newStreamHost(t *testing.T, secret string) (*hub.Hub, *httptest.Server) {
	t.Helper()

	h := hub.New()
	b := broadcast.New(h, nil)
	srv := httptest.NewServer(NewHandler(b, secret))
	t.Cleanup(srv.Close)

	return h, srv
}

func receive(t *testing.T, conn *hub.Connection) hub.Frame {
	t.Helper()

	select {
	case f := <-conn.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return hub.Frame{}
}

func TestHTTPRelayReachesSubscriber(t *testing.T) {
	h, srv := newStreamHost(t, "")
	a := h.Open("")
	other := h.Open("")
	h.Subscribe(a.ID, "conversation-42")

	client := NewHTTPClient(StaticResolver(srv.URL))
	err := client.Relay(context.Background(), Message{
		Channel: "conversation-42",
		Event:   "message",
		Data:    json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)

	f := receive(t, a)
	assert.Equal(t, "message", f.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(f.Payload))

	select {
	case f := <-other.Frames():
		t.Fatalf("unexpected frame %q", f.Type)
	default:
	}
}

func TestHTTPRelayToConnectionAndUser(t *testing.T) {
	h, srv := newStreamHost(t, "")
	tab := h.Open("u1")
	direct := h.Open("")

	client := NewHTTPClient(StaticResolver(srv.URL))
	require.NoError(t, client.Relay(context.Background(), Message{Channel: "user-u1", Event: "booking.updated"}))
	require.NoError(t, client.Relay(context.Background(), Message{Channel: direct.ID, Event: "direct"}))

	assert.Equal(t, "booking.updated", receive(t, tab).Type)
	assert.Equal(t, "direct", receive(t, direct).Type)
}

func TestHandlerAck(t *testing.T) {
	h, srv := newStreamHost(t, "")
	a := h.Open("")
	h.Subscribe(a.ID, "t")

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"channel":"t","event":"e","data":[1,2]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var ack Ack
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Ack{Success: true, Delivered: 1}, ack)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	_, srv := newStreamHost(t, "")

	tests := []struct {
		name string
		body string
		code int
	}{
		{"broken json", `{"channel":`, http.StatusBadRequest},
		{"missing channel", `{"event":"e"}`, http.StatusBadRequest},
		{"missing event", `{"channel":"t"}`, http.StatusBadRequest},
		{"blank event", `{"channel":"t","event":"  "}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlerSecret(t *testing.T) {
	h, srv := newStreamHost(t, "s3cret")
	a := h.Open("")
	h.Subscribe(a.ID, "t")

	msg := Message{Channel: "t", Event: "e"}

	err := NewHTTPClient(StaticResolver(srv.URL)).Relay(context.Background(), msg)
	assert.ErrorIs(t, err, DroppedErr)

	err = NewHTTPClient(StaticResolver(srv.URL), WithSecret("wrong")).Relay(context.Background(), msg)
	assert.ErrorIs(t, err, DroppedErr)

	err = NewHTTPClient(StaticResolver(srv.URL), WithSecret("s3cret")).Relay(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "e", receive(t, a).Type)
}

func TestRelayUnreachableDropsEvent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	client := NewHTTPClient(StaticResolver(url), WithTimeout(time.Second), WithMetrics(m))
	err := client.Relay(context.Background(), Message{Channel: "t", Event: "e"})
	assert.ErrorIs(t, err, DroppedErr)

	n, err := testutil.GatherAndCount(reg, "pushkit_relay_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type endpoints []string

func (e endpoints) Resolve(context.Context) ([]string, error) {
	return e, nil
}

func TestHTTPRelayFansOutToEveryHost(t *testing.T) {
	h1, srv1 := newStreamHost(t, "")
	h2, srv2 := newStreamHost(t, "")
	a := h1.Open("")
	b := h2.Open("")
	h1.Subscribe(a.ID, "t")
	h2.Subscribe(b.ID, "t")

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	client := NewHTTPClient(endpoints{srv1.URL, dead.URL, srv2.URL})
	require.NoError(t, client.Relay(context.Background(), Message{Channel: "t", Event: "e"}))

	assert.Equal(t, "e", receive(t, a).Type)
	assert.Equal(t, "e", receive(t, b).Type)

	err := NewHTTPClient(endpoints{}).Relay(context.Background(), Message{Channel: "t", Event: "e"})
	assert.ErrorIs(t, err, DroppedErr)
}

func TestRelayValidatesBeforeSending(t *testing.T) {
	client := NewHTTPClient(StaticResolver("http://127.0.0.1:1"))

	assert.ErrorIs(t, client.Relay(context.Background(), Message{Event: "e"}), EmptyChannelErr)
	assert.ErrorIs(t, client.Relay(context.Background(), Message{Channel: "t"}), EmptyEventErr)
}

func TestMsgpackCodec(t *testing.T) {
	in := Message{Channel: "conversation-1", Event: "message", Data: json.RawMessage(`{"text":"hi"}`)}

	buf, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, in.Channel, out.Channel)
	assert.Equal(t, in.Event, out.Event)
	assert.JSONEq(t, string(in.Data), string(out.Data))

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestRedisSubscriberHandle(t *testing.T) {
	h := hub.New()
	b := broadcast.New(h, nil)
	a := h.Open("")
	h.Subscribe(a.ID, "t")

	s := NewRedisSubscriber(nil, "", b)
	assert.Equal(t, DefaultRedisChannel, s.channel)

	buf, err := Encode(Message{Channel: "t", Event: "e"})
	require.NoError(t, err)

	s.handle([]byte("garbage"))
	s.handle(buf)
	assert.Equal(t, "e", receive(t, a).Type)
}
