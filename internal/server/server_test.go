package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"

	"github.com/KKKKjl/pushkit/internal/broadcast"
	"github.com/KKKKjl/pushkit/internal/filter"
	"github.com/KKKKjl/pushkit/internal/filter/filter_impl"
	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/identity"
	"github.com/KKKKjl/pushkit/internal/relay"
	"github.com/KKKKjl/pushkit/internal/sse"
	"github.com/KKKKjl/pushkit/internal/stats"
)

type streamClient struct {
	id     string
	frames chan hub.Frame
	cancel context.CancelFunc
}

type ServerSuite struct {
	suite.Suite

	hub    *hub.Hub
	hook   *test.Hook
	server *httptest.Server
}

func (suite *ServerSuite) SetupTest() {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	suite.hook = hook
	suite.hub = hub.New()

	b := broadcast.New(suite.hub, broadcast.NewDebugMode(false), broadcast.WithLogger(log.WithField("prefix", "broadcast")))

	reg := prometheus.NewRegistry()
	srv := New(b,
		WithIdentity(identity.Header{Name: "X-User-Id"}),
		WithGatherer(reg),
		WithFilters(
			[]filter.Handler{filter_impl.InitCors([]string{"*"})},
			[]filter.Handler{filter_impl.InitRateLimit(1000, 1000)},
		),
	)
	reg.MustRegister(srv.Stats())

	suite.server = httptest.NewServer(srv.Handler())
}

func (suite *ServerSuite) TearDownTest() {
	suite.hub.CloseAll()
	suite.server.Close()
}

// open starts an SSE stream and waits for its connected frame.
func (suite *ServerSuite) open(userID string) *streamClient {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, suite.server.URL+StreamPath, nil)
	suite.Require().NoError(err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	suite.Require().NoError(err)
	suite.Require().Equal(http.StatusOK, resp.StatusCode)
	suite.Require().Equal(sse.ContentType, resp.Header.Get("Content-Type"))

	c := &streamClient{frames: make(chan hub.Frame, 16), cancel: cancel}
	go func() {
		defer resp.Body.Close()
		defer close(c.frames)

		r := sse.NewReader(resp.Body)
		for {
			data, err := r.Next()
			if err != nil {
				return
			}
			var f hub.Frame
			if json.Unmarshal(data, &f) == nil {
				c.frames <- f
			}
		}
	}()

	f := suite.next(c)
	suite.Require().Equal(hub.ConnectedType, f.Type)

	var payload connectedPayload
	suite.Require().NoError(json.Unmarshal(f.Payload, &payload))
	suite.Require().NotEmpty(payload.ClientID)
	suite.Equal(userID, payload.UserID)
	c.id = payload.ClientID

	suite.T().Cleanup(cancel)
	return c
}

func (suite *ServerSuite) next(c *streamClient) hub.Frame {
	select {
	case f, ok := <-c.frames:
		suite.Require().True(ok, "stream ended")
		return f
	case <-time.After(2 * time.Second):
		suite.FailNow("no frame received")
	}
	return hub.Frame{}
}

func (suite *ServerSuite) silent(c *streamClient) {
	select {
	case f, ok := <-c.frames:
		if ok {
			suite.Failf("unexpected frame", "type %q", f.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (suite *ServerSuite) post(path, body string) (int, map[string]interface{}) {
	resp, err := http.Post(suite.server.URL+path, "application/json", strings.NewReader(body))
	suite.Require().NoError(err)
	defer resp.Body.Close()

	out := make(map[string]interface{})
	buf, _ := io.ReadAll(resp.Body)
	if len(buf) > 0 {
		suite.Require().NoError(json.Unmarshal(buf, &out), string(buf))
	}

	return resp.StatusCode, out
}

func (suite *ServerSuite) control(req ControlRequest) (int, map[string]interface{}) {
	buf, err := json.Marshal(&req)
	suite.Require().NoError(err)
	return suite.post(ControlPath, string(buf))
}

func (suite *ServerSuite) TestRelayReachesOnlySubscriber() {
	a := suite.open("")
	b := suite.open("")

	code, body := suite.control(ControlRequest{ClientID: a.id, Action: ActionSubscribe, Topic: "conversation-42"})
	suite.Equal(http.StatusOK, code)
	suite.Equal(map[string]interface{}{"success": true, "action": "subscribe", "topic": "conversation-42"}, body)

	code, body = suite.post(RelayPath, `{"channel":"conversation-42","event":"message","data":{"text":"hi"}}`)
	suite.Equal(http.StatusOK, code)
	suite.Equal(true, body["success"])
	suite.Equal(float64(1), body["delivered"])

	f := suite.next(a)
	suite.Equal("message", f.Type)
	var payload map[string]string
	suite.Require().NoError(json.Unmarshal(f.Payload, &payload))
	suite.Equal("hi", payload["text"])
	suite.False(f.Timestamp.IsZero())

	suite.silent(b)
}

func (suite *ServerSuite) TestRelayToUserTabs() {
	tab1 := suite.open("u1")
	tab2 := suite.open("u1")
	other := suite.open("u2")

	code, body := suite.post(RelayPath, `{"channel":"user-u1","event":"booking.updated","data":{"id":7}}`)
	suite.Equal(http.StatusOK, code)
	suite.Equal(float64(2), body["delivered"])

	suite.Equal("booking.updated", suite.next(tab1).Type)
	suite.Equal("booking.updated", suite.next(tab2).Type)
	suite.silent(other)
}

func (suite *ServerSuite) TestDebugToggle() {
	a := suite.open("")
	suite.control(ControlRequest{ClientID: a.id, Action: ActionSubscribe, Topic: "t"})

	published := func() int {
		n := 0
		for _, e := range suite.hook.AllEntries() {
			if e.Message == "Published event." {
				n++
			}
		}
		return n
	}
	debugMode := func() bool {
		resp, err := http.Get(suite.server.URL + DebugPath)
		suite.Require().NoError(err)
		defer resp.Body.Close()

		var out DebugResponse
		suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
		return out.DebugMode
	}

	suite.False(debugMode())
	suite.post(RelayPath, `{"channel":"t","event":"quiet"}`)
	suite.next(a)
	suite.Equal(0, published())

	code, body := suite.control(ControlRequest{ClientID: a.id, Action: ActionDebug, Enabled: json.RawMessage(`true`)})
	suite.Equal(http.StatusOK, code)
	suite.Equal(map[string]interface{}{"success": true, "action": "debug", "debugMode": true}, body)
	suite.True(debugMode())

	suite.post(RelayPath, `{"channel":"t","event":"loud"}`)
	suite.next(a)
	suite.Equal(1, published())
	entry := suite.hook.LastEntry()
	suite.Equal("topic:t", entry.Data["target"])
	suite.Equal("loud", entry.Data["type"])
	suite.Equal(1, entry.Data["subscribers"])

	code, body = suite.control(ControlRequest{ClientID: a.id, Action: ActionDebug, Enabled: json.RawMessage(`false`)})
	suite.Equal(http.StatusOK, code)
	suite.Equal(false, body["debugMode"])
	suite.False(debugMode())

	suite.post(RelayPath, `{"channel":"t","event":"quiet-again"}`)
	suite.next(a)
	suite.Equal(1, published())
}

func (suite *ServerSuite) TestDisconnectRemovesSubscriptions() {
	a := suite.open("")
	suite.control(ControlRequest{ClientID: a.id, Action: ActionSubscribe, Topic: "conversation-1"})
	suite.Equal([]string{a.id}, suite.hub.SubscribersOf("conversation-1"))

	a.cancel()

	suite.Eventually(func() bool {
		_, ok := suite.hub.Get(a.id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	suite.Empty(suite.hub.TopicsOf(a.id))
	suite.Empty(suite.hub.SubscribersOf("conversation-1"))
}

func (suite *ServerSuite) TestServerCloseEndsStream() {
	a := suite.open("")
	suite.hub.Close(a.id)

	select {
	case _, ok := <-a.frames:
		suite.False(ok)
	case <-time.After(2 * time.Second):
		suite.Fail("stream still open")
	}
}

func (suite *ServerSuite) TestControlValidation() {
	a := suite.open("")

	expects := []struct {
		Title string
		Body  string
		Code  int
	}{
		{Title: "broken json", Body: `{"clientId":`, Code: http.StatusBadRequest},
		{Title: "missing clientId", Body: `{"action":"stats"}`, Code: http.StatusBadRequest},
		{Title: "missing action", Body: `{"clientId":"` + a.id + `"}`, Code: http.StatusBadRequest},
		{Title: "subscribe without topic", Body: `{"clientId":"` + a.id + `","action":"subscribe"}`, Code: http.StatusBadRequest},
		{Title: "unsubscribe without topic", Body: `{"clientId":"` + a.id + `","action":"unsubscribe","topic":" "}`, Code: http.StatusBadRequest},
		{Title: "debug without enabled", Body: `{"clientId":"` + a.id + `","action":"debug"}`, Code: http.StatusBadRequest},
		{Title: "debug with string", Body: `{"clientId":"` + a.id + `","action":"debug","enabled":"true"}`, Code: http.StatusBadRequest},
		{Title: "debug with number", Body: `{"clientId":"` + a.id + `","action":"debug","enabled":1}`, Code: http.StatusBadRequest},
		{Title: "unknown action", Body: `{"clientId":"` + a.id + `","action":"dance"}`, Code: http.StatusBadRequest},
	}

	for _, tt := range expects {
		code, body := suite.post(ControlPath, tt.Body)
		suite.Equal(tt.Code, code, tt.Title)
		suite.Equal(float64(tt.Code), body["code"], tt.Title)
		suite.NotEmpty(body["message"], tt.Title)
	}
}

func (suite *ServerSuite) TestControlUnknownConnection() {
	code, body := suite.control(ControlRequest{ClientID: "gone", Action: ActionSubscribe, Topic: "t"})
	suite.Equal(http.StatusOK, code)
	suite.Equal(false, body["success"])

	code, body = suite.control(ControlRequest{ClientID: "gone", Action: ActionUnsubscribe, Topic: "t"})
	suite.Equal(http.StatusOK, code)
	suite.Equal(false, body["success"])
	suite.Empty(suite.hub.TopicCounts())
}

func (suite *ServerSuite) TestUnsubscribeNeverSubscribed() {
	a := suite.open("")

	code, body := suite.control(ControlRequest{ClientID: a.id, Action: ActionUnsubscribe, Topic: "never"})
	suite.Equal(http.StatusOK, code)
	suite.Equal(true, body["success"])
}

func (suite *ServerSuite) TestStats() {
	a := suite.open("")
	b := suite.open("")
	suite.control(ControlRequest{ClientID: a.id, Action: ActionSubscribe, Topic: "conversation-1"})
	suite.control(ControlRequest{ClientID: b.id, Action: ActionSubscribe, Topic: "conversation-1"})
	suite.control(ControlRequest{ClientID: b.id, Action: ActionSubscribe, Topic: "user-b"})

	buf, _ := json.Marshal(&ControlRequest{ClientID: a.id, Action: ActionStats})
	resp, err := http.Post(suite.server.URL+ControlPath, "application/json", strings.NewReader(string(buf)))
	suite.Require().NoError(err)
	defer resp.Body.Close()

	var out ControlResponse
	suite.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	suite.True(out.Success)
	suite.Equal(ActionStats, out.Action)
	suite.Equal(&stats.Snapshot{
		OpenConnections: 2,
		TopicCounts:     map[string]int{"conversation-1": 2, "user-b": 1},
	}, out.Stats)
}

func (suite *ServerSuite) TestPreflight() {
	req, _ := http.NewRequest(http.MethodOptions, suite.server.URL+ControlPath, nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	suite.Require().NoError(err)
	resp.Body.Close()

	suite.Equal(http.StatusNoContent, resp.StatusCode)
	suite.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func (suite *ServerSuite) TestMetricsAndPing() {
	suite.open("")

	resp, err := http.Get(suite.server.URL + MetricsPath)
	suite.Require().NoError(err)
	buf, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	suite.Contains(string(buf), "pushkit_open_connections 1")

	resp, err = http.Get(suite.server.URL + "/ping")
	suite.Require().NoError(err)
	buf, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	suite.Equal("pong", string(buf))
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestStreamIdentityError(t *testing.T) {
	h := hub.New()
	failing := identity.ResolverFunc(func(*http.Request) (string, error) {
		return "", errors.New("session store unavailable")
	})
	srv := httptest.NewServer(New(broadcast.New(h, nil), WithIdentity(failing), WithRetryHint(0)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + StreamPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	r := sse.NewReader(resp.Body)
	data, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}

	var f hub.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != hub.ErrorType {
		t.Fatalf("expected error frame, got %q", f.Type)
	}

	var payload errorPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Message != "session store unavailable" || payload.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected stream to close, got %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("expected no open connection, got %d", h.Len())
	}
}

func TestRelaySecretOnServer(t *testing.T) {
	h := hub.New()
	srv := httptest.NewServer(New(broadcast.New(h, nil), WithRelaySecret("s3cret")).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+RelayPath, strings.NewReader(`{"channel":"t","event":"e"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+RelayPath, strings.NewReader(`{"channel":"t","event":"e"}`))
	req.Header.Set(relay.TokenHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRateLimitCoversControlOnly(t *testing.T) {
	h := hub.New()
	srv := httptest.NewServer(New(broadcast.New(h, nil),
		WithFilters(nil, []filter.Handler{filter_impl.InitRateLimit(0.001, 1)}),
	).Handler())
	defer srv.Close()

	codes := make([]int, 0)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+ControlPath, "application/json", strings.NewReader(`{"action":"stats"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected second control call to be throttled, got %v", codes)
	}

	for i := 0; i < 3; i++ {
		resp, err := http.Post(srv.URL+RelayPath, "application/json", strings.NewReader(`{"channel":"t","event":"e"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("relay call %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
}
