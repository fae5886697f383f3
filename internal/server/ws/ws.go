// Package ws serves the stream over a websocket. Frames flow out exactly as on
// the SSE stream; inbound text messages subscribe or unsubscribe the sending
// connection.
package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/identity"
	"github.com/KKKKjl/pushkit/logger"
)

// AckType frames answer inbound control messages.
const AckType = "ack"

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 90 * time.Second
	maxMessageSize   = 4096
)

// pingPeriod must stay below pongWait so an idle reader is pinged in time.
func pingPeriod(pongWait time.Duration) time.Duration {
	return pongWait * 9 / 10
}

// Message is an inbound control message.
type Message struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type Ack struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
}

type WsHandler struct {
	upgrader  websocket.Upgrader
	hub       *hub.Hub
	identity  identity.Resolver
	writeWait time.Duration
	pongWait  time.Duration
	now       func() time.Time
	logger    *logrus.Entry
}

type Option func(*WsHandler)

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(ws *WsHandler) {
		ws.upgrader.CheckOrigin = fn
	}
}

// WithPongWait bounds how long a silent peer is kept.
func WithPongWait(d time.Duration) Option {
	return func(ws *WsHandler) {
		if d > 0 {
			ws.pongWait = d
		}
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(ws *WsHandler) {
		ws.logger = entry
	}
}

func WithClock(now func() time.Time) Option {
	return func(ws *WsHandler) {
		ws.now = now
	}
}

func NewWsHandler(h *hub.Hub, resolver identity.Resolver, opts ...Option) *WsHandler {
	if resolver == nil {
		resolver = identity.Anonymous{}
	}

	ws := &WsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		hub:       h,
		identity:  resolver,
		writeWait: defaultWriteWait,
		pongWait:  defaultPongWait,
		now:       time.Now,
		logger:    logger.Component("ws"),
	}

	for _, opt := range opts {
		opt(ws)
	}

	return ws
}

func (ws *WsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		ws.logger.Errorf("Upgrade error: %v", err)
		return
	}
	defer wsConn.Close()

	userID, err := ws.identity.Resolve(r)
	if err != nil {
		ws.logger.Errorf("Resolve identity error: %v", err)
		ws.reject(wsConn, err)
		return
	}

	conn := ws.hub.Open(userID)
	defer ws.hub.Close(conn.ID)

	connected, _ := json.Marshal(map[string]string{"clientId": conn.ID, "userId": userID})
	if err := ws.write(wsConn, hub.Frame{Type: hub.ConnectedType, Payload: connected, Timestamp: ws.now().UTC()}); err != nil {
		return
	}

	ws.setPingHandler(wsConn, conn)
	ws.setPongHandler(wsConn, conn)
	ws.setCloseHandler(wsConn, conn)

	go ws.read(wsConn, conn)
	ws.writeLoop(wsConn, conn)
}

func (ws *WsHandler) reject(wsConn *websocket.Conn, cause error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"message": cause.Error(),
		"code":    http.StatusUnauthorized,
	})

	_ = ws.write(wsConn, hub.Frame{Type: hub.ErrorType, Payload: payload, Timestamp: ws.now().UTC()})
	_ = wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity"), ws.now().Add(ws.writeWait))
}

// writeLoop is the only writer of data frames on wsConn. It also pings the
// peer, browsers never send on an idle socket.
func (ws *WsHandler) writeLoop(wsConn *websocket.Conn, conn *hub.Connection) {
	ticker := time.NewTicker(pingPeriod(ws.pongWait))
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			_ = wsConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), ws.now().Add(ws.writeWait))
			return

		case <-ticker.C:
			if err := wsConn.WriteControl(websocket.PingMessage, nil, ws.now().Add(ws.writeWait)); err != nil {
				ws.logger.WithField("conn_id", conn.ID).Debugf("Ping error: %v", err)
				return
			}

		case frame := <-conn.Frames():
			if err := ws.write(wsConn, frame); err != nil {
				ws.logger.WithField("conn_id", conn.ID).Debugf("Write error: %v", err)
				return
			}
			ws.hub.Touch(conn.ID)
		}
	}
}

func (ws *WsHandler) write(wsConn *websocket.Conn, frame hub.Frame) error {
	if err := wsConn.SetWriteDeadline(ws.now().Add(ws.writeWait)); err != nil {
		return err
	}

	return wsConn.WriteJSON(&frame)
}

func (ws *WsHandler) read(wsConn *websocket.Conn, conn *hub.Connection) {
	defer ws.hub.Close(conn.ID)

	wsConn.SetReadLimit(maxMessageSize)
	_ = wsConn.SetReadDeadline(ws.now().Add(ws.pongWait))

	for {
		messageType, message, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.logger.WithField("conn_id", conn.ID).Errorf("Read error: %v", err)
			}
			return
		}

		_ = wsConn.SetReadDeadline(ws.now().Add(ws.pongWait))
		ws.hub.Touch(conn.ID)

		if messageType != websocket.TextMessage {
			ws.logger.Debugf("Ignore message type %d from %s", messageType, conn.ID)
			continue
		}

		ws.handleMsg(conn, message)
	}
}

func (ws *WsHandler) handleMsg(conn *hub.Connection, message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		ws.logger.WithField("conn_id", conn.ID).Debugf("Parse msg error: %v", err)
		ws.ack(conn, Ack{Action: msg.Action, Message: "invalid message"})
		return
	}

	msg.Topic = strings.TrimSpace(msg.Topic)

	switch msg.Action {
	case "subscribe", "unsubscribe":
		if msg.Topic == "" {
			ws.ack(conn, Ack{Action: msg.Action, Message: "topic is required"})
			return
		}

		var ok bool
		if msg.Action == "subscribe" {
			ok = ws.hub.Subscribe(conn.ID, msg.Topic)
		} else {
			ok = ws.hub.Unsubscribe(conn.ID, msg.Topic)
		}
		ws.logger.WithFields(logrus.Fields{"conn_id": conn.ID, "topic": msg.Topic}).Debugf("Ws %s.", msg.Action)
		ws.ack(conn, Ack{Success: ok, Action: msg.Action, Topic: msg.Topic})

	default:
		ws.ack(conn, Ack{Action: msg.Action, Message: "unknown action"})
	}
}

func (ws *WsHandler) ack(conn *hub.Connection, ack Ack) {
	payload, _ := json.Marshal(&ack)
	if err := conn.Send(hub.Frame{Type: AckType, Payload: payload, Timestamp: ws.now().UTC()}); err != nil {
		ws.hub.Close(conn.ID)
	}
}

// ping handler callback
func (ws *WsHandler) setPingHandler(wsConn *websocket.Conn, conn *hub.Connection) {
	wsConn.SetPingHandler(func(msg string) error {
		ws.hub.Touch(conn.ID)
		_ = wsConn.SetReadDeadline(ws.now().Add(ws.pongWait))

		err := wsConn.WriteControl(websocket.PongMessage, []byte(msg), ws.now().Add(ws.writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

// pong handler callback
func (ws *WsHandler) setPongHandler(wsConn *websocket.Conn, conn *hub.Connection) {
	wsConn.SetPongHandler(func(string) error {
		ws.hub.Touch(conn.ID)
		return wsConn.SetReadDeadline(ws.now().Add(ws.pongWait))
	})
}

// close handler callback
func (ws *WsHandler) setCloseHandler(wsConn *websocket.Conn, conn *hub.Connection) {
	wsConn.SetCloseHandler(func(code int, text string) error {
		ws.logger.WithField("conn_id", conn.ID).Debugf("Received close message with code: %d, text: %s", code, text)
		ws.hub.Close(conn.ID)
		return nil
	})
}

// CheckOrigin allows the listed origins, "*" allows all. Requests without an
// Origin header and same-host requests are always allowed.
func CheckOrigin(origins []string) func(r *http.Request) bool {
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}

		for _, o := range origins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}

		uri, err := url.Parse(origin)
		if err != nil {
			return false
		}

		return strings.EqualFold(r.Host, uri.Host)
	}
}
