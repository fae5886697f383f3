package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/sse"
)

type connectedPayload struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// stream serves one SSE connection. The handler goroutine is the only writer
// of the response and runs until the client goes away or the hub closes the
// connection.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", sse.ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.retryHint > 0 {
		_ = sse.WriteRetry(w, s.retryHint)
	}

	userID, err := s.identity.Resolve(r)
	if err != nil {
		s.logger.WithField("remote", r.RemoteAddr).Errorf("Resolve identity error: %v", err)
		_ = sse.WriteFrame(w, s.frame(hub.ErrorType, &errorPayload{Message: err.Error(), Code: http.StatusUnauthorized}))
		flusher.Flush()
		return
	}

	conn := s.hub.Open(userID)
	defer s.hub.Close(conn.ID)

	log := s.logger.WithFields(logrus.Fields{"conn_id": conn.ID, "user_id": userID})

	if err := sse.WriteFrame(w, s.frame(hub.ConnectedType, &connectedPayload{ClientID: conn.ID, UserID: userID})); err != nil {
		log.Debugf("Write connected frame error: %v", err)
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Client went away.")
			return

		case <-conn.Done():
			return

		case frame := <-conn.Frames():
			if err := sse.WriteFrame(w, frame); err != nil {
				log.Debugf("Write error: %v", err)
				return
			}
			flusher.Flush()
			s.hub.Touch(conn.ID)
		}
	}
}

func (s *Server) frame(typ string, payload interface{}) hub.Frame {
	buf, _ := json.Marshal(payload)

	return hub.Frame{
		Type:      typ,
		Payload:   buf,
		Timestamp: time.Now().UTC(),
	}
}
