package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	tx "github.com/KKKKjl/pushkit/internal/context"
	"github.com/KKKKjl/pushkit/internal/stats"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionStats       = "stats"
	ActionDebug       = "debug"
)

type ControlRequest struct {
	ClientID string          `json:"clientId"`
	Action   string          `json:"action"`
	Topic    string          `json:"topic,omitempty"`
	Enabled  json.RawMessage `json:"enabled,omitempty"`
}

type ControlResponse struct {
	Success   bool            `json:"success"`
	Action    string          `json:"action"`
	Topic     string          `json:"topic,omitempty"`
	Stats     *stats.Snapshot `json:"stats,omitempty"`
	DebugMode *bool           `json:"debugMode,omitempty"`
}

type DebugResponse struct {
	DebugMode bool `json:"debugMode"`
}

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request) {
	ctx := tx.New(w, r)

	var req ControlRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.AbortWithMsg(http.StatusBadRequest, err.Error())
		return
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	req.Action = strings.TrimSpace(req.Action)
	req.Topic = strings.TrimSpace(req.Topic)

	if req.ClientID == "" {
		ctx.AbortWithMsg(http.StatusBadRequest, "clientId is required")
		return
	}
	if req.Action == "" {
		ctx.AbortWithMsg(http.StatusBadRequest, "action is required")
		return
	}

	log := s.logger.WithFields(logrus.Fields{"conn_id": req.ClientID, "action": req.Action})

	switch req.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if req.Topic == "" {
			ctx.AbortWithMsg(http.StatusBadRequest, "topic is required for "+req.Action)
			return
		}

		var ok bool
		if req.Action == ActionSubscribe {
			ok = s.hub.Subscribe(req.ClientID, req.Topic)
		} else {
			ok = s.hub.Unsubscribe(req.ClientID, req.Topic)
		}
		if !ok {
			log.WithField("topic", req.Topic).Debug("Connection already gone.")
		}

		ctx.ToJSON(http.StatusOK, &ControlResponse{Success: ok, Action: req.Action, Topic: req.Topic})

	case ActionStats:
		snapshot := s.stats.Snapshot()
		ctx.ToJSON(http.StatusOK, &ControlResponse{Success: true, Action: req.Action, Stats: &snapshot})

	case ActionDebug:
		enabled, ok := parseBool(req.Enabled)
		if !ok {
			ctx.AbortWithMsg(http.StatusBadRequest, "enabled must be a boolean")
			return
		}

		s.broadcaster.Debug().Set(enabled)
		log.Infof("Debug mode set to %v.", enabled)

		mode := s.broadcaster.Debug().Enabled()
		ctx.ToJSON(http.StatusOK, &ControlResponse{Success: true, Action: req.Action, DebugMode: &mode})

	default:
		ctx.AbortWithMsg(http.StatusBadRequest, "unknown action "+req.Action)
	}
}

func (s *Server) debugQuery(w http.ResponseWriter, r *http.Request) {
	tx.New(w, r).ToJSON(http.StatusOK, &DebugResponse{DebugMode: s.broadcaster.Debug().Enabled()})
}

// parseBool accepts only a JSON true or false.
func parseBool(raw json.RawMessage) (bool, bool) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}

	return false, false
}
