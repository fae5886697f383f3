package broadcast

import (
	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/topic"
)

type Kind string

const (
	KindConnection Kind = "connection"
	KindUser       Kind = "user"
	KindTopic      Kind = "topic"
)

// Target addresses one connection, every connection of a user, or the
// subscribers of a topic.
type Target struct {
	Kind Kind
	ID   string
}

func ConnectionTarget(connID string) Target {
	return Target{Kind: KindConnection, ID: connID}
}

func UserTarget(userID string) Target {
	return Target{Kind: KindUser, ID: userID}
}

func TopicTarget(name string) Target {
	return Target{Kind: KindTopic, ID: name}
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID
}

// ResolveTarget maps a relay channel to a target: an open connection id
// first, then a user topic, otherwise a plain topic.
func ResolveTarget(h *hub.Hub, channel string) Target {
	if _, ok := h.Get(channel); ok {
		return ConnectionTarget(channel)
	}

	if userID, ok := topic.ParseUser(channel); ok {
		return UserTarget(userID)
	}

	return TopicTarget(channel)
}
