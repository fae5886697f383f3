// Package topic maps domain entities to subscription topic names.
package topic

import "strings"

const (
	UserPrefix         = "user-"
	ConversationPrefix = "conversation-"
)

func User(userID string) string {
	return UserPrefix + userID
}

func Conversation(conversationID string) string {
	return ConversationPrefix + conversationID
}

// ParseUser returns the user id encoded in a user topic.
func ParseUser(topic string) (string, bool) {
	return parse(topic, UserPrefix)
}

// ParseConversation returns the conversation id encoded in a conversation topic.
func ParseConversation(topic string) (string, bool) {
	return parse(topic, ConversationPrefix)
}

func parse(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}

	id := topic[len(prefix):]
	if id == "" {
		return "", false
	}

	return id, true
}
