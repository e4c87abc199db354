package session

import "strings"

// Identity is the opaque user identifier (the trimmed login email).
type Identity string

// Valid reports whether the identity is non-blank.
func (id Identity) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

func (id Identity) String() string {
	return string(id)
}

// Sender identifies who produced a message
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Role returns the completion API role for the sender
func (s Sender) Role() string {
	if s == SenderBot {
		return "assistant"
	}
	return "user"
}

// Conversation is one entry of a user's conversation registry
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Message represents a single chat turn
type Message struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
	Time   string `json:"time"`
}

// TimeLayout is the display format of Message.Time
const TimeLayout = "15:04"

// IndexOf returns the position of the conversation with the given id, or -1.
func IndexOf(conversations []Conversation, id string) int {
	for i, c := range conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}
