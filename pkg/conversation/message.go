package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

// Message is a single conversation message captured at a node.
//
// The ID is stable across branch copies, which is what lets a three-way merge
// tell the messages a branch inherited apart from the ones it added.
type Message struct {
	ID       string                 `json:"id" yaml:"id"`
	Role     Role                   `json:"role" yaml:"role"`
	Content  string                 `json:"content" yaml:"content"`
	Time     time.Time              `json:"timestamp" yaml:"timestamp"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(message *Message) {
		message.Metadata = metadata
	}
}

func WithTime(time time.Time) MessageOption {
	return func(message *Message) {
		message.Time = time
	}
}

func WithID(id string) MessageOption {
	return func(message *Message) {
		message.ID = id
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
		Time:    time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

type Conversation []*Message

// Size returns the summed byte length of all message contents.
func (messages Conversation) Size() int {
	size := 0
	for _, m := range messages {
		size += len(m.Content)
	}
	return size
}

// IDs returns the set of message ids in the conversation.
func (messages Conversation) IDs() map[string]struct{} {
	ret := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		ret[m.ID] = struct{}{}
	}
	return ret
}

// NullIndex returns the index of the first nil message, or -1.
func (messages Conversation) NullIndex() int {
	for i, m := range messages {
		if m == nil {
			return i
		}
	}
	return -1
}
