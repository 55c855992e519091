// Package conversation holds the transcript model shared by the session
// orchestrator, the archive and the UI bridge.
package conversation

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is used until the first user message names the conversation.
const DefaultTitle = "New Conversation"

const maxTitleRunes = 50

// ErrMessageComplete is returned when appending to a finished message.
var ErrMessageComplete = errors.New("message is already complete")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResponse answers the ToolCall with the same ID.
type ToolResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Message is one transcript entry. Assistant messages are built up from
// streamed fragments while Complete is false and frozen afterwards.
type Message struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	Text          string         `json:"text,omitempty"`
	AudioData     []byte         `json:"audio_data,omitempty"`
	AudioMimeType string         `json:"audio_mime_type,omitempty"`
	ImageData     []byte         `json:"image_data,omitempty"`
	ImageMimeType string         `json:"image_mime_type,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Complete      bool           `json:"complete"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	ToolResponses []ToolResponse `json:"tool_responses,omitempty"`
}

// NewMessage creates an empty, incomplete message.
func NewMessage(role Role) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Timestamp: time.Now(),
	}
}

// NewTextMessage creates a complete text message.
func NewTextMessage(role Role, text string) *Message {
	m := NewMessage(role)
	m.Text = text
	m.Complete = true
	return m
}

func (m *Message) AppendText(text string) error {
	if m.Complete {
		return ErrMessageComplete
	}
	m.Text += text
	return nil
}

func (m *Message) AppendAudio(mimeType string, data []byte) error {
	if m.Complete {
		return ErrMessageComplete
	}
	if m.AudioMimeType == "" {
		m.AudioMimeType = mimeType
	}
	m.AudioData = append(m.AudioData, data...)
	return nil
}

// Finish marks the message complete. It reports whether the call changed
// anything.
func (m *Message) Finish() bool {
	if m.Complete {
		return false
	}
	m.Complete = true
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.AudioData = slices.Clone(m.AudioData)
	c.ImageData = slices.Clone(m.ImageData)
	c.ToolCalls = slices.Clone(m.ToolCalls)
	c.ToolResponses = slices.Clone(m.ToolResponses)
	return &c
}

// Conversation is an ordered, append-only list of messages.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Active    bool       `json:"active"`
	Messages  []*Message `json:"messages"`
}

// New creates an empty conversation.
func New() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.New().String(),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []*Message{},
	}
}

// Append adds a message. The first user text message also becomes the title.
func (c *Conversation) Append(m *Message) {
	c.Messages = append(c.Messages, m)
	c.Touch()
	if c.Title == DefaultTitle && m.Role == RoleUser && strings.TrimSpace(m.Text) != "" {
		c.Title = TitleFrom(m.Text)
	}
}

// Touch records a modification.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now()
}

// Find returns the message with the given ID.
func (c *Conversation) Find(id string) (*Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Last returns the most recent message, or nil.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

func (c *Conversation) Summary() Summary {
	return Summary{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
	}
}

// TitleFrom derives a title from message text, shortened to 50 runes.
func TitleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxTitleRunes {
		return text
	}
	return string(runes[:maxTitleRunes]) + "..."
}

// SortByRecent orders summaries newest first.
func SortByRecent(list []Summary) {
	slices.SortStableFunc(list, func(a, b Summary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
