package session

import (
	"errors"

	"github.com/room4-2/voicelink/conversation"
)

var (
	ErrConfiguration         = errors.New("invalid configuration")
	ErrNotInitialized        = errors.New("assistant is not initialized")
	ErrNotConnected          = errors.New("not connected to the live service")
	ErrEmptyText             = errors.New("message text is empty")
	ErrScreenContextDisabled = errors.New("screen context is disabled")
	ErrNoCaptureDevice       = errors.New("no capture device configured")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrUnknownToolCall       = errors.New("no outstanding tool call with that id")
	ErrShutdown              = errors.New("assistant is shut down")
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventMessage carries a snapshot of a message that was added or grew.
	EventMessage EventKind = iota + 1
	EventConnection
	EventSpeaking
	EventToolCall
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnection:
		return "connection"
	case EventSpeaking:
		return "speaking"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a UI notification. Only the fields relevant to Kind are set.
// Message is a private copy.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        *conversation.Message
	Connected      bool
	Speaking       bool
	ToolCalls      []conversation.ToolCall
	Err            error
}
