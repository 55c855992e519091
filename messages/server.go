package messages

import "github.com/room4-2/voicelink/conversation"

// Error codes
const (
	ErrCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrCodeGeminiError     = "GEMINI_ERROR"
	ErrCodeNotConnected    = "NOT_CONNECTED"
	ErrCodeNotInitialized  = "NOT_INITIALIZED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidSettings = "INVALID_SETTINGS"
	ErrCodeCommandFailed   = "COMMAND_FAILED"
)

// Server message types. Settings and conversation replies reuse the
// client type names.
const (
	TypeMessage       = "message"
	TypeStatus        = "status"
	TypeSpeaking      = "speaking"
	TypeToolCall      = "tool_call"
	TypeError         = "error"
	TypeConversations = "conversations"
)

// Status values
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusPong         = "pong"
	StatusListening    = "listening"
	StatusIdle         = "idle"
)

// ServerMessage represents a message sent to a UI client
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// MessagePayload carries a snapshot of a transcript message.
type MessagePayload struct {
	ConversationID string                `json:"conversationId"`
	Message        *conversation.Message `json:"message"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Speaking  bool   `json:"speaking"`
	Listening bool   `json:"listening"`
	Message   string `json:"message,omitempty"`
}

type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

type ToolCallPayload struct {
	ConversationID string                  `json:"conversationId"`
	Calls          []conversation.ToolCall `json:"calls"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConversationsPayload struct {
	Conversations []conversation.Summary `json:"conversations"`
}

type ConversationReplyPayload struct {
	Conversation *conversation.Conversation `json:"conversation"`
}

// SettingsPayload is the settings view sent to clients. The API key is
// masked.
type SettingsPayload struct {
	APIKey                  string  `json:"apiKey"`
	VoiceName               string  `json:"voiceName"`
	LanguageCode            string  `json:"languageCode"`
	SpeechRate              float64 `json:"speechRate"`
	Volume                  float64 `json:"volume"`
	VoiceActivationEnabled  bool    `json:"voiceActivationEnabled"`
	ScreenContextEnabled    bool    `json:"screenContextEnabled"`
	SaveConversationHistory bool    `json:"saveConversationHistory"`
}

func NewTranscriptMessage(sessionID, conversationID string, msg *conversation.Message) *ServerMessage {
	return &ServerMessage{
		Type:      TypeMessage,
		SessionID: sessionID,
		Payload: MessagePayload{
			ConversationID: conversationID,
			Message:        msg,
		},
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID string, status StatusPayload) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload:   status,
	}
}

func NewSpeakingMessage(sessionID string, speaking bool) *ServerMessage {
	return &ServerMessage{
		Type:      TypeSpeaking,
		SessionID: sessionID,
		Payload:   SpeakingPayload{Speaking: speaking},
	}
}

func NewToolCallMessage(sessionID, conversationID string, calls []conversation.ToolCall) *ServerMessage {
	return &ServerMessage{
		Type:      TypeToolCall,
		SessionID: sessionID,
		Payload: ToolCallPayload{
			ConversationID: conversationID,
			Calls:          calls,
		},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

func NewConversationsMessage(list []conversation.Summary) *ServerMessage {
	if list == nil {
		list = []conversation.Summary{}
	}
	return &ServerMessage{
		Type:    TypeConversations,
		Payload: ConversationsPayload{Conversations: list},
	}
}

func NewConversationMessage(c *conversation.Conversation) *ServerMessage {
	return &ServerMessage{
		Type:    TypeConversation,
		Payload: ConversationReplyPayload{Conversation: c},
	}
}

func NewSettingsMessage(settings SettingsPayload) *ServerMessage {
	return &ServerMessage{
		Type:    TypeSettings,
		Payload: settings,
	}
}
