package messages

import "encoding/json"

// Client message types
const (
	TypeText         = "text"
	TypeAudio        = "audio"
	TypeImage        = "image"
	TypeControl      = "control"
	TypeToolResponse = "tool_response"
	TypeSettings     = "settings"
	TypeConversation = "conversation"
)

// Control actions
const (
	ActionPing            = "ping"
	ActionInterrupt       = "interrupt"
	ActionStartListening  = "start_listening"
	ActionStopListening   = "stop_listening"
	ActionNewConversation = "new_conversation"
	ActionStatus          = "status"
)

// Conversation actions
const (
	ConversationList   = "list"
	ConversationLoad   = "load"
	ConversationDelete = "delete"
)

// ClientMessage represents a message from a UI client. Raw PCM may also be
// sent as a binary WebSocket message.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TextPayload is a typed user message.
type TextPayload struct {
	Text string `json:"text"`
}

// AudioPayload contains microphone audio from the client
type AudioPayload struct {
	Data string `json:"data"` // Base64-encoded PCM, 16 kHz 16-bit mono
}

// ImagePayload contains a screenshot
type ImagePayload struct {
	Data string `json:"data"` // Base64-encoded PNG or JPEG
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"`
}

type ToolResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ToolResponsePayload answers tool calls announced by a tool_call message.
type ToolResponsePayload struct {
	Responses []ToolResult `json:"responses"`
}

// SettingsUpdatePayload changes one user setting. Field uses the settings
// file names, e.g. "voice_name" or "volume".
type SettingsUpdatePayload struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type ConversationPayload struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}
