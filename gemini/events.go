package gemini

import "github.com/room4-2/voicelink/protocol"

// Event is delivered on Connection.Events.
type Event interface {
	event()
}

// TextEvent carries a text fragment of the current model turn.
type TextEvent struct {
	Text string
}

// AudioEvent carries a chunk of synthesized speech.
type AudioEvent struct {
	MimeType string
	Data     []byte
}

// ToolCallEvent carries every call issued in one server frame.
type ToolCallEvent struct {
	Calls []protocol.FunctionCall
}

type TurnCompleteEvent struct{}

// InterruptedEvent reports that the server abandoned the current turn.
type InterruptedEvent struct{}

// StateEvent reports a state transition. Err is set on transitions caused
// by a failure.
type StateEvent struct {
	SessionID string
	From      State
	To        State
	Err       error
}

// ErrorEvent reports a failure. Fatal errors end the session; the
// corresponding StateEvent follows.
type ErrorEvent struct {
	Err   *Error
	Fatal bool
}

func (TextEvent) event()         {}
func (AudioEvent) event()        {}
func (ToolCallEvent) event()     {}
func (TurnCompleteEvent) event() {}
func (InterruptedEvent) event()  {}
func (StateEvent) event()        {}
func (ErrorEvent) event()        {}
