// Package protocol implements the JSON frame format spoken over the live
// streaming connection. Frames are plain values; Encode and Decode convert
// them to and from WebSocket text messages.
package protocol

// Kind identifies a frame variant.
type Kind int

const (
	KindSetup Kind = iota + 1
	KindClientText
	KindClientAudio
	KindClientImage
	KindInterrupt
	KindToolResponse
	KindServerText
	KindServerAudio
	KindServerToolCall
	KindTurnComplete
	KindSetupComplete
	KindServerError
	KindServerInterrupted
)

var kindNames = map[Kind]string{
	KindSetup:             "setup",
	KindClientText:        "client_text",
	KindClientAudio:       "client_audio",
	KindClientImage:       "client_image",
	KindInterrupt:         "interrupt",
	KindToolResponse:      "tool_response",
	KindServerText:        "server_text",
	KindServerAudio:       "server_audio",
	KindServerToolCall:    "tool_call",
	KindTurnComplete:      "turn_complete",
	KindSetupComplete:     "setup_complete",
	KindServerError:       "server_error",
	KindServerInterrupted: "server_interrupted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Frame is one logical protocol message.
type Frame interface {
	Kind() Kind
}

// Modality is a response modality requested in the setup frame.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
)

// Role values used in client turns.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// SpeechConfig selects the synthesized voice.
type SpeechConfig struct {
	VoiceName    string
	LanguageCode string
}

// ToolDeclaration describes a function the model may call.
// Parameters is a JSON schema object.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FunctionCall is a single call requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse answers a FunctionCall with the same ID.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Setup is the first frame of every session.
type Setup struct {
	Model              string
	ResponseModalities []Modality
	SystemInstruction  string
	Tools              []ToolDeclaration
	Speech             *SpeechConfig
}

type ClientText struct {
	Role         string
	Text         string
	TurnComplete bool
}

type ClientAudioChunk struct {
	MimeType string
	Data     []byte
}

type ClientImageChunk struct {
	MimeType string
	Data     []byte
}

// Interrupt asks the server to stop generating the current turn.
type Interrupt struct{}

type ToolResponse struct {
	Responses []FunctionResponse
}

type ServerText struct {
	Text string
}

type ServerAudioChunk struct {
	MimeType string
	Data     []byte
}

// ServerToolCall carries every call the server issued in one message.
type ServerToolCall struct {
	Calls []FunctionCall
}

type TurnComplete struct{}

type SetupComplete struct{}

// ServerInterrupted reports that the server abandoned the current turn
// because it detected user speech.
type ServerInterrupted struct{}

type ServerError struct {
	Code    int
	Message string
}

func (Setup) Kind() Kind             { return KindSetup }
func (ClientText) Kind() Kind        { return KindClientText }
func (ClientAudioChunk) Kind() Kind  { return KindClientAudio }
func (ClientImageChunk) Kind() Kind  { return KindClientImage }
func (Interrupt) Kind() Kind         { return KindInterrupt }
func (ToolResponse) Kind() Kind      { return KindToolResponse }
func (ServerText) Kind() Kind        { return KindServerText }
func (ServerAudioChunk) Kind() Kind  { return KindServerAudio }
func (ServerToolCall) Kind() Kind    { return KindServerToolCall }
func (TurnComplete) Kind() Kind      { return KindTurnComplete }
func (SetupComplete) Kind() Kind     { return KindSetupComplete }
func (ServerError) Kind() Kind       { return KindServerError }
func (ServerInterrupted) Kind() Kind { return KindServerInterrupted }
