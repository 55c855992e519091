package protocol

// Wire shapes. Keys are snake_case; binary payloads travel as base64 strings.

type wireMessage struct {
	Setup         *wireSetup         `json:"setup,omitempty"`
	ClientContent *wireClientContent `json:"client_content,omitempty"`
	ToolResponse  *wireToolResponse  `json:"tool_response,omitempty"`
	ServerContent *wireServerContent `json:"server_content,omitempty"`
	ToolCall      *wireToolCall      `json:"tool_call,omitempty"`
	SetupComplete *struct{}          `json:"setup_complete,omitempty"`
	Error         *wireError         `json:"error,omitempty"`
}

type wireSetup struct {
	Model             string                `json:"model"`
	GenerationConfig  *wireGenerationConfig `json:"generation_config,omitempty"`
	SystemInstruction *wireContent          `json:"system_instruction,omitempty"`
	Tools             []wireTool            `json:"tools,omitempty"`
}

type wireGenerationConfig struct {
	ResponseModalities []string          `json:"response_modalities,omitempty"`
	SpeechConfig       *wireSpeechConfig `json:"speech_config,omitempty"`
}

type wireSpeechConfig struct {
	VoiceConfig  *wireVoiceConfig `json:"voice_config,omitempty"`
	LanguageCode string           `json:"language_code,omitempty"`
}

type wireVoiceConfig struct {
	PrebuiltVoiceConfig *wirePrebuiltVoice `json:"prebuilt_voice_config,omitempty"`
}

type wirePrebuiltVoice struct {
	VoiceName string `json:"voice_name"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDeclaration `json:"function_declarations"`
}

type wireFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       *string   `json:"text,omitempty"`
	InlineData *wireBlob `json:"inline_data,omitempty"`
}

type wireBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type wireClientContent struct {
	Turns        []wireContent `json:"turns,omitempty"`
	TurnComplete *bool         `json:"turn_complete,omitempty"`
	Interrupt    bool          `json:"interrupt,omitempty"`
}

type wireToolResponse struct {
	FunctionResponses []wireFunctionResponse `json:"function_responses"`
}

type wireFunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type wireServerContent struct {
	ModelTurn    *wireContent `json:"model_turn,omitempty"`
	TurnComplete bool         `json:"turn_complete,omitempty"`
	Interrupted  bool         `json:"interrupted,omitempty"`
}

type wireToolCall struct {
	FunctionCalls []wireFunctionCall `json:"function_calls"`
}

type wireFunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type wireError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// topLevelKeys are the discriminants of frames we understand.
var topLevelKeys = map[string]bool{
	"setup":          true,
	"client_content": true,
	"tool_response":  true,
	"server_content": true,
	"tool_call":      true,
	"setup_complete": true,
	"error":          true,
}

// informationalKeys are recognized but carry nothing we act on.
var informationalKeys = map[string]bool{
	"usage_metadata":            true,
	"session_resumption_update": true,
	"go_away":                   true,
	"tool_call_cancellation":    true,
}

// opaqueKeys hold caller-defined objects whose keys must not be rewritten.
var opaqueKeys = map[string]bool{
	"args":       true,
	"response":   true,
	"parameters": true,
}
