package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/bytedance/sonic"
)

// json sorts map keys so encoding is deterministic.
var json = sonic.ConfigStd

var (
	// ErrUnknownFrame is returned when a message matches no known shape.
	ErrUnknownFrame = errors.New("unknown frame shape")
	// ErrUnsupportedFrame is returned by Encode for values it cannot encode.
	ErrUnsupportedFrame = errors.New("unsupported frame type")
	// ErrMimeTypeMismatch is returned by Encode for an image chunk without
	// an image/ MIME type or an audio chunk with one. The MIME type is what
	// tells the two apart on the wire.
	ErrMimeTypeMismatch = errors.New("mime type does not match chunk kind")
)

// DecodeError wraps every failure to interpret an incoming message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode converts a frame into a text message payload.
func Encode(f Frame) ([]byte, error) {
	msg, err := toWire(f)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind(), err)
	}
	return data, nil
}

// Decode parses one text message into the frames it carries, in wire order.
// A single server message may hold several parts and a turn completion
// signal, so the result can contain more than one frame. A well formed
// message that carries nothing actionable yields no frames and no error.
func Decode(data []byte) ([]Frame, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if raw == nil {
		return nil, &DecodeError{Reason: "empty message", Err: ErrUnknownFrame}
	}

	normalized := normalizeKeys(raw)
	known := false
	for key := range normalized {
		if topLevelKeys[key] || informationalKeys[key] {
			known = true
			break
		}
	}
	if !known {
		return nil, &DecodeError{Reason: "no recognized field", Err: ErrUnknownFrame}
	}

	buf, err := json.Marshal(normalized)
	if err != nil {
		return nil, &DecodeError{Reason: "re-encode", Err: err}
	}
	var msg wireMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, &DecodeError{Reason: "unexpected field type", Err: err}
	}
	return fromWire(&msg)
}

func toWire(f Frame) (*wireMessage, error) {
	switch v := f.(type) {
	case Setup:
		return &wireMessage{Setup: setupToWire(v)}, nil
	case ClientText:
		text := v.Text
		complete := v.TurnComplete
		return &wireMessage{ClientContent: &wireClientContent{
			Turns:        []wireContent{{Role: v.Role, Parts: []wirePart{{Text: &text}}}},
			TurnComplete: &complete,
		}}, nil
	case ClientAudioChunk:
		if isImageMime(v.MimeType) {
			return nil, fmt.Errorf("encode audio chunk %q: %w", v.MimeType, ErrMimeTypeMismatch)
		}
		return &wireMessage{ClientContent: &wireClientContent{
			Turns: []wireContent{{Role: RoleUser, Parts: []wirePart{{InlineData: blobToWire(v.MimeType, v.Data)}}}},
		}}, nil
	case ClientImageChunk:
		if !isImageMime(v.MimeType) {
			return nil, fmt.Errorf("encode image chunk %q: %w", v.MimeType, ErrMimeTypeMismatch)
		}
		return &wireMessage{ClientContent: &wireClientContent{
			Turns: []wireContent{{Role: RoleUser, Parts: []wirePart{{InlineData: blobToWire(v.MimeType, v.Data)}}}},
		}}, nil
	case Interrupt:
		return &wireMessage{ClientContent: &wireClientContent{Interrupt: true}}, nil
	case ToolResponse:
		out := &wireToolResponse{FunctionResponses: make([]wireFunctionResponse, 0, len(v.Responses))}
		for _, r := range v.Responses {
			out.FunctionResponses = append(out.FunctionResponses, wireFunctionResponse(r))
		}
		return &wireMessage{ToolResponse: out}, nil
	case ServerText:
		text := v.Text
		return &wireMessage{ServerContent: &wireServerContent{
			ModelTurn: &wireContent{Parts: []wirePart{{Text: &text}}},
		}}, nil
	case ServerAudioChunk:
		return &wireMessage{ServerContent: &wireServerContent{
			ModelTurn: &wireContent{Parts: []wirePart{{InlineData: blobToWire(v.MimeType, v.Data)}}},
		}}, nil
	case ServerToolCall:
		out := &wireToolCall{FunctionCalls: make([]wireFunctionCall, 0, len(v.Calls))}
		for _, c := range v.Calls {
			out.FunctionCalls = append(out.FunctionCalls, wireFunctionCall(c))
		}
		return &wireMessage{ToolCall: out}, nil
	case TurnComplete:
		return &wireMessage{ServerContent: &wireServerContent{TurnComplete: true}}, nil
	case ServerInterrupted:
		return &wireMessage{ServerContent: &wireServerContent{Interrupted: true}}, nil
	case SetupComplete:
		return &wireMessage{SetupComplete: &struct{}{}}, nil
	case ServerError:
		return &wireMessage{Error: &wireError{Code: v.Code, Message: v.Message}}, nil
	case nil:
		return nil, fmt.Errorf("encode: nil frame: %w", ErrUnsupportedFrame)
	default:
		return nil, fmt.Errorf("encode %T: %w", f, ErrUnsupportedFrame)
	}
}

func setupToWire(s Setup) *wireSetup {
	out := &wireSetup{Model: s.Model}
	if len(s.ResponseModalities) > 0 || s.Speech != nil {
		gc := &wireGenerationConfig{}
		for _, m := range s.ResponseModalities {
			gc.ResponseModalities = append(gc.ResponseModalities, string(m))
		}
		if s.Speech != nil {
			sc := &wireSpeechConfig{LanguageCode: s.Speech.LanguageCode}
			if s.Speech.VoiceName != "" {
				sc.VoiceConfig = &wireVoiceConfig{
					PrebuiltVoiceConfig: &wirePrebuiltVoice{VoiceName: s.Speech.VoiceName},
				}
			}
			gc.SpeechConfig = sc
		}
		out.GenerationConfig = gc
	}
	if s.SystemInstruction != "" {
		text := s.SystemInstruction
		out.SystemInstruction = &wireContent{Parts: []wirePart{{Text: &text}}}
	}
	if len(s.Tools) > 0 {
		decls := make([]wireFunctionDeclaration, 0, len(s.Tools))
		for _, t := range s.Tools {
			decls = append(decls, wireFunctionDeclaration(t))
		}
		out.Tools = []wireTool{{FunctionDeclarations: decls}}
	}
	return out
}

func blobToWire(mimeType string, data []byte) *wireBlob {
	return &wireBlob{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}
}

func fromWire(msg *wireMessage) ([]Frame, error) {
	var frames []Frame

	if msg.Setup != nil {
		frames = append(frames, setupFromWire(msg.Setup))
	}
	if msg.SetupComplete != nil {
		frames = append(frames, SetupComplete{})
	}
	if cc := msg.ClientContent; cc != nil {
		if cc.Interrupt {
			frames = append(frames, Interrupt{})
		}
		turnComplete := cc.TurnComplete != nil && *cc.TurnComplete
		for _, turn := range cc.Turns {
			for _, part := range turn.Parts {
				if part.Text != nil {
					frames = append(frames, ClientText{Role: turn.Role, Text: *part.Text, TurnComplete: turnComplete})
				}
				if part.InlineData != nil {
					data, err := decodeBlob(part.InlineData)
					if err != nil {
						return nil, err
					}
					if isImageMime(part.InlineData.MimeType) {
						frames = append(frames, ClientImageChunk{MimeType: part.InlineData.MimeType, Data: data})
					} else {
						frames = append(frames, ClientAudioChunk{MimeType: part.InlineData.MimeType, Data: data})
					}
				}
			}
		}
	}
	if tr := msg.ToolResponse; tr != nil {
		var out ToolResponse
		for _, r := range tr.FunctionResponses {
			out.Responses = append(out.Responses, FunctionResponse(r))
		}
		frames = append(frames, out)
	}
	if tc := msg.ToolCall; tc != nil {
		var out ServerToolCall
		for _, c := range tc.FunctionCalls {
			out.Calls = append(out.Calls, FunctionCall(c))
		}
		frames = append(frames, out)
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.Text != nil {
					frames = append(frames, ServerText{Text: *part.Text})
				}
				if part.InlineData != nil {
					data, err := decodeBlob(part.InlineData)
					if err != nil {
						return nil, err
					}
					frames = append(frames, ServerAudioChunk{MimeType: part.InlineData.MimeType, Data: data})
				}
			}
		}
		if sc.Interrupted {
			frames = append(frames, ServerInterrupted{})
		}
		if sc.TurnComplete {
			frames = append(frames, TurnComplete{})
		}
	}
	if msg.Error != nil {
		frames = append(frames, ServerError{Code: msg.Error.Code, Message: msg.Error.Message})
	}
	return frames, nil
}

func setupFromWire(w *wireSetup) Setup {
	s := Setup{Model: w.Model}
	if gc := w.GenerationConfig; gc != nil {
		for _, m := range gc.ResponseModalities {
			s.ResponseModalities = append(s.ResponseModalities, Modality(m))
		}
		if sc := gc.SpeechConfig; sc != nil {
			speech := &SpeechConfig{LanguageCode: sc.LanguageCode}
			if sc.VoiceConfig != nil && sc.VoiceConfig.PrebuiltVoiceConfig != nil {
				speech.VoiceName = sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName
			}
			s.Speech = speech
		}
	}
	if si := w.SystemInstruction; si != nil {
		var parts []string
		for _, p := range si.Parts {
			if p.Text != nil {
				parts = append(parts, *p.Text)
			}
		}
		s.SystemInstruction = strings.Join(parts, "")
	}
	for _, tool := range w.Tools {
		for _, d := range tool.FunctionDeclarations {
			s.Tools = append(s.Tools, ToolDeclaration(d))
		}
	}
	return s
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

func decodeBlob(b *wireBlob) ([]byte, error) {
	if b.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Err: err}
	}
	return data, nil
}

// normalizeKeys rewrites camelCase object keys to snake_case. Objects under
// opaque keys are caller data and are copied unchanged.
func normalizeKeys(v any) map[string]any {
	m, _ := normalizeValue(v).(map[string]any)
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key := toSnake(k)
			if opaqueKeys[key] {
				out[key] = val
				continue
			}
			out[key] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

func toSnake(s string) string {
	hasUpper := false
	for _, r := range s {
		if unicode.IsUpper(r) {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
