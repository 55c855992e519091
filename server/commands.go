package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicelink/config"
	"github.com/room4-2/voicelink/gemini"
	"github.com/room4-2/voicelink/messages"
	"github.com/room4-2/voicelink/protocol"
	"github.com/room4-2/voicelink/session"
)

var (
	errInvalidPayload = errors.New("invalid payload")
	errInvalidSetting = errors.New("invalid setting")
)

// handleMessage dispatches one client message. Binary messages are raw
// microphone PCM.
func (s *Server) handleMessage(c *client, messageType int, data []byte) {
	if messageType == websocket.BinaryMessage {
		if err := s.assistant.SendAudio(data); err != nil {
			c.queueMessage(s.errorMessage(err))
		}
		return
	}

	var msg messages.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.queueMessage(messages.NewErrorMessage(s.assistant.SessionID(), messages.ErrCodeInvalidMessage, "Invalid message format"))
		return
	}

	if err := s.processClientMessage(c, &msg); err != nil {
		c.logger.Debug("command failed", "type", msg.Type, "error", err)
		c.queueMessage(s.errorMessage(err))
	}
}

func decodePayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", errInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func decodeBase64(data string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 data", errInvalidPayload)
	}
	return b, nil
}

func (s *Server) processClientMessage(c *client, msg *messages.ClientMessage) error {
	switch msg.Type {
	case messages.TypeText:
		var p messages.TextPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return s.assistant.SendText(p.Text)

	case messages.TypeAudio:
		var p messages.AudioPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		data, err := decodeBase64(p.Data)
		if err != nil {
			return err
		}
		return s.assistant.SendAudio(data)

	case messages.TypeImage:
		var p messages.ImagePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		data, err := decodeBase64(p.Data)
		if err != nil {
			return err
		}
		return s.assistant.SendScreenImage(data)

	case messages.TypeControl:
		var p messages.ControlPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return s.handleControl(c, p.Action)

	case messages.TypeToolResponse:
		var p messages.ToolResponsePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		responses := make([]protocol.FunctionResponse, 0, len(p.Responses))
		for _, r := range p.Responses {
			responses = append(responses, protocol.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response})
		}
		return s.assistant.SendToolResponse(responses)

	case messages.TypeSettings:
		var p messages.SettingsUpdatePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return s.updateSetting(c.ctx, p)

	case messages.TypeConversation:
		var p messages.ConversationPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return err
		}
		return s.handleConversation(c, p)

	default:
		return fmt.Errorf("%w: unknown message type %q", errInvalidPayload, msg.Type)
	}
}

func (s *Server) handleControl(c *client, action string) error {
	sid := s.assistant.SessionID()
	switch action {
	case messages.ActionPing:
		c.queueMessage(messages.NewStatusMessage(sid, s.status(messages.StatusPong, "")))
	case messages.ActionStatus:
		status := messages.StatusDisconnected
		if s.assistant.IsConnected() {
			status = messages.StatusConnected
		}
		c.queueMessage(messages.NewStatusMessage(sid, s.status(status, "")))
	case messages.ActionInterrupt:
		return s.assistant.Interrupt()
	case messages.ActionStartListening:
		if err := s.assistant.StartListening(); err != nil {
			return err
		}
		s.clients.broadcast(messages.NewStatusMessage(sid, s.status(messages.StatusListening, "")))
	case messages.ActionStopListening:
		s.assistant.StopListening()
		s.clients.broadcast(messages.NewStatusMessage(sid, s.status(messages.StatusIdle, "")))
	case messages.ActionNewConversation:
		conv, err := s.assistant.StartNewConversation()
		if err != nil {
			return err
		}
		s.clients.broadcast(messages.NewConversationMessage(conv))
		s.clients.broadcast(messages.NewConversationsMessage(s.assistant.Conversations()))
	default:
		return fmt.Errorf("%w: unknown control action %q", errInvalidPayload, action)
	}
	return nil
}

func (s *Server) handleConversation(c *client, p messages.ConversationPayload) error {
	switch p.Action {
	case messages.ConversationList:
		c.queueMessage(messages.NewConversationsMessage(s.assistant.Conversations()))
	case messages.ConversationLoad:
		conv, err := s.assistant.LoadConversation(c.ctx, p.ID)
		if err != nil {
			return err
		}
		c.queueMessage(messages.NewConversationMessage(conv))
	case messages.ConversationDelete:
		if err := s.assistant.DeleteConversation(p.ID); err != nil {
			return err
		}
		s.clients.broadcast(messages.NewConversationsMessage(s.assistant.Conversations()))
	default:
		return fmt.Errorf("%w: unknown conversation action %q", errInvalidPayload, p.Action)
	}
	return nil
}

// updateSetting applies one settings change, persists it when a settings
// file is configured and broadcasts the result.
func (s *Server) updateSetting(ctx context.Context, p messages.SettingsUpdatePayload) error {
	field, err := config.ParseField(p.Field)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidSetting, err)
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	cfg := *s.config
	cfg.Settings = s.assistant.Settings()
	if err := cfg.Settings.Set(field, p.Value); err != nil {
		return fmt.Errorf("%w: %v", errInvalidSetting, err)
	}
	if err := s.assistant.UpdateSettings(ctx, &cfg); err != nil {
		return err
	}
	s.config = &cfg

	if cfg.SettingsPath != "" {
		if err := config.SaveSettingsFile(cfg.SettingsPath, cfg.Settings); err != nil {
			s.logger.Warn("failed to save settings", "path", cfg.SettingsPath, "error", err)
		}
	}

	s.clients.broadcast(messages.NewSettingsMessage(s.settingsView()))
	return nil
}

func (s *Server) errorMessage(err error) *messages.ServerMessage {
	code := messages.ErrCodeCommandFailed
	switch {
	case errors.Is(err, session.ErrNotConnected):
		code = messages.ErrCodeNotConnected
	case errors.Is(err, session.ErrNotInitialized), errors.Is(err, session.ErrShutdown):
		code = messages.ErrCodeNotInitialized
	case errors.Is(err, session.ErrConversationNotFound):
		code = messages.ErrCodeNotFound
	case errors.Is(err, errInvalidSetting), errors.Is(err, session.ErrConfiguration):
		code = messages.ErrCodeInvalidSettings
	case errors.Is(err, errInvalidPayload),
		errors.Is(err, session.ErrEmptyText),
		errors.Is(err, session.ErrUnknownToolCall),
		errors.Is(err, session.ErrScreenContextDisabled):
		code = messages.ErrCodeInvalidMessage
	case gemini.KindOf(err) != 0:
		code = messages.ErrCodeGeminiError
	}
	return messages.NewErrorMessage(s.assistant.SessionID(), code, err.Error())
}
