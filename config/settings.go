package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidVoices lists the prebuilt voices accepted by the live service.
var ValidVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus", "Zephyr"}

const (
	DefaultVoice    = "Aoede"
	DefaultLanguage = "en-US"

	MinSpeechRate = 0.25
	MaxSpeechRate = 4.0
)

// UserSettings are the preferences a user can change at runtime.
type UserSettings struct {
	APIKey                  string  `yaml:"api_key"`
	VoiceName               string  `yaml:"voice_name"`
	LanguageCode            string  `yaml:"language_code"`
	SpeechRate              float64 `yaml:"speech_rate"`
	Volume                  float64 `yaml:"volume"`
	VoiceActivationEnabled  bool    `yaml:"voice_activation"`
	ScreenContextEnabled    bool    `yaml:"screen_context"`
	SaveConversationHistory bool    `yaml:"save_history"`
}

func DefaultUserSettings() UserSettings {
	return UserSettings{
		VoiceName:               DefaultVoice,
		LanguageCode:            DefaultLanguage,
		SpeechRate:              1.0,
		Volume:                  0.8,
		VoiceActivationEnabled:  true,
		SaveConversationHistory: true,
	}
}

// Normalize clamps out of range values and replaces unknown voices. It
// reports whether anything changed.
func (s *UserSettings) Normalize() bool {
	fixed := false
	if v := clamp(s.Volume, 0, 1); v != s.Volume {
		s.Volume = v
		fixed = true
	}
	if r := clamp(s.SpeechRate, MinSpeechRate, MaxSpeechRate); r != s.SpeechRate {
		s.SpeechRate = r
		fixed = true
	}
	if voice, ok := canonicalVoice(s.VoiceName); !ok {
		s.VoiceName = DefaultVoice
		fixed = true
	} else if voice != s.VoiceName {
		s.VoiceName = voice
		fixed = true
	}
	if s.LanguageCode == "" {
		s.LanguageCode = DefaultLanguage
		fixed = true
	}
	return fixed
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

func canonicalVoice(name string) (string, bool) {
	for _, v := range ValidVoices {
		if strings.EqualFold(v, name) {
			return v, true
		}
	}
	return "", false
}

// Field names a settable user setting.
type Field int

const (
	FieldAPIKey Field = iota + 1
	FieldVoiceName
	FieldLanguageCode
	FieldSpeechRate
	FieldVolume
	FieldVoiceActivation
	FieldScreenContext
	FieldSaveHistory
)

var fieldNames = map[Field]string{
	FieldAPIKey:          "api_key",
	FieldVoiceName:       "voice_name",
	FieldLanguageCode:    "language_code",
	FieldSpeechRate:      "speech_rate",
	FieldVolume:          "volume",
	FieldVoiceActivation: "voice_activation",
	FieldScreenContext:   "screen_context",
	FieldSaveHistory:     "save_history",
}

var ErrUnknownField = errors.New("unknown settings field")

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseField resolves a field by its settings-file name.
func ParseField(name string) (Field, error) {
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// Set parses value and assigns it to field. Numeric values are clamped to
// their valid range.
func (s *UserSettings) Set(field Field, value string) error {
	switch field {
	case FieldAPIKey:
		s.APIKey = strings.TrimSpace(value)
	case FieldVoiceName:
		voice, ok := canonicalVoice(value)
		if !ok {
			return fmt.Errorf("unknown voice %q", value)
		}
		s.VoiceName = voice
	case FieldLanguageCode:
		if value == "" {
			return fmt.Errorf("language code must not be empty")
		}
		s.LanguageCode = value
	case FieldSpeechRate:
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid speech rate: %w", err)
		}
		s.SpeechRate = clamp(rate, MinSpeechRate, MaxSpeechRate)
	case FieldVolume:
		volume, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid volume: %w", err)
		}
		s.Volume = clamp(volume, 0, 1)
	case FieldVoiceActivation, FieldScreenContext, FieldSaveHistory:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		switch field {
		case FieldVoiceActivation:
			s.VoiceActivationEnabled = b
		case FieldScreenContext:
			s.ScreenContextEnabled = b
		default:
			s.SaveConversationHistory = b
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownField, int(field))
	}
	return nil
}

// LoadSettingsFile overlays the YAML file at path onto s. A missing file
// leaves s unchanged.
func LoadSettingsFile(path string, s *UserSettings) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	s.Normalize()
	return nil
}

// SaveSettingsFile writes s to path with owner-only permissions.
func SaveSettingsFile(path string, s UserSettings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
