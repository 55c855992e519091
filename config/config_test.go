package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"GEMINI_API_KEY", "LIVE_MODEL", "LIVE_ENDPOINT", "RESPONSE_MODALITIES",
	"SYSTEM_INSTRUCTION", "VOICE_NAME", "LANGUAGE_CODE", "SPEECH_RATE", "VOLUME",
	"SCREEN_CONTEXT", "SETUP_TIMEOUT", "PLAYBACK_BUFFER", "KEEPALIVE_PERIOD",
	"PORT", "ALLOWED_ORIGINS", "REDIS_URL", "REDIS_PASSWORD", "HISTORY_TTL",
	"FALLBACK_MODEL", "VOICELINK_SETTINGS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultUserSettings(), cfg.Settings)
	assert.Equal(t, []string{"AUDIO"}, cfg.ResponseModalities)
	assert.Equal(t, 15*time.Second, cfg.SetupTimeout)
	assert.Equal(t, 5*time.Second, cfg.PlaybackBuffer)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.Endpoint)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "AIzaSyExample000000000000000000000000")
	t.Setenv("RESPONSE_MODALITIES", "text, audio")
	t.Setenv("VOICE_NAME", "puck")
	t.Setenv("SPEECH_RATE", "9")
	t.Setenv("VOLUME", "0.3")
	t.Setenv("SCREEN_CONTEXT", "true")
	t.Setenv("SETUP_TIMEOUT", "3")
	t.Setenv("HISTORY_TTL", "60")
	t.Setenv("ALLOWED_ORIGINS", "http://a,http://b")
	t.Setenv("REDIS_URL", "localhost:6379")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "AIzaSyExample000000000000000000000000", cfg.Settings.APIKey)
	assert.Equal(t, []string{"TEXT", "AUDIO"}, cfg.ResponseModalities)
	assert.Equal(t, "Puck", cfg.Settings.VoiceName)
	assert.Equal(t, MaxSpeechRate, cfg.Settings.SpeechRate)
	assert.Equal(t, 0.3, cfg.Settings.Volume)
	assert.True(t, cfg.Settings.ScreenContextEnabled)
	assert.Equal(t, 3*time.Second, cfg.SetupTimeout)
	assert.Equal(t, time.Hour, cfg.HistoryTTL)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.AllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                "eighty",
		"SETUP_TIMEOUT":       "soon",
		"PLAYBACK_BUFFER":     "1.5",
		"HISTORY_TTL":         "forever",
		"VOLUME":              "loud",
		"VOICE_NAME":          "Robot",
		"RESPONSE_MODALITIES": "VIDEO",
		"SCREEN_CONTEXT":      "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadConfig_SettingsFileOverridesEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("voice_name: Kore\nvolume: 2\nscreen_context: true\n"), 0o600))
	t.Setenv("VOICE_NAME", "Puck")
	t.Setenv("VOICELINK_SETTINGS", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "Kore", cfg.Settings.VoiceName)
	assert.Equal(t, 1.0, cfg.Settings.Volume)
	assert.True(t, cfg.Settings.ScreenContextEnabled)
	assert.Equal(t, path, cfg.SettingsPath)
}

func TestIsValidAPIKey(t *testing.T) {
	assert.True(t, IsValidAPIKey("AIzaSyA1234567890123456789012345678901"))
	assert.False(t, IsValidAPIKey(""))
	assert.False(t, IsValidAPIKey("   "))
	assert.False(t, IsValidAPIKey("AIzaShort"))
	assert.False(t, IsValidAPIKey("sk-1234567890123456789012345678901234567"))
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", MaskAPIKey(""))
	assert.Equal(t, "****", MaskAPIKey("short"))
	assert.Equal(t, "abcd****efgh", MaskAPIKey("abcdefgh"))
	key := "AIza" + strings.Repeat("x", 28) + "6789"
	assert.Equal(t, "AIza"+strings.Repeat("*", 28)+"6789", MaskAPIKey(key))
}
