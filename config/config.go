package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client and server configuration
type Config struct {
	Settings UserSettings

	Model              string
	Endpoint           string   // empty selects the public live endpoint
	ResponseModalities []string // "AUDIO" and/or "TEXT"
	SystemInstruction  string   // empty selects the built-in assistant prompt
	SetupTimeout       time.Duration
	PlaybackBuffer     time.Duration
	KeepAlivePeriod    time.Duration

	Port           int
	AllowedOrigins []string

	RedisURL      string // empty disables the conversation archive
	RedisPassword string
	HistoryTTL    time.Duration

	FallbackModel string
	SettingsPath  string
}

// LoadConfig loads configuration from environment variables with defaults,
// then applies the settings file named by VOICELINK_SETTINGS if present.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Settings:           DefaultUserSettings(),
		Model:              "models/gemini-2.5-flash-native-audio-preview-12-2025",
		ResponseModalities: []string{"AUDIO"},
		SetupTimeout:       15 * time.Second,
		PlaybackBuffer:     5 * time.Second,
		KeepAlivePeriod:    30 * time.Second,
		Port:               8080,
		AllowedOrigins:     []string{"*"},
		HistoryTTL:         30 * 24 * time.Hour,
		FallbackModel:      "gemini-2.5-flash",
	}

	config.Settings.APIKey = os.Getenv("GEMINI_API_KEY")

	if model := os.Getenv("LIVE_MODEL"); model != "" {
		config.Model = model
	}

	if endpoint := os.Getenv("LIVE_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}

	// Optional: RESPONSE_MODALITIES (comma-separated)
	if modalities := os.Getenv("RESPONSE_MODALITIES"); modalities != "" {
		parsed, err := parseModalities(modalities)
		if err != nil {
			return nil, fmt.Errorf("invalid RESPONSE_MODALITIES: %w", err)
		}
		config.ResponseModalities = parsed
	}

	if instruction := os.Getenv("SYSTEM_INSTRUCTION"); instruction != "" {
		config.SystemInstruction = instruction
	}

	if voice := os.Getenv("VOICE_NAME"); voice != "" {
		if err := config.Settings.Set(FieldVoiceName, voice); err != nil {
			return nil, fmt.Errorf("invalid VOICE_NAME: %w", err)
		}
	}

	if lang := os.Getenv("LANGUAGE_CODE"); lang != "" {
		config.Settings.LanguageCode = lang
	}

	if rate := os.Getenv("SPEECH_RATE"); rate != "" {
		if err := config.Settings.Set(FieldSpeechRate, rate); err != nil {
			return nil, fmt.Errorf("invalid SPEECH_RATE: %w", err)
		}
	}

	if volume := os.Getenv("VOLUME"); volume != "" {
		if err := config.Settings.Set(FieldVolume, volume); err != nil {
			return nil, fmt.Errorf("invalid VOLUME: %w", err)
		}
	}

	if screen := os.Getenv("SCREEN_CONTEXT"); screen != "" {
		if err := config.Settings.Set(FieldScreenContext, screen); err != nil {
			return nil, fmt.Errorf("invalid SCREEN_CONTEXT: %w", err)
		}
	}

	// Optional: SETUP_TIMEOUT (in seconds)
	if timeout := os.Getenv("SETUP_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SETUP_TIMEOUT: %w", err)
		}
		config.SetupTimeout = time.Duration(t) * time.Second
	}

	// Optional: PLAYBACK_BUFFER (in seconds)
	if buffer := os.Getenv("PLAYBACK_BUFFER"); buffer != "" {
		b, err := strconv.Atoi(buffer)
		if err != nil {
			return nil, fmt.Errorf("invalid PLAYBACK_BUFFER: %w", err)
		}
		config.PlaybackBuffer = time.Duration(b) * time.Second
	}

	// Optional: KEEPALIVE_PERIOD (in seconds, 0 disables pings)
	if keepalive := os.Getenv("KEEPALIVE_PERIOD"); keepalive != "" {
		k, err := strconv.Atoi(keepalive)
		if err != nil {
			return nil, fmt.Errorf("invalid KEEPALIVE_PERIOD: %w", err)
		}
		config.KeepAlivePeriod = time.Duration(k) * time.Second
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: HISTORY_TTL (in minutes)
	if ttl := os.Getenv("HISTORY_TTL"); ttl != "" {
		t, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid HISTORY_TTL: %w", err)
		}
		config.HistoryTTL = time.Duration(t) * time.Minute
	}

	if model := os.Getenv("FALLBACK_MODEL"); model != "" {
		config.FallbackModel = model
	}

	// Optional: VOICELINK_SETTINGS (YAML file overriding user settings)
	if path := os.Getenv("VOICELINK_SETTINGS"); path != "" {
		config.SettingsPath = path
		if err := LoadSettingsFile(path, &config.Settings); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func parseModalities(value string) ([]string, error) {
	var out []string
	for _, m := range strings.Split(value, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		switch m {
		case "":
			continue
		case "AUDIO", "TEXT":
			out = append(out, m)
		default:
			return nil, fmt.Errorf("unknown modality %q", m)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no modality given")
	}
	return out, nil
}

// IsValidAPIKey reports whether key looks like a Google API key.
func IsValidAPIKey(key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	return strings.HasPrefix(key, "AIza") && len(key) >= 35
}

// MaskAPIKey hides all but the first and last four characters of key.
func MaskAPIKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", max(4, len(key)-8)) + key[len(key)-4:]
}
