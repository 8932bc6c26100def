package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port            int
	TwilioPort      int    // Port for the phone bridge (used when ServerType is "both")
	ServerType      string // "websocket", "twilio", or "both"
	RedisURL        string // empty disables persistence
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // Maximum buffered microphone audio in bytes per session

	BackendURL     string // hosts the realtime-session and create-transaction functions
	BackendAnonKey string
	ServiceToken   string // bearer used when no end-user token is available (phone calls)
	JWTSecret      string // empty disables client authentication

	RealtimeURL       string
	RealtimeModel     string
	RealtimeTransport string // "webrtc" or "websocket"
	DefaultVoice      string
	InterruptOnSpeech bool

	GeminiAPIKey string // optional, enables categorize_expense
	GeminiModel  string

	LogLevel string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a variable lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	config := &Config{
		Port:              8080,
		TwilioPort:        8081,
		ServerType:        "websocket",
		MaxSessions:       100,
		SessionTimeout:    30 * time.Minute,
		AllowedOrigins:    []string{"*"},
		KeepAlivePeriod:   30 * time.Second,
		MaxBufferSize:     5 * 1024 * 1024, // 5MB default
		RealtimeURL:       "https://api.openai.com/v1/realtime",
		RealtimeModel:     "gpt-4o-realtime-preview-2024-12-17",
		RealtimeTransport: "websocket",
		DefaultVoice:      "alloy",
		GeminiModel:       "gemini-2.0-flash",
		LogLevel:          "info",
	}

	// Required: BACKEND_URL
	config.BackendURL = strings.TrimRight(getenv("BACKEND_URL"), "/")
	if config.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL environment variable is required")
	}

	config.BackendAnonKey = getenv("BACKEND_ANON_KEY")
	config.ServiceToken = getenv("SERVICE_TOKEN")
	config.JWTSecret = getenv("JWT_SECRET")
	config.GeminiAPIKey = getenv("GEMINI_API_KEY")
	config.RedisPassword = getenv("REDIS_PASSWORD")
	config.RedisURL = getenv("REDIS_URL")

	// Optional: PORT
	if port := getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: MAX_SESSIONS
	if maxSessions := getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: KEEPALIVE_PERIOD (in seconds)
	if keepalive := getenv("KEEPALIVE_PERIOD"); keepalive != "" {
		k, err := strconv.Atoi(keepalive)
		if err != nil {
			return nil, fmt.Errorf("invalid KEEPALIVE_PERIOD: %w", err)
		}
		config.KeepAlivePeriod = time.Duration(k) * time.Second
	}

	// Optional: MAX_BUFFER_SIZE (in bytes)
	if bufferSize := getenv("MAX_BUFFER_SIZE"); bufferSize != "" {
		b, err := strconv.Atoi(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BUFFER_SIZE: %w", err)
		}
		config.MaxBufferSize = b
	}

	// Optional: SERVER_TYPE ("websocket", "twilio", or "both")
	if serverType := getenv("SERVER_TYPE"); serverType != "" {
		switch serverType {
		case "websocket", "twilio", "both":
			config.ServerType = serverType
		default:
			return nil, fmt.Errorf("invalid SERVER_TYPE: must be 'websocket', 'twilio', or 'both'")
		}
	}

	// Optional: TWILIO_PORT (used when SERVER_TYPE is "both")
	if twilioPort := getenv("TWILIO_PORT"); twilioPort != "" {
		tp, err := strconv.Atoi(twilioPort)
		if err != nil {
			return nil, fmt.Errorf("invalid TWILIO_PORT: %w", err)
		}
		config.TwilioPort = tp
	}

	if realtimeURL := getenv("REALTIME_URL"); realtimeURL != "" {
		config.RealtimeURL = realtimeURL
	}
	if model := getenv("REALTIME_MODEL"); model != "" {
		config.RealtimeModel = model
	}

	// Optional: REALTIME_TRANSPORT ("webrtc" or "websocket")
	if transport := getenv("REALTIME_TRANSPORT"); transport != "" {
		switch transport {
		case "webrtc", "websocket":
			config.RealtimeTransport = transport
		default:
			return nil, fmt.Errorf("invalid REALTIME_TRANSPORT: must be 'webrtc' or 'websocket'")
		}
	}

	if voice := getenv("DEFAULT_VOICE"); voice != "" {
		config.DefaultVoice = voice
	}

	// Optional: INTERRUPT_ON_SPEECH (true/false)
	if interrupt := getenv("INTERRUPT_ON_SPEECH"); interrupt != "" {
		b, err := strconv.ParseBool(interrupt)
		if err != nil {
			return nil, fmt.Errorf("invalid INTERRUPT_ON_SPEECH: %w", err)
		}
		config.InterruptOnSpeech = b
	}

	if model := getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = strings.ToLower(level)
	}

	return config, nil
}
