package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Analysis  AnalysisConfig
	Feed      FeedConfig
	Reconnect ReconnectConfig
	Session   SessionConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins string
	JWTSecret          string
	NatsURL            string
	RedisURL           string
}

type AnalysisConfig struct {
	WebsocketURL string
	Token        string
	Transport    string // "websocket" or "nats"
}

type FeedConfig struct {
	MaxNotifications int
	AutoClose        time.Duration
}

type ReconnectConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	MaxRetries int
}

type SessionConfig struct {
	TTL time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP HTTP collector
	ServiceName string
	SampleRatio float64
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/telemetry.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			JWTSecret:          getEnv("JWT_SECRET", ""),
			NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Analysis: AnalysisConfig{
			WebsocketURL: getEnv("ANALYSIS_WS_URL", "ws://localhost:8000/ws/analysis"),
			Token:        getEnv("ANALYSIS_TOKEN", ""),
			Transport:    getEnv("TELEMETRY_TRANSPORT", "websocket"),
		},
		Feed: FeedConfig{
			MaxNotifications: getEnvAsInt("MAX_NOTIFICATIONS", 10),
			AutoClose:        getEnvAsMillis("AUTO_CLOSE_MS", 5000),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:  getEnvAsMillis("RECONNECT_BASE_MS", 500),
			MaxDelay:   getEnvAsMillis("RECONNECT_MAX_MS", 10000),
			Jitter:     getEnvAsFloat("RECONNECT_JITTER", 0.5),
			MaxRetries: getEnvAsInt("RECONNECT_MAX_RETRIES", 5),
		},
		Session: SessionConfig{
			TTL: time.Duration(getEnvAsInt("SESSION_TTL_MINUTES", 60)) * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:     getEnv("OTEL_ENABLED", "false") == "true",
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "media-forensics-telemetry"),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback)) * time.Millisecond
}
