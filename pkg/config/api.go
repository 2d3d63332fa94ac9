package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	LogLevel            string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	MigrateOnStart      bool
	PublisherURL        string
	PublisherToken      string
	StudioURL           string
	StudioToken         string
	CollaboratorTimeout time.Duration
	PollInterval        time.Duration
	PollMaxAttempts     int
	FixMaxIterations    int
	RepairablePatterns  []string
	EventBuffer         int
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://pagewright:pagewright@db:5432/pagewright?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		MigrateOnStart:      GetBool("MIGRATE_ON_START", true),
		PublisherURL:        GetString("PUBLISHER_URL", "http://publisher:5100"),
		PublisherToken:      GetString("PUBLISHER_AUTH_TOKEN", ""),
		StudioURL:           GetString("STUDIO_URL", "http://studio:5200"),
		StudioToken:         GetString("STUDIO_AUTH_TOKEN", ""),
		CollaboratorTimeout: time.Duration(GetInt("COLLABORATOR_TIMEOUT_SECONDS", 120)) * time.Second,
		PollInterval:        time.Duration(GetInt("POLL_INTERVAL_SECONDS", 3)) * time.Second,
		PollMaxAttempts:     GetInt("POLL_MAX_ATTEMPTS", 40),
		FixMaxIterations:    GetInt("FIX_MAX_ITERATIONS", 15),
		RepairablePatterns:  GetStringSlice("REPAIRABLE_ERROR_PATTERNS", nil),
		EventBuffer:         GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
