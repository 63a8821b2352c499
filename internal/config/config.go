package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Port        string
	Environment string

	AdminAPIToken     string
	DeviceTokenSecret string
	DeviceTokenTTL    time.Duration

	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	SnowflakeNodeID int64

	// Assignment quotas. A batch larger than QuotaMaxTargetsPerCall, or
	// a target exceeding QuotaMaxActionsPerTarget outstanding actions,
	// rejects the whole batch.
	QuotaMaxTargetsPerCall   int
	QuotaMaxActionsPerTarget int

	// Multi-assignment: when enabled a target may carry several active
	// actions ranked by weight. MultiAssignmentWeightRequired controls
	// whether requests must carry a weight while the mode is on.
	MultiAssignmentEnabled        bool
	MultiAssignmentWeightRequired bool

	// Scheduler intervals and paging.
	RolloutTickInterval     time.Duration
	RolloutPageSize         int
	RolloutTicksPerSecond   float64
	AutoAssignInterval      time.Duration
	AutoAssignPageSize      int
	OutboxPollInterval      time.Duration
	OutboxBatchSize         int
	OutboxMaxAttempts       int

	// Event gateway.
	NATSURL            string
	EventSubjectPrefix string
	EventsEnabled      bool
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		AppName:     getenv("APP_SERVICE", "fleetrail"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Port:        getenv("PORT", "8080"),
		Environment: getenv("ENVIRONMENT", "development"),

		AdminAPIToken:     strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		DeviceTokenSecret: strings.TrimSpace(getenv("DEVICE_TOKEN_SECRET", "")),
		DeviceTokenTTL:    getenvDuration("DEVICE_TOKEN_TTL", 24*time.Hour),

		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "fleetrail"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 100),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 60),

		SnowflakeNodeID: getenvInt64("SNOWFLAKE_NODE_ID", 1),

		QuotaMaxTargetsPerCall:   getenvInt("QUOTA_MAX_TARGETS_PER_CALL", 1000),
		QuotaMaxActionsPerTarget: getenvInt("QUOTA_MAX_ACTIONS_PER_TARGET", 100),

		MultiAssignmentEnabled:        getenvBool("MULTI_ASSIGNMENT_ENABLED", false),
		MultiAssignmentWeightRequired: getenvBool("MULTI_ASSIGNMENT_WEIGHT_REQUIRED", true),

		RolloutTickInterval:   getenvDuration("ROLLOUT_TICK_INTERVAL", 10*time.Second),
		RolloutPageSize:       getenvInt("ROLLOUT_PAGE_SIZE", 500),
		RolloutTicksPerSecond: getenvFloat("ROLLOUT_TICKS_PER_SECOND", 20),
		AutoAssignInterval:    getenvDuration("AUTO_ASSIGN_INTERVAL", 30*time.Second),
		AutoAssignPageSize:    getenvInt("AUTO_ASSIGN_PAGE_SIZE", 500),
		OutboxPollInterval:    getenvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:       getenvInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxAttempts:     getenvInt("OUTBOX_MAX_ATTEMPTS", 10),

		NATSURL:            getenv("NATS_URL", "nats://localhost:4222"),
		EventSubjectPrefix: getenv("EVENT_SUBJECT_PREFIX", "fleetrail.events"),
		EventsEnabled:      getenvBool("EVENTS_ENABLED", true),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
