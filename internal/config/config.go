package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Search window policies.
const (
	SearchTimeoutFixed = "fixed"
	SearchTimeoutReset = "reset"
)

// Config holds all configuration for the application.
type Config struct {
	ServiceName string
	LogLevel    string

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NewRelic NewRelicConfig
	Auth     AuthConfig
	Kafka    KafkaConfig
	Firebase FirebaseConfig
	Dispatch DispatchConfig
	Presence PresenceConfig
	Queue    QueueConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	RunMigrations bool
}

// DSN returns the lib/pq keyword connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// AuthConfig holds the shared secret used to verify session tokens.
type AuthConfig struct {
	JWTSecret string
}

// KafkaConfig holds the optional event stream sink. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

// FirebaseConfig holds push notification credentials. Empty disables push.
type FirebaseConfig struct {
	CredentialsFile string
}

// DispatchConfig holds the sweep and expiry runner settings.
type DispatchConfig struct {
	SweepInterval       time.Duration
	ExpiryInterval      time.Duration
	BatchSize           int
	InitialRadiusKm     float64
	EscalatedRadiusKm   float64
	MaxCandidates       int
	OfferTTL            time.Duration
	OfferGrace          time.Duration
	SearchTimeout       time.Duration
	SearchTimeoutPolicy string
	PerTripTimeout      time.Duration
	SweepConcurrency    int
	LeaseEnabled        bool

	// CancelOnNoCandidates cancels a trip on the first sweep that finds no
	// driver after escalation instead of waiting for the search window.
	CancelOnNoCandidates bool
}

// ResetSearchOnRevert reports whether the search window restarts on every reversion to searching.
func (c DispatchConfig) ResetSearchOnRevert() bool {
	return c.SearchTimeoutPolicy == SearchTimeoutReset
}

// PresenceConfig holds driver presence settings.
type PresenceConfig struct {
	TTL time.Duration
}

// QueueConfig holds the job queue settings.
type QueueConfig struct {
	Workers            int
	PollInterval       time.Duration
	DefaultMaxAttempts int
	BackoffUnit        time.Duration
	LeaseTimeout       time.Duration
	PruneInterval      time.Duration
	Retention          time.Duration
	Backend            string
}

// Load loads configuration from the environment, reading .env first when present.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		ServiceName: getString("SERVICE_NAME", "ride-dispatch"),
		LogLevel:    strings.ToLower(getString("LOG_LEVEL", "info")),
		Server: ServerConfig{
			Port:            getString("SERVER_PORT", "8080"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:          getString("DB_HOST", "localhost"),
			Port:          getString("DB_PORT", "5432"),
			User:          getString("DB_USER", "postgres"),
			Password:      getString("DB_PASSWORD", "postgres"),
			DBName:        getString("DB_NAME", "ride_dispatch"),
			SSLMode:       getString("DB_SSLMODE", "disable"),
			RunMigrations: getBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Addr:         getString("REDIS_ADDR", "localhost:6379"),
			Password:     getString("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 0),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		NewRelic: NewRelicConfig{
			AppName:    getString("NEW_RELIC_APP_NAME", "ride-dispatch"),
			LicenseKey: getString("NEW_RELIC_LICENSE_KEY", ""),
			Enabled:    getBool("NEW_RELIC_ENABLED", false),
		},
		Auth: AuthConfig{
			JWTSecret: getString("JWT_SECRET", ""),
		},
		Kafka: KafkaConfig{
			Brokers:     getList("KAFKA_BROKERS", nil),
			TopicPrefix: getString("KAFKA_TOPIC_PREFIX", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getString("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Dispatch: DispatchConfig{
			SweepInterval:       getDuration("DISPATCH_SWEEP_INTERVAL", 10*time.Second),
			ExpiryInterval:      getDuration("DISPATCH_EXPIRY_INTERVAL", 10*time.Second),
			BatchSize:           getInt("DISPATCH_BATCH_SIZE", 50),
			InitialRadiusKm:     getFloat("DISPATCH_INITIAL_RADIUS_KM", 5),
			EscalatedRadiusKm:   getFloat("DISPATCH_ESCALATED_RADIUS_KM", 10),
			MaxCandidates:       getInt("DISPATCH_MAX_CANDIDATES", 10),
			OfferTTL:            getDuration("DISPATCH_OFFER_TTL", 60*time.Second),
			OfferGrace:          getDuration("DISPATCH_OFFER_GRACE", 15*time.Second),
			SearchTimeout:       getDuration("DISPATCH_SEARCH_TIMEOUT", 5*time.Minute),
			SearchTimeoutPolicy: strings.ToLower(getString("DISPATCH_SEARCH_TIMEOUT_POLICY", SearchTimeoutFixed)),
			PerTripTimeout:      getDuration("DISPATCH_PER_TRIP_TIMEOUT", 3*time.Second),
			SweepConcurrency:    getInt("DISPATCH_SWEEP_CONCURRENCY", 8),
			LeaseEnabled:        getBool("DISPATCH_LEASE_ENABLED", true),

			CancelOnNoCandidates: getBool("DISPATCH_CANCEL_ON_NO_CANDIDATES", false),
		},
		Presence: PresenceConfig{
			TTL: getDuration("PRESENCE_TTL", 5*time.Minute),
		},
		Queue: QueueConfig{
			Workers:            getInt("QUEUE_WORKERS", 4),
			PollInterval:       getDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			DefaultMaxAttempts: getInt("QUEUE_DEFAULT_MAX_ATTEMPTS", 5),
			BackoffUnit:        getDuration("QUEUE_BACKOFF_UNIT", time.Second),
			LeaseTimeout:       getDuration("QUEUE_LEASE_TIMEOUT", 30*time.Second),
			PruneInterval:      getDuration("QUEUE_PRUNE_INTERVAL", 10*time.Minute),
			Retention:          getDuration("QUEUE_RETENTION", 24*time.Hour),
			Backend:            strings.ToLower(getString("QUEUE_BACKEND", "redis")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Dispatch.SweepInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_SWEEP_INTERVAL must be positive"))
	}
	if c.Dispatch.ExpiryInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_EXPIRY_INTERVAL must be positive"))
	}
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be positive"))
	}
	if c.Dispatch.InitialRadiusKm <= 0 {
		errs = append(errs, errors.New("DISPATCH_INITIAL_RADIUS_KM must be positive"))
	}
	if c.Dispatch.EscalatedRadiusKm < c.Dispatch.InitialRadiusKm {
		errs = append(errs, errors.New("DISPATCH_ESCALATED_RADIUS_KM must not be smaller than the initial radius"))
	}
	if c.Dispatch.OfferTTL <= 0 {
		errs = append(errs, errors.New("DISPATCH_OFFER_TTL must be positive"))
	}
	if c.Dispatch.SearchTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_SEARCH_TIMEOUT must be positive"))
	}
	switch c.Dispatch.SearchTimeoutPolicy {
	case SearchTimeoutFixed, SearchTimeoutReset:
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_TIMEOUT_POLICY must be %q or %q, got %q",
			SearchTimeoutFixed, SearchTimeoutReset, c.Dispatch.SearchTimeoutPolicy))
	}
	if c.Dispatch.SweepConcurrency <= 0 {
		errs = append(errs, errors.New("DISPATCH_SWEEP_CONCURRENCY must be positive"))
	}
	if c.Presence.TTL <= 0 {
		errs = append(errs, errors.New("PRESENCE_TTL must be positive"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be positive"))
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		errs = append(errs, errors.New("QUEUE_DEFAULT_MAX_ATTEMPTS must be positive"))
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be redis or memory, got %q", c.Queue.Backend))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	return errors.Join(errs...)
}

func getOrReturnDefault(key string, defaultValue any) any {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getString(key, defaultValue string) string {
	return cast.ToString(getOrReturnDefault(key, defaultValue))
}

func getInt(key string, defaultValue int) int {
	v, err := cast.ToIntE(getOrReturnDefault(key, defaultValue))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := cast.ToFloat64E(getOrReturnDefault(key, defaultValue))
	if err != nil {
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool) bool {
	v, err := cast.ToBoolE(getOrReturnDefault(key, defaultValue))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := cast.ToDurationE(getOrReturnDefault(key, defaultValue))
	if err != nil {
		return defaultValue
	}
	return v
}

func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
