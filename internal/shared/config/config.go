package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Encryption  EncryptionConfig
	Importer    ImporterConfig
	TLS         TLSConfig
	OpenFinance OpenFinanceConfig
	Linking     LinkingConfig
	Firebase    FirebaseConfig
	AMQP        AMQPConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxOpenConns  int
	RunMigrations bool
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

// ImporterConfig sizes the in-process account import pool.
type ImporterConfig struct {
	WorkerCount int
	JobDelay    time.Duration
	QueueSize   int
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type OpenFinanceConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	ConnectorType string
}

type LinkingConfig struct {
	StreamDelay  time.Duration
	SessionTTL   time.Duration
	ReapInterval time.Duration
	CacheSize    int
	CacheTTL     time.Duration
	MessagesFile string
}

type FirebaseConfig struct {
	CredentialsFile string
	TopicPrefix     string
}

// AMQPConfig enables queue-based account import when URL is set.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

func (c AMQPConfig) Enabled() bool {
	return c.URL != ""
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is read first; variables already set take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var errs []error
	intEnv := func(key string, def int) int {
		v, err := strconv.Atoi(getEnv(key, strconv.Itoa(def)))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}
	durationEnv := func(key string, def time.Duration) time.Duration {
		v, err := time.ParseDuration(getEnv(key, def.String()))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: getListEnv("ALLOWED_HOSTS"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          intEnv("DB_PORT", 5432),
			User:          getEnv("DB_USER", "finlink"),
			Password:      getEnv("DB_PASSWORD", ""),
			DBName:        getEnv("DB_NAME", "finlink"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:  intEnv("DB_MAX_OPEN_CONNS", 10),
			RunMigrations: getBoolEnv("DB_RUN_MIGRATIONS", true),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Importer: ImporterConfig{
			WorkerCount: intEnv("IMPORTER_WORKERS", 3),
			JobDelay:    durationEnv("IMPORTER_JOB_DELAY", 0),
			QueueSize:   intEnv("IMPORTER_QUEUE_SIZE", 100),
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		OpenFinance: OpenFinanceConfig{
			BaseURL:       strings.TrimRight(getEnv("OPENFINANCE_BASE_URL", ""), "/"),
			Token:         getEnv("OPENFINANCE_TOKEN", ""),
			Timeout:       durationEnv("OPENFINANCE_TIMEOUT", 30*time.Second),
			ConnectorType: getEnv("OPENFINANCE_CONNECTOR_TYPE", "PERSONAL_BANK"),
		},
		Linking: LinkingConfig{
			StreamDelay:  durationEnv("LINK_STREAM_DELAY", 100*time.Millisecond),
			SessionTTL:   durationEnv("LINK_SESSION_TTL", 30*time.Minute),
			ReapInterval: durationEnv("LINK_REAP_INTERVAL", time.Minute),
			CacheSize:    intEnv("QUERY_CACHE_SIZE", 1000),
			CacheTTL:     durationEnv("QUERY_CACHE_TTL", 5*time.Minute),
			MessagesFile: getEnv("MESSAGES_FILE", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			TopicPrefix:     getEnv("FIREBASE_TOPIC_PREFIX", ""),
		},
		AMQP: AMQPConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "finlink"),
			Queue:    getEnv("AMQP_IMPORT_QUEUE", "openi.imports"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finlink-api"),
			Environment:  getEnv("APP_ENV", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return errors.New("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return errors.New("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if c.OpenFinance.BaseURL == "" {
		return errors.New("OPENFINANCE_BASE_URL is required")
	}
	if c.Importer.WorkerCount < 1 {
		return errors.New("IMPORTER_WORKERS must be at least 1")
	}
	if c.Linking.SessionTTL <= 0 || c.Linking.ReapInterval <= 0 {
		return errors.New("LINK_SESSION_TTL and LINK_REAP_INTERVAL must be positive")
	}
	if c.Linking.CacheTTL <= 0 {
		return errors.New("QUERY_CACHE_TTL must be positive")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return errors.New("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return errors.New("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping blank entries.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
