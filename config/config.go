package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"replyflow/models"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db" validate:"gte=0"`
}

type Config struct {
	Environment    string `json:"environment" validate:"oneof=development staging production test"`
	ServerPort     string `json:"server_port" validate:"required,numeric"`
	LogLevel       string `json:"log_level" validate:"oneof=trace debug info warn error"`
	EncryptionKey  string `json:"-" validate:"required,min=16"`
	SentryDSN      string `json:"-"`
	DBHost         string `json:"db_host" validate:"required"`
	DBPort         string `json:"db_port" validate:"required,numeric"`
	DBUser         string `json:"db_user" validate:"required"`
	DBPassword     string `json:"-" validate:"required"`
	DBName         string `json:"db_name" validate:"required"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns" validate:"gte=0"`
	DBMaxOpenConns int    `json:"db_max_open_conns" validate:"gt=0"`

	Redis   RedisConfig   `json:"redis"`
	LockTTL time.Duration `json:"lock_ttl" validate:"gt=0"`

	CORSOrigins   []string `json:"cors_origins"`
	PollRateLimit int      `json:"poll_rate_limit" validate:"gt=0"`

	SendInterval      time.Duration `json:"send_interval" validate:"gt=0"`
	PollInterval      time.Duration `json:"poll_interval" validate:"gt=0"`
	ScheduleInterval  time.Duration `json:"schedule_interval" validate:"gt=0"`
	PollLookback      time.Duration `json:"poll_lookback" validate:"gt=0"`
	TransportTimeout  time.Duration `json:"transport_timeout" validate:"gt=0"`
	WarmupCron        string        `json:"warmup_cron" validate:"required"`
	WorkerConcurrency int           `json:"worker_concurrency" validate:"gt=0"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

// LoadConfig reads the environment into a validated Config.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "replyflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		LockTTL: getEnvAsDuration("LOCK_TTL", 5*time.Minute),

		CORSOrigins:   getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		PollRateLimit: getEnvAsInt("POLL_RATE_LIMIT", 5),

		SendInterval:      getEnvAsDuration("SEND_INTERVAL", 30*time.Second),
		PollInterval:      getEnvAsDuration("POLL_INTERVAL", 5*time.Minute),
		ScheduleInterval:  getEnvAsDuration("SCHEDULE_INTERVAL", 10*time.Minute),
		PollLookback:      getEnvAsDuration("POLL_LOOKBACK", 7*24*time.Hour),
		TransportTimeout:  getEnvAsDuration("TRANSPORT_TIMEOUT", 60*time.Second),
		WarmupCron:        getEnv("WARMUP_CRON", "@daily"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 8),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

// ConnectDB opens the database, sizes the pool and migrates the schema.
func ConnectDB(cfg *Config, log logrus.FieldLogger) (*gorm.DB, error) {
	dsn := cfg.DSN()
	log.WithField("dsn", maskPassword(dsn)).Info("Connecting to database")

	gormCfg := &gorm.Config{}
	if cfg.Environment == "production" {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database ready")
	return db, nil
}

// Migrate creates or updates every table the engine uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}
