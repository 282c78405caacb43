package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type NATSConfig struct {
	URL string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// AuthConfig holds the two authentication secrets. Both are empty by default
// and the endpoints they protect fail closed until they are configured.
type AuthConfig struct {
	CronSecret     string
	AdminJWTSecret string
}

type AnalyzerConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// JobsConfig drives the SLA scheduler. Intervals only matter when Internal
// is true; otherwise the jobs run via the authenticated trigger endpoints.
type JobsConfig struct {
	BatchSize        int
	StandardSLAHours int
	PrioritySLAHours int
	HardCeilingHours int
	Internal         bool
	HourlyInterval   time.Duration
	DailyInterval    time.Duration
}

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Log      LogConfig
	Auth     AuthConfig
	Analyzer AnalyzerConfig
	Storage  StorageConfig
	Jobs     JobsConfig
}

// SLAHours returns the configured SLA for a tier by name.
func (c *Config) SLAHours(tier string) int {
	if tier == "priority" {
		return c.Jobs.PrioritySLAHours
	}
	return c.Jobs.StandardSLAHours
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")

	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", "5432")
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "verification")
	v.SetDefault("DATABASE_SSLMODE", "disable")

	v.SetDefault("NATS_URL", "nats://localhost:4222")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", "false")

	v.SetDefault("CRON_SECRET", "")
	v.SetDefault("ADMIN_JWT_SECRET", "")

	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("ANALYZER_TIMEOUT_SECONDS", "60")

	v.SetDefault("S3_ENDPOINT", "localhost:9000")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_BUCKET", "verification-documents")
	v.SetDefault("S3_USE_SSL", "false")
	v.SetDefault("DOCUMENT_URL_TTL_SECONDS", "300")

	v.SetDefault("JOB_BATCH_SIZE", "50")
	v.SetDefault("SLA_STANDARD_HOURS", "24")
	v.SetDefault("SLA_PRIORITY_HOURS", "4")
	v.SetDefault("ESCALATION_CEILING_HOURS", "48")
	v.SetDefault("JOBS_INTERNAL", "false")
	v.SetDefault("JOBS_HOURLY_INTERVAL_MINUTES", "60")
	v.SetDefault("JOBS_DAILY_INTERVAL_MINUTES", "1440")
}

func intValue(v *viper.Viper, key string) (int, error) {
	raw := v.GetString(key)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, raw)
	}
	return n, nil
}

func boolValue(v *viper.Viper, key string) bool {
	raw := v.GetString(key)
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return b
}

// Load builds the configuration from environment variables with defaults.
// This is the only place the process environment is read; everything else
// receives an explicit Config.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	serverPort, err := intValue(v, "SERVER_PORT")
	if err != nil {
		return nil, err
	}
	dbPort, err := intValue(v, "DATABASE_PORT")
	if err != nil {
		return nil, err
	}
	analyzerTimeout, err := intValue(v, "ANALYZER_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	urlTTL, err := intValue(v, "DOCUMENT_URL_TTL_SECONDS")
	if err != nil {
		return nil, err
	}
	batchSize, err := intValue(v, "JOB_BATCH_SIZE")
	if err != nil {
		return nil, err
	}
	standardSLA, err := intValue(v, "SLA_STANDARD_HOURS")
	if err != nil {
		return nil, err
	}
	prioritySLA, err := intValue(v, "SLA_PRIORITY_HOURS")
	if err != nil {
		return nil, err
	}
	hardCeiling, err := intValue(v, "ESCALATION_CEILING_HOURS")
	if err != nil {
		return nil, err
	}
	hourlyInterval, err := intValue(v, "JOBS_HOURLY_INTERVAL_MINUTES")
	if err != nil {
		return nil, err
	}
	dailyInterval, err := intValue(v, "JOBS_DAILY_INTERVAL_MINUTES")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: serverPort,
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DATABASE_HOST"),
			Port:     dbPort,
			User:     v.GetString("DATABASE_USER"),
			Password: v.GetString("DATABASE_PASSWORD"),
			DBName:   v.GetString("DATABASE_DBNAME"),
			SSLMode:  v.GetString("DATABASE_SSLMODE"),
		},
		NATS: NATSConfig{
			URL: v.GetString("NATS_URL"),
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
			JSON:  boolValue(v, "LOG_JSON"),
		},
		Auth: AuthConfig{
			CronSecret:     v.GetString("CRON_SECRET"),
			AdminJWTSecret: v.GetString("ADMIN_JWT_SECRET"),
		},
		Analyzer: AnalyzerConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Model:   v.GetString("OPENAI_MODEL"),
			Timeout: time.Duration(analyzerTimeout) * time.Second,
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("S3_ENDPOINT"),
			AccessKey: v.GetString("S3_ACCESS_KEY"),
			SecretKey: v.GetString("S3_SECRET_KEY"),
			Bucket:    v.GetString("S3_BUCKET"),
			UseSSL:    boolValue(v, "S3_USE_SSL"),
			URLTTL:    time.Duration(urlTTL) * time.Second,
		},
		Jobs: JobsConfig{
			BatchSize:        batchSize,
			StandardSLAHours: standardSLA,
			PrioritySLAHours: prioritySLA,
			HardCeilingHours: hardCeiling,
			Internal:         boolValue(v, "JOBS_INTERNAL"),
			HourlyInterval:   time.Duration(hourlyInterval) * time.Minute,
			DailyInterval:    time.Duration(dailyInterval) * time.Minute,
		},
	}

	return cfg, nil
}

// DatabaseDSN renders the pgx connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}
