package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
}

type TelegramConfig struct {
	APIEndpoint  string        `mapstructure:"api_endpoint"`
	FileEndpoint string        `mapstructure:"file_endpoint"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// DSN is the go-sql-driver/mysql data source name used by the mysql driver.
	DSN string `mapstructure:"dsn"`
}

type SupervisorConfig struct {
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	EventTimeout     time.Duration `mapstructure:"event_timeout"`
	MaxParallelStops int           `mapstructure:"max_parallel_stops"`
}

// RedisConfig enables auto-reply throttling when Addr is set.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	AutoReplyLimit  int           `mapstructure:"auto_reply_limit"`
	AutoReplyWindow time.Duration `mapstructure:"auto_reply_window"`
}

// NATSConfig enables inbox event publishing when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// OpenAIConfig enables voice transcription when APIKey is set.
type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   DriverPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{"https://*", "http://*"})
	v.SetDefault("http.rate_limit", 120)
	v.SetDefault("http.rate_window", time.Minute)

	v.SetDefault("telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("telegram.file_endpoint", "https://api.telegram.org/file/bot%s/%s")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.send_timeout", 10*time.Second)
	v.SetDefault("telegram.retry_delay", 3*time.Second)

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "botrelay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.dsn", "")

	v.SetDefault("supervisor.stop_timeout", 5*time.Second)
	v.SetDefault("supervisor.shutdown_timeout", 30*time.Second)
	v.SetDefault("supervisor.event_timeout", 30*time.Second)
	v.SetDefault("supervisor.max_parallel_stops", 8)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.auto_reply_limit", 5)
	v.SetDefault("redis.auto_reply_window", time.Minute)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "inbox")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "whisper-1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads the YAML file at path, if any, then applies environment
// overrides: nested keys as SECTION_KEY (e.g. DATABASE_DRIVER) plus
// DATABASE_URL and OPENAI_API_KEY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverMemory, DriverPostgres:
	case DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	durations := map[string]time.Duration{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"telegram.send_timeout":       c.Telegram.SendTimeout,
		"telegram.retry_delay":        c.Telegram.RetryDelay,
		"supervisor.stop_timeout":     c.Supervisor.StopTimeout,
		"supervisor.shutdown_timeout": c.Supervisor.ShutdownTimeout,
		"supervisor.event_timeout":    c.Supervisor.EventTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Redis.Addr != "" && (c.Redis.AutoReplyLimit <= 0 || c.Redis.AutoReplyWindow <= 0) {
		errs = append(errs, errors.New("redis.auto_reply_limit and redis.auto_reply_window must be positive"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}

	return errors.Join(errs...)
}
