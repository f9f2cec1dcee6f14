package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	SerialPort     string
	BaudRate       int
	ReadTimeout    time.Duration
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	MaxLineLength  int

	DatabasePath string

	AppendAttempts int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	DefaultHistoryHours int
	MaxHistoryHours     int
	RequestTimeout      time.Duration
	Location            *time.Location

	CacheBackend          string // "none", "in_memory" or "memcached"
	HistoryCacheTTL       time.Duration
	RangeCacheTTL         time.Duration
	CoalesceTimeout       time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRPS   int
	RateLimitBurst int

	StaleAfter       time.Duration
	StoreErrorWindow time.Duration
	StoreErrorPct    int
	IngestionWindow  time.Duration

	StatsSchedule string
	StatsWindow   time.Duration

	MQTTEnabled        bool
	MQTTBroker         string
	MQTTClientID       string
	MQTTTopic          string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            byte
	MQTTRetained       bool
	MQTTConnectTimeout time.Duration

	ShutdownTimeout         time.Duration
	ShutdownInFlightTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Serial struct {
		Port           string `yaml:"port"`
		BaudRate       int    `yaml:"baud_rate"`
		ReadTimeout    string `yaml:"read_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		ReconnectDelay string `yaml:"reconnect_delay"`
		MaxLineLength  int    `yaml:"max_line_length"`
	} `yaml:"serial"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Reliability struct {
		AppendMaxAttempts int    `yaml:"append_max_attempts"`
		RetryBaseDelay    string `yaml:"retry_base_delay"`
		RetryMaxDelay     string `yaml:"retry_max_delay"`
		RateLimitRPS      int    `yaml:"rate_limit_rps"`
		RateLimitBurst    int    `yaml:"rate_limit_burst"`
		CircuitBreaker    struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Query struct {
		DefaultHours   int    `yaml:"default_history_hours"`
		MaxHours       int    `yaml:"max_history_hours"`
		RequestTimeout string `yaml:"request_timeout"`
		Timezone       string `yaml:"timezone"`
	} `yaml:"query"`

	Cache struct {
		Backend         string `yaml:"backend"`
		HistoryTTL      string `yaml:"history_ttl"`
		RangeTTL        string `yaml:"range_ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Health struct {
		StaleAfter       string `yaml:"stale_after"`
		StoreErrorWindow string `yaml:"store_error_window"`
		StoreErrorPct    int    `yaml:"store_error_pct"`
		IngestionWindow  string `yaml:"ingestion_window"`
	} `yaml:"health"`

	Stats struct {
		Schedule string `yaml:"schedule"`
		Window   string `yaml:"window"`
	} `yaml:"stats"`

	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		Broker         string `yaml:"broker"`
		ClientID       string `yaml:"client_id"`
		Topic          string `yaml:"topic"`
		Username       string `yaml:"username"`
		QoS            *int   `yaml:"qos"`
		Retained       bool   `yaml:"retained"`
		ConnectTimeout string `yaml:"connect_timeout"`
	} `yaml:"mqtt"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	MQTTPassword string `yaml:"mqtt_password"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml relative to the working directory. Environment variables
// override file values. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadDir(filepath.Join(cwd, "config"))
}

// LoadDir is Load without .env handling, reading YAML from dir.
func LoadDir(dir string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(dir, env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = envOr("SERVER_PORT", fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "5000"
	}

	cfg.SerialPort = envOr("SERIAL_PORT", fc.Serial.Port)
	if cfg.SerialPort == "" {
		cfg.SerialPort = "/dev/ttyACM0"
	}
	cfg.BaudRate = fc.Serial.BaudRate
	if v := strings.TrimSpace(os.Getenv("SERIAL_BAUD_RATE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SERIAL_BAUD_RATE must be an integer, got %q", v)
		}
		cfg.BaudRate = n
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	cfg.ReadTimeout = parseDuration(fc.Serial.ReadTimeout, time.Second)
	cfg.PollInterval = parseDuration(fc.Serial.PollInterval, 100*time.Millisecond)
	cfg.ReconnectDelay = parseDuration(fc.Serial.ReconnectDelay, 5*time.Second)
	cfg.MaxLineLength = fc.Serial.MaxLineLength
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 1024
	}

	cfg.DatabasePath = envOr("DATABASE_PATH", fc.Database.Path)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "co2_data.db"
	}

	cfg.AppendAttempts = fc.Reliability.AppendMaxAttempts
	if cfg.AppendAttempts <= 0 {
		cfg.AppendAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 50*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 500*time.Millisecond)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.DefaultHistoryHours = fc.Query.DefaultHours
	if cfg.DefaultHistoryHours <= 0 {
		cfg.DefaultHistoryHours = 24
	}
	cfg.MaxHistoryHours = fc.Query.MaxHours
	if cfg.MaxHistoryHours <= 0 {
		cfg.MaxHistoryHours = 24 * 31
	}
	cfg.RequestTimeout = parseDuration(fc.Query.RequestTimeout, 5*time.Second)
	cfg.Location = time.Local
	if tz := strings.TrimSpace(fc.Query.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("query.timezone: %w", err)
		}
		cfg.Location = loc
	}

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.HistoryCacheTTL = parseDurationOrZero(fc.Cache.HistoryTTL, 5*time.Second)
	cfg.RangeCacheTTL = parseDurationOrZero(fc.Cache.RangeTTL, 5*time.Minute)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 5*time.Second)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.StaleAfter = parseDurationOrZero(fc.Health.StaleAfter, time.Minute)
	cfg.StoreErrorWindow = parseDuration(fc.Health.StoreErrorWindow, 5*time.Minute)
	cfg.StoreErrorPct = fc.Health.StoreErrorPct
	if cfg.StoreErrorPct <= 0 {
		cfg.StoreErrorPct = 50
	}
	cfg.IngestionWindow = parseDuration(fc.Health.IngestionWindow, time.Minute)

	cfg.StatsSchedule = strings.TrimSpace(fc.Stats.Schedule)
	if cfg.StatsSchedule == "" {
		cfg.StatsSchedule = "@every 1m"
	}
	cfg.StatsWindow = parseDuration(fc.Stats.Window, time.Hour)

	cfg.MQTTBroker = envOr("MQTT_BROKER", fc.MQTT.Broker)
	cfg.MQTTEnabled = fc.MQTT.Enabled || os.Getenv("MQTT_BROKER") != ""
	cfg.MQTTClientID = fc.MQTT.ClientID
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "co2-monitor"
	}
	cfg.MQTTTopic = fc.MQTT.Topic
	if cfg.MQTTTopic == "" {
		cfg.MQTTTopic = "sensors/co2"
	}
	cfg.MQTTUsername = fc.MQTT.Username
	cfg.MQTTQoS = 1
	if fc.MQTT.QoS != nil {
		if *fc.MQTT.QoS < 0 || *fc.MQTT.QoS > 2 {
			return nil, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *fc.MQTT.QoS)
		}
		cfg.MQTTQoS = byte(*fc.MQTT.QoS)
	}
	cfg.MQTTRetained = fc.MQTT.Retained
	cfg.MQTTConnectTimeout = parseDuration(fc.MQTT.ConnectTimeout, 5*time.Second)
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	if cfg.MQTTPassword == "" {
		secretsData, err := os.ReadFile(filepath.Join(dir, "secrets.yaml"))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.MQTTPassword = sec.MQTTPassword
		}
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 10*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 5*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the trimmed env value for key, or fallback (trimmed) when unset.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// An explicit "0s" is kept; callers use it to disable a feature (e.g. a cache TTL).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", cfg.BaudRate)
	}
	switch cfg.CacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be none, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.MQTTEnabled && cfg.MQTTBroker == "" {
		return fmt.Errorf("mqtt.broker required when mqtt is enabled")
	}
	if cfg.DefaultHistoryHours > cfg.MaxHistoryHours {
		return fmt.Errorf("query.default_history_hours (%d) exceeds max_history_hours (%d)", cfg.DefaultHistoryHours, cfg.MaxHistoryHours)
	}
	if cfg.StoreErrorPct > 100 {
		return fmt.Errorf("health.store_error_pct must be <= 100, got %d", cfg.StoreErrorPct)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	return nil
}
