package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// WarmLocation is a tracked location whose recent history is prefetched.
type WarmLocation struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string
	LogLevel   string

	WeatherAPIKey     string
	HistoryURL        string
	OneCallURL        string
	GeocodeURL        string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	HistoryCallsPerMinute int
	HistoryMaxCalls       int
	HistoryWorkers        int
	HistoryMaxRangeDays   int
	CoalesceTimeout       time.Duration

	CacheBackend          string // "sqlite", "in_memory" or "memcached"
	SQLitePath            string
	SnapshotFreshness     time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts           int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RateLimitRPS            int
	RateLimitBurst          int
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	WarmingEnabled   bool
	WarmingDays      int
	WarmingInterval  time.Duration
	WarmingLocations []WarmLocation

	LocationMinLen int
	LocationMaxLen int

	HealthWindow      time.Duration
	HealthFailurePct  int
	HealthOverloadPct int

	ShutdownTimeout time.Duration

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`

	WeatherAPI struct {
		HistoryURL string `yaml:"history_url"`
		OneCallURL string `yaml:"onecall_url"`
		GeocodeURL string `yaml:"geocode_url"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout           string `yaml:"timeout"`
		LocationMinLength int    `yaml:"location_min_length"`
		LocationMaxLength int    `yaml:"location_max_length"`
	} `yaml:"request"`

	History struct {
		CallsPerMinute     int    `yaml:"calls_per_minute"`
		MaxCallsPerRequest int    `yaml:"max_calls_per_request"`
		Workers            int    `yaml:"workers"`
		MaxRangeDays       int    `yaml:"max_range_days"`
		CoalesceTimeout    string `yaml:"coalesce_timeout"`
	} `yaml:"history"`

	Cache struct {
		Backend           string `yaml:"backend"`
		SnapshotFreshness string `yaml:"snapshot_freshness"`
		SQLite            struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Warming struct {
		Enabled   bool           `yaml:"enabled"`
		Days      int            `yaml:"days"`
		Interval  string         `yaml:"interval"`
		Locations []WarmLocation `yaml:"locations"`
	} `yaml:"warming"`

	Health struct {
		Window      string `yaml:"window"`
		FailurePct  int    `yaml:"failure_pct"`
		OverloadPct int    `yaml:"overload_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration relative to the working directory. See LoadFrom.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads root/.env (if present), then root/config/{ENV_NAME}.yaml (default dev)
// and root/config/secrets.yaml. The API key comes from WEATHER_API_KEY or the secrets file.
// Variables already set in the environment win over .env.
func LoadFrom(root string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(root, "config", env+".yaml")
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

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.Server.LogLevel, "INFO")

	cfg.WeatherAPIKey, err = loadAPIKey(root)
	if err != nil {
		return nil, err
	}

	cfg.HistoryURL = firstNonEmpty(fc.WeatherAPI.HistoryURL, "https://api.openweathermap.org/data/3.0/onecall/timemachine")
	cfg.OneCallURL = firstNonEmpty(fc.WeatherAPI.OneCallURL, "https://api.openweathermap.org/data/3.0/onecall")
	cfg.GeocodeURL = firstNonEmpty(fc.WeatherAPI.GeocodeURL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Minute)
	cfg.LocationMinLen = positiveOr(fc.Request.LocationMinLength, 1)
	cfg.LocationMaxLen = positiveOr(fc.Request.LocationMaxLength, 100)

	cfg.HistoryCallsPerMinute = positiveOr(fc.History.CallsPerMinute, 60)
	cfg.HistoryMaxCalls = positiveOr(fc.History.MaxCallsPerRequest, 240)
	cfg.HistoryWorkers = positiveOr(fc.History.Workers, 10)
	cfg.HistoryMaxRangeDays = positiveOr(fc.History.MaxRangeDays, 3660)
	cfg.CoalesceTimeout = parseDuration(fc.History.CoalesceTimeout, 5*time.Minute)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "sqlite"
	}
	cfg.SnapshotFreshness = parseDuration(fc.Cache.SnapshotFreshness, 12*time.Hour)
	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Cache.SQLite.Path, "data/weather_cache.db")
	if !filepath.IsAbs(cfg.SQLitePath) && cfg.SQLitePath != ":memory:" {
		cfg.SQLitePath = filepath.Join(root, cfg.SQLitePath)
	}
	cfg.MemcachedAddrs = firstNonEmpty(
		strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")),
		strings.TrimSpace(fc.Cache.Memcached.Addrs),
		"localhost:11211",
	)
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 20)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 40)
	cfg.BreakerFailureThreshold = positiveOr(fc.Reliability.CircuitBreaker.FailureThreshold, 5)
	cfg.BreakerSuccessThreshold = positiveOr(fc.Reliability.CircuitBreaker.SuccessThreshold, 2)
	cfg.BreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingDays = positiveOr(fc.Warming.Days, 7)
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, 6*time.Hour)
	cfg.WarmingLocations = fc.Warming.Locations

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthFailurePct = positiveOr(fc.Health.FailurePct, 50)
	cfg.HealthOverloadPct = positiveOr(fc.Health.OverloadPct, 80)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAPIKey(root string) (string, error) {
	if key := os.Getenv("WEATHER_API_KEY"); key != "" {
		return key, nil
	}
	secretsPath := filepath.Join(root, "config", "secrets.yaml")
	secretsData, err := os.ReadFile(secretsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read secrets file: %w", err)
		}
	} else {
		var sec secretsFile
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return "", fmt.Errorf("parse secrets file: %w", err)
		}
		if sec.WeatherAPIKey != "" {
			return sec.WeatherAPIKey, nil
		}
	}
	return "", fmt.Errorf("WEATHER_API_KEY required (set env, .env, or config/secrets.yaml weather_api_key)")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func positiveOr(v, defaultVal int) int {
	if v <= 0 {
		return defaultVal
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
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

// validate performs post-load validation. RequestTimeout is raised to exceed the
// upstream timeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "sqlite", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be sqlite, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.HistoryWorkers > cfg.HistoryMaxCalls {
		cfg.HistoryWorkers = cfg.HistoryMaxCalls
	}
	if cfg.LocationMinLen > cfg.LocationMaxLen {
		return fmt.Errorf("request.location_min_length (%d) exceeds location_max_length (%d)", cfg.LocationMinLen, cfg.LocationMaxLen)
	}
	if cfg.WarmingDays > cfg.HistoryMaxRangeDays {
		return fmt.Errorf("warming.days (%d) exceeds history.max_range_days (%d)", cfg.WarmingDays, cfg.HistoryMaxRangeDays)
	}
	if cfg.HealthFailurePct > 100 || cfg.HealthOverloadPct > 100 {
		return fmt.Errorf("health percentages must be at most 100")
	}
	if cfg.WarmingEnabled {
		for _, loc := range cfg.WarmingLocations {
			if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
				return fmt.Errorf("warming location %q has invalid coordinates %v,%v", loc.Name, loc.Lat, loc.Lon)
			}
		}
	}
	return nil
}
