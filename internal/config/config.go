package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AuthAlgorithm string

const (
	AuthPlain  AuthAlgorithm = "plain"
	AuthXXH128 AuthAlgorithm = "xxh128"
)

type CounterMode string

const (
	// CounterDelta: the engine resets its counters after every report.
	CounterDelta CounterMode = "delta"
	// CounterCumulative: the engine reports lifetime totals.
	CounterCumulative CounterMode = "cumulative"
)

type Config struct {
	HTTPAddress  string `yaml:"http_address"`
	HTTPPort     int    `yaml:"http_port"`
	GRPCPort     int    `yaml:"grpc_port"`
	Insecure     bool   `yaml:"insecure"`
	AdminToken   string `yaml:"admin_token"`
	PublicURL    string `yaml:"public_url"`
	SimpleMode   bool   `yaml:"simple_mode"`
	DatabaseURL  string `yaml:"database_url"`
	SeedFile     string `yaml:"seed_file"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
	MetricsRoute bool   `yaml:"metrics_route"`

	EngineExecutablePath string        `yaml:"engine_executable_path"`
	EngineConfigPath     string        `yaml:"engine_config_path"`
	EngineAPIAddress     string        `yaml:"engine_api_address"`
	EngineAPIPathPrefix  string        `yaml:"engine_api_path_prefix"`
	EngineControlTimeout time.Duration `yaml:"engine_control_timeout"`
	EngineRestartWait    time.Duration `yaml:"engine_restart_wait"`
	EngineRestartOnExit  bool          `yaml:"engine_restart_on_exit"`
	VerifyAttempts       int           `yaml:"verify_attempts"`
	VerifyBackoff        time.Duration `yaml:"verify_backoff"`
	HealthCheckEnabled   bool          `yaml:"health_check_enabled"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	HealthCheckFailures  int           `yaml:"health_check_failures"`

	ServicePrefix  string        `yaml:"service_prefix"`
	ListenHost     string        `yaml:"listen_host"`
	PortRangeMin   int           `yaml:"port_range_min"`
	PortRangeMax   int           `yaml:"port_range_max"`
	ObserverPeriod time.Duration `yaml:"observer_period"`

	CounterMode        CounterMode   `yaml:"counter_mode"`
	CounterStateTTL    time.Duration `yaml:"counter_state_ttl"`
	AnomalyCeiling     int64         `yaml:"anomaly_ceiling_bytes"`
	DirectoryTTL       time.Duration `yaml:"directory_ttl"`
	SerializerRetries  int           `yaml:"serializer_retries"`
	SerializerBackoff  time.Duration `yaml:"serializer_backoff"`
	QuotaCheckInterval time.Duration `yaml:"quota_check_interval"`

	SyncMinInterval   time.Duration `yaml:"sync_min_interval"`
	SyncLockTimeout   time.Duration `yaml:"sync_lock_timeout"`
	SyncPreemptWait   time.Duration `yaml:"sync_preempt_wait"`
	SyncQueueCapacity int           `yaml:"sync_queue_capacity"`
	AutoSyncEnabled   bool          `yaml:"auto_sync_enabled"`
	AutoSyncInterval  time.Duration `yaml:"auto_sync_interval"`

	MonitorEnabled        bool          `yaml:"monitor_enabled"`
	MonitorInterval       time.Duration `yaml:"monitor_interval"`
	MonitorHighUsageRatio float64       `yaml:"monitor_high_usage_ratio"`
	MonitorLargeGrowth    int64         `yaml:"monitor_large_growth_bytes"`
	MonitorFloorInterval  time.Duration `yaml:"monitor_floor_interval"`
	ViolationHistory      int           `yaml:"violation_history"`

	SSLCertFile       string `yaml:"ssl_cert_file"`
	SSLKeyFile        string `yaml:"ssl_key_file"`
	SSLClientCertFile string `yaml:"ssl_client_cert_file"`

	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	AuthGenerationAlgorithm AuthAlgorithm `yaml:"auth_generation_algorithm"`
}

func Defaults() Config {
	return Config{
		HTTPAddress:  "0.0.0.0",
		HTTPPort:     8080,
		GRPCPort:     0,
		Insecure:     true,
		MetricsRoute: true,

		EngineExecutablePath: "",
		EngineConfigPath:     "/etc/gost/gost.json",
		EngineAPIAddress:     "127.0.0.1:18080",
		EngineAPIPathPrefix:  "",
		EngineControlTimeout: 5 * time.Second,
		EngineRestartWait:    time.Second,
		EngineRestartOnExit:  true,
		VerifyAttempts:       3,
		VerifyBackoff:        2 * time.Second,
		HealthCheckEnabled:   true,
		HealthCheckInterval:  30 * time.Second,
		HealthCheckFailures:  3,

		ServicePrefix:  "fwd",
		ListenHost:     "",
		PortRangeMin:   1024,
		PortRangeMax:   65535,
		ObserverPeriod: 5 * time.Second,

		CounterMode:        CounterDelta,
		CounterStateTTL:    time.Hour,
		AnomalyCeiling:     500 * 1024 * 1024,
		DirectoryTTL:       5 * time.Minute,
		SerializerRetries:  3,
		SerializerBackoff:  100 * time.Millisecond,
		QuotaCheckInterval: 15 * time.Second,

		SyncMinInterval:   10 * time.Second,
		SyncLockTimeout:   60 * time.Second,
		SyncPreemptWait:   5 * time.Second,
		SyncQueueCapacity: 10,
		AutoSyncEnabled:   true,
		AutoSyncInterval:  5 * time.Minute,

		MonitorEnabled:        true,
		MonitorInterval:       10 * time.Second,
		MonitorHighUsageRatio: 0.8,
		MonitorLargeGrowth:    100 * 1024 * 1024,
		MonitorFloorInterval:  60 * time.Second,
		ViolationHistory:      20,

		SSLCertFile: "./ssl_cert.pem",
		SSLKeyFile:  "./ssl_key.pem",

		LogFormat: "pretty",

		AuthGenerationAlgorithm: AuthXXH128,
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// FORWARDCTL_CONFIG, and finally the environment (including a .env file).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("FORWARDCTL_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.HTTPAddress = getenv("HTTP_ADDRESS", c.HTTPAddress)
	c.HTTPPort = getenvInt("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getenvInt("GRPC_PORT", c.GRPCPort)
	c.Insecure = getenvBool("INSECURE", c.Insecure)
	c.AdminToken = getenv("ADMIN_TOKEN", c.AdminToken)
	c.PublicURL = getenv("PUBLIC_URL", c.PublicURL)
	c.SimpleMode = getenvBool("SIMPLE_MODE", c.SimpleMode)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.SeedFile = getenv("SEED_FILE", c.SeedFile)
	c.AutoMigrate = getenvBool("AUTO_MIGRATE", c.AutoMigrate)
	c.MetricsRoute = getenvBool("METRICS_ROUTE", c.MetricsRoute)

	c.EngineExecutablePath = getenv("ENGINE_EXECUTABLE_PATH", c.EngineExecutablePath)
	c.EngineConfigPath = getenv("ENGINE_CONFIG_PATH", c.EngineConfigPath)
	c.EngineAPIAddress = getenv("ENGINE_API_ADDRESS", c.EngineAPIAddress)
	c.EngineAPIPathPrefix = getenv("ENGINE_API_PATH_PREFIX", c.EngineAPIPathPrefix)
	c.EngineControlTimeout = getenvSeconds("ENGINE_CONTROL_TIMEOUT", c.EngineControlTimeout)
	c.EngineRestartWait = getenvSeconds("ENGINE_RESTART_WAIT", c.EngineRestartWait)
	c.EngineRestartOnExit = getenvBool("ENGINE_RESTART_ON_EXIT", c.EngineRestartOnExit)
	c.VerifyAttempts = getenvInt("VERIFY_ATTEMPTS", c.VerifyAttempts)
	c.VerifyBackoff = getenvSeconds("VERIFY_BACKOFF", c.VerifyBackoff)
	c.HealthCheckEnabled = getenvBool("HEALTH_CHECK_ENABLED", c.HealthCheckEnabled)
	c.HealthCheckInterval = getenvSeconds("HEALTH_CHECK_INTERVAL", c.HealthCheckInterval)
	c.HealthCheckFailures = getenvInt("HEALTH_CHECK_FAILURE_THRESHOLD", c.HealthCheckFailures)

	c.ServicePrefix = getenv("SERVICE_PREFIX", c.ServicePrefix)
	c.ListenHost = getenv("LISTEN_HOST", c.ListenHost)
	c.PortRangeMin = getenvInt("PORT_RANGE_MIN", c.PortRangeMin)
	c.PortRangeMax = getenvInt("PORT_RANGE_MAX", c.PortRangeMax)
	c.ObserverPeriod = getenvSeconds("OBSERVER_PERIOD", c.ObserverPeriod)

	c.CounterMode = CounterMode(strings.ToLower(getenv("COUNTER_MODE", string(c.CounterMode))))
	c.CounterStateTTL = getenvSeconds("COUNTER_STATE_TTL", c.CounterStateTTL)
	c.AnomalyCeiling = getenvInt64("ANOMALY_CEILING_BYTES", c.AnomalyCeiling)
	c.DirectoryTTL = getenvSeconds("DIRECTORY_TTL", c.DirectoryTTL)
	c.SerializerRetries = getenvInt("SERIALIZER_RETRIES", c.SerializerRetries)
	c.QuotaCheckInterval = getenvSeconds("QUOTA_CHECK_INTERVAL", c.QuotaCheckInterval)

	c.SyncMinInterval = getenvSeconds("SYNC_MIN_INTERVAL", c.SyncMinInterval)
	c.SyncLockTimeout = getenvSeconds("SYNC_LOCK_TIMEOUT", c.SyncLockTimeout)
	c.SyncPreemptWait = getenvSeconds("SYNC_PREEMPT_WAIT", c.SyncPreemptWait)
	c.SyncQueueCapacity = getenvInt("SYNC_QUEUE_CAPACITY", c.SyncQueueCapacity)
	c.AutoSyncEnabled = getenvBool("AUTO_SYNC_ENABLED", c.AutoSyncEnabled)
	c.AutoSyncInterval = getenvSeconds("AUTO_SYNC_INTERVAL", c.AutoSyncInterval)

	c.MonitorEnabled = getenvBool("MONITOR_ENABLED", c.MonitorEnabled)
	c.MonitorInterval = getenvSeconds("MONITOR_INTERVAL", c.MonitorInterval)
	c.MonitorHighUsageRatio = getenvFloat("MONITOR_HIGH_USAGE_RATIO", c.MonitorHighUsageRatio)
	c.MonitorLargeGrowth = getenvInt64("MONITOR_LARGE_GROWTH_BYTES", c.MonitorLargeGrowth)
	c.MonitorFloorInterval = getenvSeconds("MONITOR_FLOOR_INTERVAL", c.MonitorFloorInterval)
	c.ViolationHistory = getenvInt("VIOLATION_HISTORY", c.ViolationHistory)

	c.SSLCertFile = getenv("SSL_CERT_FILE", c.SSLCertFile)
	c.SSLKeyFile = getenv("SSL_KEY_FILE", c.SSLKeyFile)
	c.SSLClientCertFile = getenv("SSL_CLIENT_CERT_FILE", c.SSLClientCertFile)

	c.Debug = getenvBool("DEBUG", c.Debug)
	c.LogFormat = getenv("LOG_FORMAT", c.LogFormat)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)

	c.AuthGenerationAlgorithm = AuthAlgorithm(getenv("AUTH_GENERATION_ALGORITHM", string(c.AuthGenerationAlgorithm)))
}

func (c Config) Validate() error {
	switch c.CounterMode {
	case CounterDelta, CounterCumulative:
	default:
		return fmt.Errorf("invalid COUNTER_MODE %q", c.CounterMode)
	}
	if c.PortRangeMin < 1 || c.PortRangeMax > 65535 || c.PortRangeMin > c.PortRangeMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeMin, c.PortRangeMax)
	}
	if c.AnomalyCeiling <= 0 {
		return fmt.Errorf("anomaly ceiling must be positive")
	}
	if c.SyncQueueCapacity < 1 {
		return fmt.Errorf("sync queue capacity must be at least 1")
	}
	return nil
}

// WebhookBaseURL is the address the engine uses to reach our plugin endpoints.
func (c Config) WebhookBaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	scheme := "https"
	if c.Insecure {
		scheme = "http"
	}
	host := c.HTTPAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, c.HTTPPort)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getenvSeconds reads a duration given in (possibly fractional) seconds.
func getenvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}
