package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the application configuration. Values resolve in order:
// defaults, config files (later files override earlier ones), FARMD_*
// environment variables, CLI flags.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Agents      AgentsConfig    `toml:"agents"`
	Logfiles    LogfilesConfig  `toml:"logfiles"`
	Mail        MailConfig      `toml:"mail"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig configures the embedded entity store.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// SchedulerConfig tunes the assignment beats. Durations are strings such as
// "600s" or "10m".
type SchedulerConfig struct {
	// Strategy selects how the tick distributes idle agents: "agent" runs
	// one matcher pass per idle agent, "queue" pushes idle agents down the
	// tree with the weighted-fair allocator.
	Strategy string `toml:"strategy"`

	TickInterval     string `toml:"tick_interval"`
	PollBusyInterval string `toml:"poll_busy_interval"`
	PollIdleInterval string `toml:"poll_idle_interval"`
	LockTimeout      string `toml:"lock_timeout"`

	TransactionRetries int `toml:"transaction_retries"`

	// UseTotalRAM makes the matcher compare job RAM against the agent's
	// total rather than currently free memory.
	UseTotalRAM       bool `toml:"use_total_ram"`
	PreferRunningJobs bool `toml:"prefer_running_jobs"`
}

// AgentsConfig tunes outbound HTTP to agents.
type AgentsConfig struct {
	RequestTimeout    string `toml:"request_timeout"`
	MaxRetries        int    `toml:"max_retries"`
	RetryBackoff      string `toml:"retry_backoff"`
	AllowFromLoopback bool   `toml:"allow_from_loopback"`
}

type LogfilesConfig struct {
	Dir string `toml:"dir"`
}

// MailConfig configures completion notification mail. Empty host disables
// sending.
type MailConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	From string `toml:"from"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5000,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/farmd"},
		},
		Scheduler: SchedulerConfig{
			Strategy:           "agent",
			TickInterval:       "1s",
			PollBusyInterval:   "600s",
			PollIdleInterval:   "3600s",
			LockTimeout:        "60s",
			TransactionRetries: 3,
		},
		Agents: AgentsConfig{
			RequestTimeout: "10s",
			MaxRetries:     3,
			RetryBackoff:   "500ms",
		},
		Logfiles: LogfilesConfig{Dir: "./logfiles"},
		Mail:     MailConfig{Port: 25},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads the configuration from zero or more TOML files, later
// files overriding earlier ones, then applies environment overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFlagOverrides applies CLI flag values; zero values mean "not set".
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FARMD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FARMD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FARMD_DATABASE_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("FARMD_LOGFILES_DIR"); v != "" {
		cfg.Logfiles.Dir = v
	}
	if v := os.Getenv("FARMD_SCHEDULER_TICK_INTERVAL"); v != "" {
		cfg.Scheduler.TickInterval = v
	}
	if v := os.Getenv("FARMD_POLL_BUSY_AGENTS_INTERVAL"); v != "" {
		cfg.Scheduler.PollBusyInterval = v
	}
	if v := os.Getenv("FARMD_POLL_IDLE_AGENTS_INTERVAL"); v != "" {
		cfg.Scheduler.PollIdleInterval = v
	}
	if v := os.Getenv("FARMD_AGENT_REQUEST_TIMEOUT"); v != "" {
		cfg.Agents.RequestTimeout = v
	}
	if v := os.Getenv("FARMD_USE_TOTAL_RAM_FOR_SCHEDULING"); v != "" {
		cfg.Scheduler.UseTotalRAM = parseBool(v)
	}
	if v := os.Getenv("FARMD_PREFER_RUNNING_JOBS"); v != "" {
		cfg.Scheduler.PreferRunningJobs = parseBool(v)
	}
	if v := os.Getenv("FARMD_ALLOW_AGENTS_FROM_LOOPBACK"); v != "" {
		cfg.Agents.AllowFromLoopback = parseBool(v)
	}
	if v := os.Getenv("FARMD_MAIL_HOST"); v != "" {
		cfg.Mail.Host = v
	}
	if v := os.Getenv("FARMD_MAIL_FROM"); v != "" {
		cfg.Mail.From = v
	}
	if v := os.Getenv("FARMD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the parseable fields so bad durations fail at startup
// instead of mid-tick.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"scheduler.tick_interval":      c.Scheduler.TickInterval,
		"scheduler.poll_busy_interval": c.Scheduler.PollBusyInterval,
		"scheduler.poll_idle_interval": c.Scheduler.PollIdleInterval,
		"scheduler.lock_timeout":       c.Scheduler.LockTimeout,
		"agents.request_timeout":       c.Agents.RequestTimeout,
		"agents.retry_backoff":         c.Agents.RetryBackoff,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	if c.Scheduler.Strategy != "agent" && c.Scheduler.Strategy != "queue" {
		return fmt.Errorf("invalid scheduler strategy %q (want \"agent\" or \"queue\")", c.Scheduler.Strategy)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// Duration accessors; Validate guarantees these parse.

func (c *SchedulerConfig) TickIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.TickInterval)
	return d
}

func (c *SchedulerConfig) PollBusyIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollBusyInterval)
	return d
}

func (c *SchedulerConfig) PollIdleIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollIdleInterval)
	return d
}

func (c *SchedulerConfig) LockTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.LockTimeout)
	return d
}

func (c *AgentsConfig) RequestTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.RequestTimeout)
	return d
}

func (c *AgentsConfig) RetryBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryBackoff)
	return d
}
