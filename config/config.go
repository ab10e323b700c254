package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the story orchestrator
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Bus       BusConfig       `mapstructure:"bus"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	MetricsPath       string        `mapstructure:"metrics_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type            string        `mapstructure:"type"` // openai, anthropic, scripted
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	MaxTokens       int64         `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	CostPer1K       float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

// AgentsConfig lists the agents the orchestrator registers at startup.
type AgentsConfig struct {
	Definitions []AgentDefinition `mapstructure:"definitions"`
}

// AgentDefinition describes one LLM-backed agent.
type AgentDefinition struct {
	ID             string   `mapstructure:"id"`
	Role           string   `mapstructure:"role"` // discovery:<x> | context:<x> | factcheck | synthesis
	Provider       string   `mapstructure:"provider"`
	Instruction    string   `mapstructure:"instruction"`
	RequiredFields []string `mapstructure:"required_fields"`
	Categories     []string `mapstructure:"categories"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis host was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether Postgres was configured by URL or host.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a connection string, preferring URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // memory | redis
}

// AuditConfig selects where the per-story audit log is written.
type AuditConfig struct {
	Backends     []string `mapstructure:"backends"` // memory | redis | postgres
	StreamMaxLen int64    `mapstructure:"stream_max_len"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.ServiceName) == "" {
		return fmt.Errorf("telemetry.service_name required when telemetry is enabled")
	}
	return nil
}

// SchedulerConfig re-submits configured topics on a cron schedule.
type SchedulerConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	LockTTL time.Duration    `mapstructure:"lock_ttl"`
	Topics  []ScheduledTopic `mapstructure:"topics"`
}

// ScheduledTopic is one recurring story submission.
type ScheduledTopic struct {
	Topic    string `mapstructure:"topic"`
	Category string `mapstructure:"category"`
	Cron     string `mapstructure:"cron"`
}

// LoadConfig loads config from file. An empty path searches the usual
// locations for config.json.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("NEWSER")
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv() // read in environment variables that match (NEWSER_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.Pipeline = config.Pipeline.Normalize()
	config.Audit = config.Audit.Normalize()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("pipeline.max_parallel", 4)
	v.SetDefault("pipeline.max_stories", 8)
	v.SetDefault("pipeline.call_timeout", 60*time.Second)
	v.SetDefault("pipeline.request_timeout", 20*time.Second)
	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("pipeline.backoff_base", 500*time.Millisecond)
	v.SetDefault("pipeline.backoff_max", 10*time.Second)
	v.SetDefault("pipeline.backoff_multiplier", 2.0)
	v.SetDefault("pipeline.jitter", 0.2)
	v.SetDefault("pipeline.cache_ttl", 15*time.Minute)
	v.SetDefault("pipeline.factcheck.max_rounds", 2)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("audit.backends", []string{"memory"})
	v.SetDefault("audit.stream_max_len", 10000)
	v.SetDefault("bus.history_size", 256)
	v.SetDefault("telemetry.service_name", "newser-intel")
	v.SetDefault("scheduler.lock_ttl", 5*time.Minute)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.validateAgents(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if !c.Storage.Redis.Enabled() {
			return fmt.Errorf("cache.backend redis requires storage.redis")
		}
	default:
		return fmt.Errorf("cache.backend %q not supported", c.Cache.Backend)
	}
	if err := c.Audit.Validate(c.Storage); err != nil {
		return err
	}
	return c.Scheduler.Validate()
}

func (c *Config) validateAgents() error {
	seen := make(map[string]struct{}, len(c.Agents.Definitions))
	for i, def := range c.Agents.Definitions {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			id = strings.TrimSpace(def.Role)
		}
		if id == "" {
			return fmt.Errorf("agents.definitions[%d]: id or role required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("agents.definitions[%d]: duplicate agent id %q", i, id)
		}
		seen[id] = struct{}{}
		switch kind, _, _ := strings.Cut(def.Role, ":"); kind {
		case "discovery", "context", "factcheck", "synthesis":
		default:
			return fmt.Errorf("agents.definitions[%d]: unknown role %q", i, def.Role)
		}
		if def.Provider != "" {
			if _, ok := c.LLM.Providers[def.Provider]; !ok {
				return fmt.Errorf("agents.definitions[%d]: unknown provider %q", i, def.Provider)
			}
		}
	}
	for _, rule := range c.Pipeline.Activation {
		if _, ok := seen[rule.Agent]; !ok && len(c.Agents.Definitions) > 0 {
			return fmt.Errorf("pipeline.activation: rule for unknown agent %q", rule.Agent)
		}
	}
	return nil
}
