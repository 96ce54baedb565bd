package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Security  SecurityConfig  `mapstructure:"security"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Rollout   RolloutConfig   `mapstructure:"rollout"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Nats      NatsConfig      `mapstructure:"nats"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	NodeTasks NodeTasksConfig `mapstructure:"node_tasks"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	EnableTimeline       bool   `mapstructure:"enable_timeline"`
	EnableMetrics        bool   `mapstructure:"enable_metrics"`
	// TimelineRetention prunes older timeline events at startup; zero keeps everything.
	TimelineRetention time.Duration `mapstructure:"timeline_retention"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RolloutConfig bounds the fan-out. Download and install run with separate timeouts since
// an install may take much longer than fetching an artifact.
type RolloutConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	InstallTimeout    time.Duration `mapstructure:"install_timeout"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	TaskPollInterval  time.Duration `mapstructure:"task_poll_interval"`
	FailOnUnreachable bool          `mapstructure:"fail_on_unreachable"`
}

type CatalogConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Channel string        `mapstructure:"channel"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type NatsConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type SSHConfig struct {
	User           string        `mapstructure:"user"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type NodeTasksConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

type AgentConfig struct {
	RemotePath string `mapstructure:"remote_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.timeline_retention", 30*24*time.Hour)
	v.SetDefault("rollout.concurrency", 8)
	v.SetDefault("rollout.discovery_timeout", 10*time.Second)
	v.SetDefault("rollout.download_timeout", 5*time.Minute)
	v.SetDefault("rollout.install_timeout", 30*time.Minute)
	v.SetDefault("rollout.task_timeout", 2*time.Minute)
	v.SetDefault("rollout.task_poll_interval", 2*time.Second)
	v.SetDefault("catalog.channel", "stable")
	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("cache.dir", "./data/images")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "fleet")
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.timeout", 30*time.Second)
	v.SetDefault("ssh.max_retries", 3)
	v.SetDefault("agent.remote_path", "/usr/local/bin/fleet-agent")
}

// Load reads path (optional) and FLEET_* environment variables on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var ErrInvalidConfig = errors.New("config: invalid")

func (c *Config) Validate() error {
	var problems []string
	if c.Rollout.Concurrency < 1 {
		problems = append(problems, "rollout.concurrency must be at least 1")
	}
	if c.Rollout.DiscoveryTimeout <= 0 {
		problems = append(problems, "rollout.discovery_timeout must be positive")
	}
	if c.Rollout.DownloadTimeout <= 0 || c.Rollout.InstallTimeout <= 0 {
		problems = append(problems, "rollout.download_timeout and rollout.install_timeout must be positive")
	}
	if c.Rollout.TaskPollInterval <= 0 || c.Rollout.TaskTimeout < c.Rollout.TaskPollInterval {
		problems = append(problems, "rollout.task_timeout must be at least rollout.task_poll_interval")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
