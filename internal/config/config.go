package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type AppInfo struct {
	AppName string `yaml:"app_name"`
	Env     string `yaml:"env"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
	Output string `yaml:"output"` // stdout|stderr|<file path>
	// File rotation, used when Output is a path.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type RedisConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Addresses    []string `yaml:"addresses"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	PoolSize     int      `yaml:"pool_size"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type MySQLConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec int    `yaml:"conn_max_lifetime"`
}

type HTTPServerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	GracefulTimeout Duration `yaml:"graceful_timeout"`
}

func (s HTTPServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type BusConfig struct {
	// Channel prefix for the distributed transport; topics are published on
	// "<prefix>.<type>".
	ChannelPrefix string `yaml:"channel_prefix"`
}

type JobsConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffMax     Duration `yaml:"backoff_max"`
	RetentionCount int      `yaml:"retention_count"`
	// RecoverStuck requeues records left in running state by a crash.
	RecoverStuck bool `yaml:"recover_stuck"`
}

type SchedulerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

type RuntimeConfig struct {
	InitTimeout     Duration `yaml:"init_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	CallTimeout     Duration `yaml:"call_timeout"`
	MailboxSize     int      `yaml:"mailbox_size"`
}

type AppConfig struct {
	AppInfo    AppInfo          `yaml:"app_info"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	HTTPServer HTTPServerConfig `yaml:"http_server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Bus        BusConfig        `yaml:"bus"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

// Load reads the YAML config at path. A missing file falls back to defaults;
// a present but malformed file is an error.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	if c.AppInfo.AppName == "" {
		c.AppInfo.AppName = "loom"
	}
	if c.AppInfo.Env == "" {
		c.AppInfo.Env = "development"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 7
	}
	if len(c.Redis.Addresses) == 0 {
		c.Redis.Addresses = []string{"127.0.0.1:6379"}
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = Duration(5 * time.Second)
	}
	if c.Redis.ReadTimeout <= 0 {
		c.Redis.ReadTimeout = Duration(3 * time.Second)
	}
	if c.Redis.WriteTimeout <= 0 {
		c.Redis.WriteTimeout = Duration(3 * time.Second)
	}
	if c.MySQL.DSN == "" {
		c.MySQL.DSN = "root:root@tcp(127.0.0.1:3306)/loom?parseTime=true&loc=UTC"
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 50
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 10
	}
	if c.MySQL.ConnMaxLifeSec <= 0 {
		c.MySQL.ConnMaxLifeSec = 300
	}
	if c.HTTPServer.Host == "" {
		c.HTTPServer.Host = "0.0.0.0"
	}
	if c.HTTPServer.Port <= 0 {
		c.HTTPServer.Port = 8080
	}
	if c.HTTPServer.GracefulTimeout <= 0 {
		c.HTTPServer.GracefulTimeout = Duration(10 * time.Second)
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}
	if c.Bus.ChannelPrefix == "" {
		c.Bus.ChannelPrefix = "loom.events"
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = Duration(250 * time.Millisecond)
	}
	if c.Jobs.BackoffBase <= 0 {
		c.Jobs.BackoffBase = Duration(time.Second)
	}
	if c.Jobs.BackoffMax <= 0 {
		c.Jobs.BackoffMax = Duration(5 * time.Minute)
	}
	if c.Jobs.RetentionCount <= 0 {
		c.Jobs.RetentionCount = 500
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = Duration(time.Minute)
	}
	if c.Runtime.InitTimeout <= 0 {
		c.Runtime.InitTimeout = Duration(15 * time.Second)
	}
	if c.Runtime.ShutdownTimeout <= 0 {
		c.Runtime.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Runtime.CallTimeout <= 0 {
		c.Runtime.CallTimeout = Duration(30 * time.Second)
	}
	if c.Runtime.MailboxSize <= 0 {
		c.Runtime.MailboxSize = 256
	}
}
