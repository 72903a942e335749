package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. Values come from defaults, then
// an optional YAML file, then ETRM_-prefixed environment variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "memory", "postgres" or "sqlite"
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RiskConfig struct {
	Workers    int     `mapstructure:"workers"`
	Scenarios  int     `mapstructure:"scenarios"`
	Confidence float64 `mapstructure:"confidence"`
}

type SettlementConfig struct {
	Currency    string        `mapstructure:"currency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type ComplianceConfig struct {
	Jurisdiction    string        `mapstructure:"jurisdiction"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	RamadanStart    string        `mapstructure:"ramadan_start"` // YYYY-MM-DD, updated yearly
	RamadanDays     int           `mapstructure:"ramadan_days"`
	BlackoutDays    int           `mapstructure:"blackout_days"`
}

type ScheduleConfig struct {
	MTMCron  string `mapstructure:"mtm_cron"`
	RiskCron string `mapstructure:"risk_cron"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "etrm.trade.transitions")
	v.SetDefault("risk.workers", 4)
	v.SetDefault("risk.scenarios", 10000)
	v.SetDefault("risk.confidence", 0.95)
	v.SetDefault("settlement.currency", "USD")
	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.base_backoff", time.Second)
	v.SetDefault("settlement.max_backoff", 30*time.Second)
	v.SetDefault("compliance.jurisdiction", "AE")
	v.SetDefault("compliance.provider_timeout", 3*time.Second)
	v.SetDefault("compliance.ramadan_start", "")
	v.SetDefault("compliance.ramadan_days", 30)
	v.SetDefault("compliance.blackout_days", 10)
	v.SetDefault("schedule.mtm_cron", "*/15 * * * *")
	v.SetDefault("schedule.risk_cron", "0 18 * * *")
}

// Load reads configuration. path may be empty, in which case config.yaml is
// searched in the working directory and /etc/etrm; a missing file is fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ETRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/etrm")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	if c.Risk.Workers <= 0 {
		return fmt.Errorf("risk workers must be positive, got %d", c.Risk.Workers)
	}
	if c.Risk.Scenarios <= 0 {
		return fmt.Errorf("risk scenarios must be positive, got %d", c.Risk.Scenarios)
	}
	if c.Risk.Confidence != 0.95 && c.Risk.Confidence != 0.99 {
		return fmt.Errorf("risk confidence must be 0.95 or 0.99, got %v", c.Risk.Confidence)
	}
	if c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("settlement max attempts must be positive, got %d", c.Settlement.MaxAttempts)
	}
	if c.Compliance.RamadanStart != "" {
		if _, err := time.Parse("2006-01-02", c.Compliance.RamadanStart); err != nil {
			return fmt.Errorf("invalid ramadan start date %q: %w", c.Compliance.RamadanStart, err)
		}
	}
	return nil
}

// RamadanStartTime parses the configured Ramadan start date; the zero time
// and false mean no window is configured.
func (c *ComplianceConfig) RamadanStartTime() (time.Time, bool) {
	if c.RamadanStart == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", c.RamadanStart)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
