package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig       `mapstructure:"server"`
	MySQL    MySQLConfig        `mapstructure:"mysql"`
	Redis    RedisConfig        `mapstructure:"redis"`
	Kafka    KafkaConfig        `mapstructure:"kafka"`
	Log      LogConfig          `mapstructure:"log"`
	Business BusinessConfig     `mapstructure:"business"`
	Prices   map[string]float64 `mapstructure:"prices"` // 每千克美元价格，按金属种类
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	TxTimeoutMs  int    `mapstructure:"tx_timeout_ms"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PricesKey string `mapstructure:"prices_key"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type BusinessConfig struct {
	MaxQuantity          float64 `mapstructure:"max_quantity"`
	MaxRetryCount        int     `mapstructure:"max_retry_count"`
	LockTTLSeconds       int     `mapstructure:"lock_ttl_seconds"`
	ReconcileIntervalSec int     `mapstructure:"reconcile_interval_seconds"`
}

// Default 返回默认配置，配置文件与环境变量在其基础上覆盖
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		MySQL: MySQLConfig{
			Host:         "127.0.0.1",
			Port:         3306,
			User:         "root",
			Database:     "custody",
			MaxOpenConns: 20,
			MaxIdleConns: 10,
			TxTimeoutMs:  5000,
		},
		Redis: RedisConfig{
			Host:      "127.0.0.1",
			Port:      6379,
			PricesKey: "custody:prices",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   KafkaTopicConfig{LedgerEvents: "custody-ledger-events"},
		},
		Log: LogConfig{Level: "info"},
		Business: BusinessConfig{
			MaxQuantity:          100000,
			MaxRetryCount:        5,
			LockTTLSeconds:       30,
			ReconcileIntervalSec: 300,
		},
		Prices: map[string]float64{
			"Gold":     60000,
			"Silver":   800,
			"Platinum": 35000,
		},
	}
}

// LoadConfig 加载配置文件
// 环境变量以 CUSTODY_ 为前缀覆盖配置项，例如 CUSTODY_MYSQL_HOST
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("custody")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Prices) == 0 {
		cfg.Prices = Default().Prices
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("mysql.host", d.MySQL.Host)
	v.SetDefault("mysql.port", d.MySQL.Port)
	v.SetDefault("mysql.user", d.MySQL.User)
	v.SetDefault("mysql.password", d.MySQL.Password)
	v.SetDefault("mysql.database", d.MySQL.Database)
	v.SetDefault("mysql.max_open_conns", d.MySQL.MaxOpenConns)
	v.SetDefault("mysql.max_idle_conns", d.MySQL.MaxIdleConns)
	v.SetDefault("mysql.tx_timeout_ms", d.MySQL.TxTimeoutMs)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prices_key", d.Redis.PricesKey)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic.ledger_events", d.Kafka.Topic.LedgerEvents)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("business.max_quantity", d.Business.MaxQuantity)
	v.SetDefault("business.max_retry_count", d.Business.MaxRetryCount)
	v.SetDefault("business.lock_ttl_seconds", d.Business.LockTTLSeconds)
	v.SetDefault("business.reconcile_interval_seconds", d.Business.ReconcileIntervalSec)
}
