package config

import (
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env             string `mapstructure:"env"`
	Port            string `mapstructure:"port"`
	LogLevel        string `mapstructure:"log_level"`
	GlobalChannelID string `mapstructure:"global_channel_id"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	TopicMessageSent string   `mapstructure:"topic_message_sent"`
	GroupID          string   `mapstructure:"group_id"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type PresenceConfig struct {
	TTLSeconds          int `mapstructure:"ttl_seconds"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

type HistoryConfig struct {
	DefaultLimit int64 `mapstructure:"default_limit"`
	CacheSize    int   `mapstructure:"cache_size"`
}

type StatsConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

type RateConfig struct {
	SendPerMinute int `mapstructure:"send_per_minute"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Presence PresenceConfig `mapstructure:"presence"`
	History  HistoryConfig  `mapstructure:"history"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Rate     RateConfig     `mapstructure:"rate"`
	WS       WSConfig       `mapstructure:"ws"`

	// derived timeouts
	PresenceTTL     time.Duration
	PresencePoll    time.Duration
	StatsTTL        time.Duration
	WSPingInterval  time.Duration
	WSWriteDeadline time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.App.Port == "" {
		c.App.Port = "8080"
	}
	if c.App.GlobalChannelID == "" {
		c.App.GlobalChannelID = "global"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "relay"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "relay"
	}
	if c.Kafka.TopicMessageSent == "" {
		c.Kafka.TopicMessageSent = "message.sent"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "relay-archiver"
	}
	if c.Presence.TTLSeconds == 0 {
		c.Presence.TTLSeconds = 60
	}
	if c.Presence.PollIntervalSeconds == 0 {
		c.Presence.PollIntervalSeconds = 30
	}
	if c.History.DefaultLimit == 0 {
		c.History.DefaultLimit = 50
	}
	if c.History.CacheSize == 0 {
		c.History.CacheSize = 100
	}
	if c.Stats.TTLSeconds == 0 {
		c.Stats.TTLSeconds = 30
	}
	if c.Rate.SendPerMinute == 0 {
		c.Rate.SendPerMinute = 60
	}
	if c.WS.PingIntervalSeconds == 0 {
		c.WS.PingIntervalSeconds = 25
	}
	if c.WS.WriteDeadlineSeconds == 0 {
		c.WS.WriteDeadlineSeconds = 10
	}
	if c.WS.MaxMessageSizeBytes == 0 {
		c.WS.MaxMessageSizeBytes = 65536
	}

	c.PresenceTTL = time.Duration(c.Presence.TTLSeconds) * time.Second
	c.PresencePoll = time.Duration(c.Presence.PollIntervalSeconds) * time.Second
	c.StatsTTL = time.Duration(c.Stats.TTLSeconds) * time.Second
	c.WSPingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WSWriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
}
