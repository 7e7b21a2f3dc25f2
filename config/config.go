package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the flat gateway configuration. Everything is overridable via
// NOTIFYHUB_* env vars (dots become underscores) or an optional yaml file.
type Config struct {
	ServerID string `mapstructure:"server_id"`
	NodeID   int64  `mapstructure:"node_id"` // snowflake node, 0~1023
	HTTPAddr string `mapstructure:"http_addr"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Mongo struct {
		Enabled  bool   `mapstructure:"enabled"`
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Broker struct {
		Kind         string   `mapstructure:"kind"` // mem | kafka | nats
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
		KafkaTopic   string   `mapstructure:"kafka_topic"`
		NatsURL      string   `mapstructure:"nats_url"`
		NatsSubject  string   `mapstructure:"nats_subject"`
	} `mapstructure:"broker"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	// capacity policy
	MaxConnsPerUser int  `mapstructure:"max_conns_per_user"`
	EvictOldest     bool `mapstructure:"evict_oldest"`
	// registry-outage policy for new connections: allow | reject
	DegradedPolicy string `mapstructure:"degraded_policy"`

	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	RegistryTTL       time.Duration `mapstructure:"registry_ttl"`
	ExpirySweepEvery  time.Duration `mapstructure:"expiry_sweep_every"`

	ReplayPageSize int     `mapstructure:"replay_page_size"`
	SendQueueSize  int     `mapstructure:"send_queue_size"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTIFYHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessage(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config")
	}
	cfg.Norm()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_id", "gw-1")
	v.SetDefault("node_id", 1)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("mongo.enabled", false)
	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.database", "notifyhub")
	v.SetDefault("broker.kind", "mem")
	v.SetDefault("broker.kafka_topic", "notifyhub.fanout")
	v.SetDefault("broker.nats_subject", "notifyhub.fanout")
	v.SetDefault("max_conns_per_user", 5)
	v.SetDefault("evict_oldest", true)
	v.SetDefault("degraded_policy", "allow")
}

// Norm fills zero values with workable defaults so a zero Config is
// still runnable in tests.
func (c *Config) Norm() {
	if c.ServerID == "" {
		c.ServerID = "gw-1"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MaxConnsPerUser <= 0 {
		c.MaxConnsPerUser = 5
	}
	if c.DegradedPolicy != "reject" {
		c.DegradedPolicy = "allow"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 75 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = 2 * time.Minute
	}
	if c.ExpirySweepEvery <= 0 {
		c.ExpirySweepEvery = 30 * time.Second
	}
	if c.ReplayPageSize <= 0 {
		c.ReplayPageSize = 100
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
}
