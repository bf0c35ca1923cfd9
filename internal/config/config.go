package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Redis       RedisConfig       `koanf:"redis"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	Auth        AuthConfig        `koanf:"auth"`
	Gate        GateConfig        `koanf:"gate"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Persist     PersistConfig     `koanf:"persist"`
	Broker      BrokerConfig      `koanf:"broker"`
	SOS         SOSConfig         `koanf:"sos"`
	Retention   RetentionConfig   `koanf:"retention"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	ListenAddr             string `koanf:"listen_addr"`
	Env                    string `koanf:"env"`
	ClientURL              string `koanf:"client_url"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// RedisConfig selects the hot-cache backend. An empty URL means the
// in-process cache is used instead.
type RedisConfig struct {
	URL string `koanf:"url"`
}

type KafkaConfig struct {
	Brokers       []string    `koanf:"brokers"`
	ClientID      string      `koanf:"client_id"`
	TLS           TLSConfig   `koanf:"tls"`
	SASL          SASLConfig  `koanf:"sasl"`
	FetchMaxBytes int32       `koanf:"fetch_max_bytes"`
	Locations     TopicConfig `koanf:"locations"`
	Events        TopicConfig `koanf:"events"`
	Alerts        TopicConfig `koanf:"alerts"`
	Groups        GroupConfig `koanf:"groups"`
}

type TopicConfig struct {
	Topic          string `koanf:"topic"`
	Partitions     int32  `koanf:"partitions"`
	RetentionHours int    `koanf:"retention_hours"`
}

type GroupConfig struct {
	Persist  string `koanf:"persist"`
	Fanout   string `koanf:"fanout"`
	Alerts   string `koanf:"alerts"`
	Archiver string `koanf:"archiver"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

type GateConfig struct {
	RateMax      int64   `koanf:"rate_max"`
	RateWindowMs int     `koanf:"rate_window_ms"`
	MinMoveM     float64 `koanf:"min_move_m"`
	RetryAfterMs int     `koanf:"retry_after_ms"`
	NextPingMs   int     `koanf:"next_ping_ms"`
}

type IngestConfig struct {
	BatchMax          int `koanf:"batch_max"`
	RequestTimeoutMs  int `koanf:"request_timeout_ms"`
	CacheTTLSeconds   int `koanf:"cache_ttl_seconds"`
	ChannelBufferSize int `koanf:"channel_buffer_size"`
}

type PersistConfig struct {
	BatchSize       int `koanf:"batch_size"`
	MaxBatchBytes   int `koanf:"max_batch_bytes"`
	FlushIntervalMs int `koanf:"flush_interval_ms"`
}

type BrokerConfig struct {
	SendBufferSize       int     `koanf:"send_buffer_size"`
	SweepIntervalSeconds int     `koanf:"sweep_interval_seconds"`
	NearbyRadiusKM       float64 `koanf:"nearby_radius_km"`
}

type SOSConfig struct {
	DefaultCredits int `koanf:"default_credits"`
	IPLimit24h     int `koanf:"ip_limit_24h"`
}

type RetentionConfig struct {
	PositionsDays int    `koanf:"positions_days"`
	ReportsHours  int    `koanf:"reports_hours"`
	Timezone      string `koanf:"timezone"`
}

type MaintenanceConfig struct {
	IntervalMinutes   int `koanf:"interval_minutes"`
	StaleAfterMinutes int `koanf:"stale_after_minutes"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TELEMETRYD_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("TELEMETRYD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TELEMETRYD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "telemetryd-1",
			ListenAddr:             ":8080",
			Env:                    "production",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Kafka: KafkaConfig{
			ClientID:      "telemetryd",
			FetchMaxBytes: 52428800,
			Locations: TopicConfig{
				Topic:          "vehicle-locations",
				Partitions:     32,
				RetentionHours: 24,
			},
			Events: TopicConfig{
				Topic:          "vehicle-events",
				Partitions:     8,
				RetentionHours: 7 * 24,
			},
			Alerts: TopicConfig{
				Topic:          "route-alerts",
				Partitions:     4,
				RetentionHours: 6,
			},
			Groups: GroupConfig{
				Persist:  "location-db-writer",
				Fanout:   "websocket-fanout",
				Alerts:   "alert-processor",
				Archiver: "event-archiver",
			},
		},
		Gate: GateConfig{
			RateMax:      5,
			RateWindowMs: 1000,
			MinMoveM:     10,
			RetryAfterMs: 1000,
			NextPingMs:   5000,
		},
		Ingest: IngestConfig{
			BatchMax:          1000,
			RequestTimeoutMs:  2000,
			CacheTTLSeconds:   300,
			ChannelBufferSize: 16,
		},
		Persist: PersistConfig{
			BatchSize:       500,
			MaxBatchBytes:   1 << 20,
			FlushIntervalMs: 200,
		},
		Broker: BrokerConfig{
			SendBufferSize:       64,
			SweepIntervalSeconds: 300,
			NearbyRadiusKM:       1,
		},
		SOS: SOSConfig{
			DefaultCredits: 3,
			IPLimit24h:     5,
		},
		Retention: RetentionConfig{
			PositionsDays: 30,
			ReportsHours:  6,
			Timezone:      "UTC",
		},
		Maintenance: MaintenanceConfig{
			IntervalMinutes:   60,
			StaleAfterMinutes: 10,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvAliases(cfg)

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvAliases honors the flat environment keys recognized for
// deployment compatibility: PORT, DATABASE_URL, REDIS_URL, KAFKA_BROKERS,
// JWT_SECRET, CLIENT_URL, APP_ENV. They override file and prefixed-env
// values when set.
func applyEnvAliases(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Service.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CLIENT_URL"); v != "" {
		cfg.Service.ClientURL = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Service.Env = v
	}
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.FetchMaxBytes <= 0 {
			return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
		}
		for _, tc := range []struct {
			name string
			t    TopicConfig
		}{
			{"kafka.locations", c.Kafka.Locations},
			{"kafka.events", c.Kafka.Events},
			{"kafka.alerts", c.Kafka.Alerts},
		} {
			if tc.t.Topic == "" {
				return fmt.Errorf("config: %s.topic is required", tc.name)
			}
			if tc.t.Partitions <= 0 {
				return fmt.Errorf("config: %s.partitions must be > 0 (got %d)", tc.name, tc.t.Partitions)
			}
		}
		if c.Kafka.Groups.Persist == "" || c.Kafka.Groups.Fanout == "" ||
			c.Kafka.Groups.Alerts == "" || c.Kafka.Groups.Archiver == "" {
			return fmt.Errorf("config: kafka.groups entries are required")
		}
	}
	if c.Gate.RateMax <= 0 {
		return fmt.Errorf("config: gate.rate_max must be > 0 (got %d)", c.Gate.RateMax)
	}
	if c.Gate.RateWindowMs <= 0 {
		return fmt.Errorf("config: gate.rate_window_ms must be > 0 (got %d)", c.Gate.RateWindowMs)
	}
	if c.Gate.MinMoveM < 0 {
		return fmt.Errorf("config: gate.min_move_m must be >= 0 (got %v)", c.Gate.MinMoveM)
	}
	if c.Ingest.BatchMax <= 0 || c.Ingest.BatchMax > 1000 {
		return fmt.Errorf("config: ingest.batch_max must be in (0, 1000] (got %d)", c.Ingest.BatchMax)
	}
	if c.Ingest.RequestTimeoutMs <= 0 {
		return fmt.Errorf("config: ingest.request_timeout_ms must be > 0 (got %d)", c.Ingest.RequestTimeoutMs)
	}
	if c.Ingest.CacheTTLSeconds <= 0 {
		return fmt.Errorf("config: ingest.cache_ttl_seconds must be > 0 (got %d)", c.Ingest.CacheTTLSeconds)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Persist.BatchSize <= 0 {
		return fmt.Errorf("config: persist.batch_size must be > 0 (got %d)", c.Persist.BatchSize)
	}
	if c.Persist.MaxBatchBytes <= 0 {
		return fmt.Errorf("config: persist.max_batch_bytes must be > 0 (got %d)", c.Persist.MaxBatchBytes)
	}
	if c.Persist.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: persist.flush_interval_ms must be > 0 (got %d)", c.Persist.FlushIntervalMs)
	}
	if c.Broker.SendBufferSize <= 0 {
		return fmt.Errorf("config: broker.send_buffer_size must be > 0 (got %d)", c.Broker.SendBufferSize)
	}
	if c.Broker.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config: broker.sweep_interval_seconds must be > 0 (got %d)", c.Broker.SweepIntervalSeconds)
	}
	if c.Broker.NearbyRadiusKM <= 0 {
		return fmt.Errorf("config: broker.nearby_radius_km must be > 0 (got %v)", c.Broker.NearbyRadiusKM)
	}
	if c.SOS.DefaultCredits < 0 {
		return fmt.Errorf("config: sos.default_credits must be >= 0 (got %d)", c.SOS.DefaultCredits)
	}
	if c.SOS.IPLimit24h <= 0 {
		return fmt.Errorf("config: sos.ip_limit_24h must be > 0 (got %d)", c.SOS.IPLimit24h)
	}
	if c.Retention.PositionsDays <= 0 {
		return fmt.Errorf("config: retention.positions_days must be > 0 (got %d)", c.Retention.PositionsDays)
	}
	if c.Retention.ReportsHours <= 0 {
		return fmt.Errorf("config: retention.reports_hours must be > 0 (got %d)", c.Retention.ReportsHours)
	}
	if c.Maintenance.IntervalMinutes <= 0 {
		return fmt.Errorf("config: maintenance.interval_minutes must be > 0 (got %d)", c.Maintenance.IntervalMinutes)
	}
	if c.Maintenance.StaleAfterMinutes <= 0 {
		return fmt.Errorf("config: maintenance.stale_after_minutes must be > 0 (got %d)", c.Maintenance.StaleAfterMinutes)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// BusEnabled reports whether an event log is configured. Without brokers
// every publish falls through to the direct-write path.
func (c *Config) BusEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
