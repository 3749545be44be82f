package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Domains     DomainsConfig     `mapstructure:"domains"`
	Changelog   ChangelogConfig   `mapstructure:"changelog"`
	Drafts      DraftsConfig      `mapstructure:"drafts"`
	Eligibility EligibilityConfig `mapstructure:"eligibility"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Init        InitConfig        `mapstructure:"init"`
	Query       QueryConfig       `mapstructure:"query"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	ReplicaID uint16 `mapstructure:"replica_id"`
	ServerID  string `mapstructure:"server_id"`
}

type DomainsConfig struct {
	BaseDNs  []string `mapstructure:"base_dns"`
	Excluded []string `mapstructure:"excluded"`
}

type ChangelogConfig struct {
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	DSN           string        `mapstructure:"dsn"`
	PurgeDelay    time.Duration `mapstructure:"purge_delay"`
	TrimInterval  time.Duration `mapstructure:"trim_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type DraftsConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type EligibilityConfig struct {
	StalenessBound time.Duration `mapstructure:"staleness_bound"`
}

type BrokerConfig struct {
	Address           string        `mapstructure:"address"`
	Peers             []string      `mapstructure:"peers"`
	Window            uint32        `mapstructure:"window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// InitConfig locates the dataset exported and imported by bulk
// initialization.
type InitConfig struct {
	EntriesDir string `mapstructure:"entries_dir"`
	// ImportFrom names the broker peer a domain without a generation
	// imports its dataset from.
	ImportFrom string `mapstructure:"import_from"`
}

type QueryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Network     string `mapstructure:"network"`
	Address     string `mapstructure:"address"`
	AuthToken   string `mapstructure:"auth_token"`
	MaxInflight int    `mapstructure:"max_inflight"`
	Workers     int    `mapstructure:"workers"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	Topics     []string `mapstructure:"topics"`
	GroupID    string   `mapstructure:"group_id"`
	ClientID   string   `mapstructure:"client_id"`
	CommitMode string   `mapstructure:"commit_mode"`
	ParseMode  string   `mapstructure:"parse_mode"`
	Workers    int      `mapstructure:"workers"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads a YAML or TOML file, then applies DIRSYNC_* environment
// overrides (DIRSYNC_BROKER_ADDRESS overrides broker.address).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("dirsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("changelog.backend", BackendSQLite)
	v.SetDefault("changelog.dir", "data/changelog")
	v.SetDefault("changelog.purge_delay", 72*time.Hour)
	v.SetDefault("changelog.trim_interval", time.Minute)
	v.SetDefault("changelog.retry_attempts", 3)
	v.SetDefault("changelog.retry_backoff", 20*time.Millisecond)
	v.SetDefault("drafts.backend", BackendBadger)
	v.SetDefault("drafts.dir", "data/drafts")
	v.SetDefault("eligibility.staleness_bound", 5*time.Minute)
	v.SetDefault("broker.address", ":8989")
	v.SetDefault("broker.window", 100)
	v.SetDefault("broker.heartbeat_interval", time.Second)
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("broker.reconnect_delay", 5*time.Second)
	v.SetDefault("init.entries_dir", "data/entries")
	v.SetDefault("query.enabled", true)
	v.SetDefault("query.network", "tcp")
	v.SetDefault("query.address", ":8990")
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.commit_mode", "after_append")
	v.SetDefault("ingest.kafka.parse_mode", "json_envelope")
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 32)
	v.SetDefault("ingest.rabbitmq.workers", 1)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c Config) Validate() error {
	if c.Server.ReplicaID == 0 {
		return fmt.Errorf("server.replica_id is required")
	}
	if len(c.Domains.BaseDNs) == 0 {
		return fmt.Errorf("domains.base_dns needs at least one base DN")
	}
	known := map[string]bool{}
	for _, dn := range c.Domains.BaseDNs {
		if strings.TrimSpace(dn) == "" {
			return fmt.Errorf("domains.base_dns contains an empty DN")
		}
		known[dn] = true
	}
	for _, dn := range c.Domains.Excluded {
		if !known[dn] {
			return fmt.Errorf("domains.excluded names %q, which is not replicated", dn)
		}
	}
	switch c.Changelog.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Changelog.Dir == "" {
			return fmt.Errorf("changelog.dir is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Changelog.DSN == "" {
			return fmt.Errorf("changelog.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported changelog.backend %q", c.Changelog.Backend)
	}
	if c.Changelog.PurgeDelay < 0 {
		return fmt.Errorf("changelog.purge_delay must not be negative")
	}
	switch c.Drafts.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Drafts.Dir == "" {
			return fmt.Errorf("drafts.dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("unsupported drafts.backend %q", c.Drafts.Backend)
	}
	if c.Init.ImportFrom != "" && !contains(c.Broker.Peers, c.Init.ImportFrom) {
		return fmt.Errorf("init.import_from %q is not listed in broker.peers", c.Init.ImportFrom)
	}
	if c.Broker.Window == 0 {
		return fmt.Errorf("broker.window must be positive")
	}
	if c.Broker.HeartbeatInterval <= 0 || c.Broker.Timeout <= c.Broker.HeartbeatInterval {
		return fmt.Errorf("broker.timeout must exceed a positive broker.heartbeat_interval")
	}
	if k := c.Ingest.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || k.GroupID == "" {
			return fmt.Errorf("ingest.kafka needs brokers, topics and group_id")
		}
		if k.CommitMode != "after_append" {
			return fmt.Errorf("unsupported ingest.kafka.commit_mode %q", k.CommitMode)
		}
	}
	if r := c.Ingest.RabbitMQ; r.Enabled && (r.URL == "" || r.Exchange == "" || r.Queue == "") {
		return fmt.Errorf("ingest.rabbitmq needs url, exchange and queue")
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// IsExcluded reports whether baseDN is replicated but hidden from the
// external changelog.
func (c Config) IsExcluded(baseDN string) bool { return contains(c.Domains.Excluded, baseDN) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
