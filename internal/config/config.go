package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Cache      Cache      `mapstructure:"cache"`
	Source     Source     `mapstructure:"source"`
	Storage    Storage    `mapstructure:"storage"`
	Database   Database   `mapstructure:"database"`
	Queue      Queue      `mapstructure:"queue"`
	Events     Events     `mapstructure:"events"`
	Transcoder Transcoder `mapstructure:"transcoder"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Retry      Retry      `mapstructure:"retry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Cache holds the local disk cache tier configuration.
type Cache struct {
	Dir string `mapstructure:"dir"` // Directory for cached artifacts
}

// Source configures where original assets are read from when no remote
// backend is enabled.
type Source struct {
	Dir string `mapstructure:"dir"` // Directory with source assets
}

// Storage holds configuration for the remote object-storage backend.
type Storage struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// Database holds the optional PostgreSQL job store configuration.
type Database struct {
	Enabled bool         `mapstructure:"enabled"`
	Master  DatabaseNode `mapstructure:"master"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Queue holds the transcode worker pool configuration.
type Queue struct {
	Workers       int           `mapstructure:"workers"`        // Worker pool size
	ClaimInterval time.Duration `mapstructure:"claim_interval"` // Poll interval for pending jobs
}

// Events holds event-stream configuration.
type Events struct {
	Buffer    int           `mapstructure:"buffer"`    // Per-subscriber channel size
	Heartbeat time.Duration `mapstructure:"heartbeat"` // Heartbeat interval
}

// Transcoder holds external tool paths.
type Transcoder struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
}

// Kafka holds configuration for the optional lifecycle-event relay and the
// external enqueue intake.
type Kafka struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`       // List of Kafka broker addresses
	EventsTopic  string   `mapstructure:"events_topic"`  // Topic lifecycle events are relayed to
	EnqueueTopic string   `mapstructure:"enqueue_topic"` // Topic external enqueue requests arrive on
	GroupID      string   `mapstructure:"group_id"`      // Consumer group ID
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// mustBindEnv binds critical environment variables to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"server.http_port":    "HTTP_PORT",
		"storage.endpoint":    "STORAGE_ENDPOINT",
		"storage.access_key":  "STORAGE_ACCESS_KEY",
		"storage.secret_key":  "STORAGE_SECRET_KEY",
		"storage.bucket_name": "STORAGE_BUCKET",
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASS",
		"database.master.name": "DB_NAME",
		"kafka.brokers":        "KAFKA_BROKERS",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Str("key", key).Msg("failed to bind env")
		}
	}
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	mustBindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to unmarshal config")
	}

	return &cfg
}
