package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// EngineStreaming is the only supported source engine.
const EngineStreaming = "streaming"

// Config is the full pipeline configuration, loaded from a TOML file.
type Config struct {
	Source  Source   `toml:"source"`
	Sink    Sink     `toml:"sink"`
	Streams []Stream `toml:"streams"`
	Metrics Metrics  `toml:"metrics"`
}

// Source describes the PostgreSQL side.
type Source struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Database    string `toml:"database"`
	User        string `toml:"user"`
	PasswordEnv string `toml:"password_env"`
	Slot        string `toml:"slot"`
	Publication string `toml:"publication"`
	Engine      string `toml:"engine"`
	// StartLSN optionally overrides the slot's confirmed position ("HI/LO").
	StartLSN string `toml:"start_lsn"`
	// CreateMissing creates the slot and publication at startup instead of
	// failing when they are absent.
	CreateMissing bool `toml:"create_missing"`

	password string
}

// ConnString renders the libpq key=value connection string, without the
// replication parameters.
func (s Source) ConnString() string {
	conn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s", s.Host, s.Port, s.Database, s.User)
	if s.password != "" {
		conn += fmt.Sprintf(" password=%s", s.password)
	}
	return conn
}

// Sink describes the Kafka side.
type Sink struct {
	Brokers []string `toml:"brokers"`
}

// Stream routes changes of one resource to one topic.
type Stream struct {
	Name   string       `toml:"name"`
	Source StreamSource `toml:"source"`
	Flow   StreamFlow   `toml:"flow"`
	Sink   StreamSink   `toml:"sink"`
}

type StreamSource struct {
	Resource   string   `toml:"resource"`
	Operations []string `toml:"operations"`
}

type StreamFlow struct {
	Format string `toml:"format"`
}

type StreamSink struct {
	Destination string `toml:"destination"`
	RoutingKey  string `toml:"routing_key"`
}

// Metrics configures the optional Prometheus listener; empty disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Load reads and validates a config file, resolving the database password
// from the environment variable named by source.password_env.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Source.PasswordEnv != "" {
		password, ok := os.LookupEnv(cfg.Source.PasswordEnv)
		if !ok {
			return nil, fmt.Errorf("config: environment variable %s is not set", cfg.Source.PasswordEnv)
		}
		cfg.Source.password = password
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validOperations = map[string]bool{
	"insert": true,
	"update": true,
	"delete": true,
}

func (c *Config) Validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("config: source.host is required")
	}
	if c.Source.Port == 0 {
		c.Source.Port = 5432
	}
	if c.Source.Database == "" {
		return fmt.Errorf("config: source.database is required")
	}
	if c.Source.Slot == "" {
		return fmt.Errorf("config: source.slot is required")
	}
	if c.Source.Publication == "" {
		return fmt.Errorf("config: source.publication is required")
	}
	if c.Source.Engine == "" {
		c.Source.Engine = EngineStreaming
	}
	if c.Source.Engine != EngineStreaming {
		return fmt.Errorf("config: unsupported source.engine %q", c.Source.Engine)
	}

	if len(c.Sink.Brokers) == 0 {
		return fmt.Errorf("config: sink.brokers is required")
	}

	if len(c.Streams) == 0 {
		return fmt.Errorf("config: at least one stream is required")
	}
	for i := range c.Streams {
		if err := c.Streams[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) validate() error {
	if s.Source.Resource == "" {
		return fmt.Errorf("config: stream %q: source.resource is required", s.Name)
	}
	if s.Sink.Destination == "" {
		return fmt.Errorf("config: stream %q: sink.destination is required", s.Name)
	}
	if s.Flow.Format == "" {
		s.Flow.Format = "json"
	}
	if s.Flow.Format != "json" {
		return fmt.Errorf("config: stream %q: unsupported flow.format %q", s.Name, s.Flow.Format)
	}
	if len(s.Source.Operations) == 0 {
		return fmt.Errorf("config: stream %q: source.operations is required", s.Name)
	}
	for _, op := range s.Source.Operations {
		if !validOperations[op] {
			return fmt.Errorf("config: stream %q: unknown operation %q", s.Name, op)
		}
	}
	return nil
}
