package vecprep

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/emptyOVO/vecprep/sampler"
	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/emptyOVO/vecprep/sink"
)

const (
	TransportLocal = "local"
	TransportGRPC  = "grpc"

	ExportNone  = "none"
	ExportMySQL = "mysql"
	ExportRedis = "redis"
)

// ExportConfig selects an optional second destination for the output.
type ExportConfig struct {
	Type  string           `json:"type"`
	MySQL sink.MySQLConfig `json:"mysql"`
	Redis sink.RedisConfig `json:"redis"`
}

// JobConfig describes one preparation job.
type JobConfig struct {
	Input            string       `json:"input"`
	Output           string       `json:"output"`
	Overwrite        bool         `json:"overwrite"`
	MaxItemsPerLabel int64        `json:"max_items_per_label"`
	UseListName      bool         `json:"use_list_name"`
	Reducers         int          `json:"reducers"`
	Workers          int          `json:"workers"`
	InRAM            bool         `json:"in_ram"`
	SpillRecords     int          `json:"spill_records"`
	Compression      string       `json:"compression"`
	Transport        string       `json:"transport"`
	ShuffleAddr      string       `json:"shuffle_addr"`
	Export           ExportConfig `json:"export"`
}

// DefaultMaxItemsPerLabel is the cap used when none is configured.
const DefaultMaxItemsPerLabel = 100000

// DefaultJobConfig returns a config with every default set. A zero
// MaxItemsPerLabel is a valid cap, so it is only defaulted here.
func DefaultJobConfig() JobConfig {
	cfg := JobConfig{MaxItemsPerLabel: DefaultMaxItemsPerLabel}
	cfg.WithDefaults()
	return cfg
}

func (c *JobConfig) WithDefaults() {
	if c.Reducers == 0 {
		c.Reducers = 4
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.SpillRecords <= 0 {
		c.SpillRecords = 100000
	}
	if c.Compression == "" {
		c.Compression = seqfile.None.String()
	}
	if c.Transport == "" {
		c.Transport = TransportLocal
	}
	if c.ShuffleAddr == "" {
		c.ShuffleAddr = "127.0.0.1:0"
	}
	if c.Export.Type == "" {
		c.Export.Type = ExportNone
	}
	switch c.Export.Type {
	case ExportMySQL:
		c.Export.MySQL.WithDefaults()
	case ExportRedis:
		c.Export.Redis.WithDefaults()
	}
}

// LoadJobConfig reads a JSON job config from path over DefaultJobConfig.
// Unknown fields are rejected.
func LoadJobConfig(path string) (JobConfig, error) {
	cfg := DefaultJobConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.WithDefaults()
	return cfg, nil
}

// ValidateJobConfig checks cfg after defaults are applied.
func ValidateJobConfig(cfg JobConfig) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return fmt.Errorf("input is required")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return fmt.Errorf("output is required")
	}
	if cfg.MaxItemsPerLabel < 0 {
		return fmt.Errorf("max_items_per_label: %w (got %d)", sampler.ErrInvalidCap, cfg.MaxItemsPerLabel)
	}
	if cfg.Reducers <= 0 {
		return fmt.Errorf("reducers must be > 0")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if _, err := seqfile.ParseCompression(cfg.Compression); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	switch cfg.Transport {
	case TransportLocal, TransportGRPC:
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	switch cfg.Export.Type {
	case ExportNone:
	case ExportMySQL:
		if cfg.Export.MySQL.DB.User == "" {
			return fmt.Errorf("export.mysql.db.user is required")
		}
		if cfg.Export.MySQL.DB.Database == "" {
			return fmt.Errorf("export.mysql.db.database is required")
		}
		if cfg.Export.MySQL.Table == "" {
			return fmt.Errorf("export.mysql.table is required")
		}
	case ExportRedis:
		if cfg.Export.Redis.Host == "" {
			return fmt.Errorf("export.redis.host is required")
		}
	default:
		return fmt.Errorf("unsupported export type: %s", cfg.Export.Type)
	}
	return nil
}
