package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisConfig configures the Redis export.
type RedisConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	BatchSize int    `json:"batchsize"`
	Replace   bool   `json:"replace"`
}

func (c *RedisConfig) WithDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "vecprep:"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// LabelKey is the list holding the records of label.
func (c RedisConfig) LabelKey(label string) string {
	return c.KeyPrefix + "label:" + label
}

// LabelsKey is the set holding every exported label.
func (c RedisConfig) LabelsKey() string {
	return c.KeyPrefix + "labels"
}

// RedisFactory exports every record onto a list per label and keeps the
// set of labels seen.
type RedisFactory struct {
	client *redis.Client
	cfg    RedisConfig
}

func NewRedisFactory(client *redis.Client, cfg RedisConfig) *RedisFactory {
	cfg.WithDefaults()
	return &RedisFactory{client: client, cfg: cfg}
}

// OpenRedisFactory connects to the configured server and pings it.
func OpenRedisFactory(ctx context.Context, cfg RedisConfig) (*RedisFactory, error) {
	cfg.WithDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisFactory(client, cfg), nil
}

func (f *RedisFactory) Prepare(ctx context.Context) error {
	if !f.cfg.Replace {
		return nil
	}
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := f.client.Scan(ctx, cursor, f.cfg.KeyPrefix+"*", 1000).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := f.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	log.WithFields(log.Fields{"prefix": f.cfg.KeyPrefix, "deleted": deleted}).Debug("[Job] redis export cleared")
	return nil
}

func (f *RedisFactory) Open(ctx context.Context, part int) (Sink, error) {
	return &redisSink{ctx: ctx, client: f.client, cfg: f.cfg}, nil
}

func (f *RedisFactory) Close() error {
	return f.client.Close()
}

type redisSink struct {
	ctx     context.Context
	client  *redis.Client
	cfg     RedisConfig
	pending []pendingRecord
}

type pendingRecord struct {
	label string
	value []byte
}

func (s *redisSink) Emit(label string, value []byte) error {
	s.pending = append(s.pending, pendingRecord{label: label, value: value})
	if len(s.pending) >= s.cfg.BatchSize {
		return s.flush()
	}
	return nil
}

func (s *redisSink) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, rec := range s.pending {
		pipe.RPush(s.ctx, s.cfg.LabelKey(rec.label), rec.value)
		pipe.SAdd(s.ctx, s.cfg.LabelsKey(), rec.label)
	}
	if _, err := pipe.Exec(s.ctx); err != nil {
		return err
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *redisSink) Close() error {
	return s.flush()
}
