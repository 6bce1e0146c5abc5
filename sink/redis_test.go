package sink

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisFactory(t *testing.T, cfg RedisConfig) (*miniredis.Miniredis, *RedisFactory) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	f := NewRedisFactory(client, cfg)
	t.Cleanup(func() { f.Close() })
	return s, f
}

func TestRedisSinkPushesPerLabel(t *testing.T) {
	s, f := newRedisFactory(t, RedisConfig{KeyPrefix: "t:", BatchSize: 2})
	ctx := context.Background()
	require.NoError(t, f.Prepare(ctx))

	sk, err := f.Open(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, sk.Emit("spam", []byte("r1")))
	require.NoError(t, sk.Emit("ham", []byte("r1")))
	require.NoError(t, sk.Emit("spam", []byte("r2")))
	require.NoError(t, sk.Close())

	spam, err := s.List("t:label:spam")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, spam)
	ham, err := s.List("t:label:ham")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ham)
	labels, err := s.Members("t:labels")
	require.NoError(t, err)
	assert.Equal(t, []string{"ham", "spam"}, labels)
}

func TestRedisPrepareReplaceDeletesPrefix(t *testing.T) {
	s, f := newRedisFactory(t, RedisConfig{KeyPrefix: "t:", Replace: true})
	_, err := s.RPush("t:label:old", "x")
	require.NoError(t, err)
	_, err = s.SAdd("t:labels", "old")
	require.NoError(t, err)
	require.NoError(t, s.Set("other:key", "keep"))

	require.NoError(t, f.Prepare(context.Background()))
	assert.False(t, s.Exists("t:label:old"))
	assert.False(t, s.Exists("t:labels"))
	assert.True(t, s.Exists("other:key"))
}

func TestRedisPrepareKeepsWithoutReplace(t *testing.T) {
	s, f := newRedisFactory(t, RedisConfig{KeyPrefix: "t:"})
	_, err := s.RPush("t:label:old", "x")
	require.NoError(t, err)
	require.NoError(t, f.Prepare(context.Background()))
	assert.True(t, s.Exists("t:label:old"))
}

func TestRedisConfigDefaults(t *testing.T) {
	var cfg RedisConfig
	cfg.WithDefaults()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, "vecprep:labels", cfg.LabelsKey())
	assert.Equal(t, "vecprep:label:spam", cfg.LabelKey("spam"))
}
