package worker

import "context"

// KV is an intermediate or output record.
type KV struct {
	Key   string
	Value []byte
}

// MapFormat is called once per input record.
type MapFormat func(key string, value []byte, ctx *MrContext) error

// ReduceFormat is called once per key group. values yields the group's
// records lazily; anything left unread is drained after it returns.
type ReduceFormat func(ctx context.Context, key string, values *ValueIterator, out *MrContext) error

// MrContext is handed to map and reduce functions to emit records.
type MrContext struct {
	emit func(KV) error
}

func newMrContext(emit func(KV) error) *MrContext {
	return &MrContext{emit: emit}
}

// EmitIntermediate emits a map output record.
func (c *MrContext) EmitIntermediate(key string, value []byte) error {
	return c.emit(KV{Key: key, Value: value})
}

// Emit emits a reduce output record.
func (c *MrContext) Emit(key string, value []byte) error {
	return c.emit(KV{Key: key, Value: value})
}
