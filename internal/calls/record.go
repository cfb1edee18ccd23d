package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"duet/internal/models"
	"duet/internal/observability"

	"github.com/redis/go-redis/v9"
)

// RecordKey is the Redis key of the shared call record.
const RecordKey = "call"

const maxRecordAttempts = 5

// UpdateFunc computes the next record from the current one.
type UpdateFunc func(cur models.CallRecord) (models.CallRecord, error)

// Record holds the single shared call record.
type Record interface {
	Load(ctx context.Context) (models.CallRecord, error)
	// Update applies fn atomically. The returned bool reports whether a new
	// record was written; fn returning cur unchanged writes nothing.
	Update(ctx context.Context, fn UpdateFunc) (models.CallRecord, bool, error)
}

// MemoryRecord keeps the call record in process.
type MemoryRecord struct {
	mu  sync.Mutex
	cur models.CallRecord
}

// NewMemoryRecord returns an idle record.
func NewMemoryRecord() *MemoryRecord {
	return &MemoryRecord{}
}

func (m *MemoryRecord) Load(ctx context.Context) (models.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.CallRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

func (m *MemoryRecord) Update(ctx context.Context, fn UpdateFunc) (models.CallRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CallRecord{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.cur)
	if err != nil {
		return models.CallRecord{}, false, err
	}
	if next == m.cur {
		return m.cur, false, nil
	}
	next.Version = m.cur.Version + 1
	m.cur = next
	return next, true, nil
}

// RedisRecord keeps the call record under RecordKey and updates it with
// WATCH/MULTI so every instance sees one linear history.
type RedisRecord struct {
	rdb *redis.Client
}

// NewRedisRecord creates a RedisRecord.
func NewRedisRecord(rdb *redis.Client) *RedisRecord {
	return &RedisRecord{rdb: rdb}
}

func (r *RedisRecord) Load(ctx context.Context) (models.CallRecord, error) {
	return r.get(ctx, r.rdb)
}

func (r *RedisRecord) get(ctx context.Context, c redis.Cmdable) (models.CallRecord, error) {
	raw, err := c.Get(ctx, RecordKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CallRecord{}, nil
	}
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("call_get").Inc()
		return models.CallRecord{}, models.NewUnavailableError("redis", err)
	}
	var rec models.CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.CallRecord{}, models.NewInternalError(fmt.Errorf("decode call record: %w", err))
	}
	return rec, nil
}

func (r *RedisRecord) Update(ctx context.Context, fn UpdateFunc) (models.CallRecord, bool, error) {
	for attempt := 0; attempt < maxRecordAttempts; attempt++ {
		var (
			result  models.CallRecord
			written bool
			fnErr   error
		)
		txf := func(tx *redis.Tx) error {
			cur, err := r.get(ctx, tx)
			if err != nil {
				fnErr = err
				return err
			}
			next, err := fn(cur)
			if err != nil {
				fnErr = err
				return err
			}
			if next == cur {
				result = cur
				return nil
			}
			next.Version = cur.Version + 1
			payload, err := json.Marshal(next)
			if err != nil {
				fnErr = models.NewInternalError(err)
				return fnErr
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, RecordKey, payload, 0)
				return nil
			})
			if err == nil {
				result, written = next, true
			}
			return err
		}

		err := r.rdb.Watch(ctx, txf, RecordKey)
		switch {
		case err == nil:
			return result, written, nil
		case fnErr != nil:
			return models.CallRecord{}, false, fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			observability.RedisErrorRate.WithLabelValues("call_update").Inc()
			return models.CallRecord{}, false, models.NewUnavailableError("redis", err)
		}
	}
	return models.CallRecord{}, false, models.NewContendedError("call", RecordKey, maxRecordAttempts)
}
