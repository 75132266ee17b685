package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const recordKeyPrefix = "ocr:record:"

// transitionAttempts bounds optimistic-lock retries when a WATCHed key
// changes between read and write.
const transitionAttempts = 3

// RedisRegistry stores records as JSON values in Redis. It backs the
// same Registry contract as MemoryRegistry and may attach a TTL to
// records, which is the sanctioned eviction hook for long-running
// deployments.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRegistry constructs a Redis-backed registry. A zero ttl keeps
// records until the key space is flushed.
func NewRedisRegistry(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		ttl:    ttl,
		logger: logger.Named("redis_registry"),
	}
}

func recordKey(processingID string) string {
	return recordKeyPrefix + processingID
}

// Create inserts a new record, failing on identifier collision.
func (r *RedisRegistry) Create(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, recordKey(rec.ProcessingID), payload, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get fetches and decodes a record.
func (r *RedisRegistry) Get(ctx context.Context, processingID string) (*Record, error) {
	payload, err := r.client.Get(ctx, recordKey(processingID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

// Complete transitions a record to completed with the given result.
func (r *RedisRegistry) Complete(ctx context.Context, processingID string, result *Result) (*Record, error) {
	return r.transition(ctx, processingID, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = result
		rec.Error = ""
	})
}

// Fail transitions a record to error with a failure description.
func (r *RedisRegistry) Fail(ctx context.Context, processingID string, message string) (*Record, error) {
	return r.transition(ctx, processingID, func(rec *Record) {
		rec.Status = StatusError
		rec.Result = nil
		rec.Error = message
	})
}

// transition applies a terminal state change under an optimistic WATCH
// transaction so concurrent transitions on the same key never interleave.
func (r *RedisRegistry) transition(ctx context.Context, processingID string, apply func(*Record)) (*Record, error) {
	key := recordKey(processingID)
	var updated *Record

	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		if rec.Status.Terminal() {
			updated = &rec
			return ErrTerminal
		}
		apply(&rec)
		now := time.Now().UTC()
		rec.CompletedAt = &now

		encoded, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &rec
		return nil
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.Warn("record transition contended, retrying",
				zap.String("processing_id", processingID), zap.Int("attempt", attempt+1))
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("record transition for %s exhausted %d attempts", processingID, transitionAttempts)
}

// Stats counts records by status via a key-space scan. Intended for the
// low-cardinality demo scope, not for large key spaces.
func (r *RedisRegistry) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, recordKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			payload, err := r.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var rec Record
			if err := json.Unmarshal([]byte(payload), &rec); err != nil {
				r.logger.Warn("skipping undecodable record", zap.String("key", key), zap.Error(err))
				continue
			}
			stats.Total++
			switch rec.Status {
			case StatusProcessing:
				stats.Processing++
			case StatusCompleted:
				stats.Completed++
			case StatusError:
				stats.Errored++
			}
		}
		cursor = next
		if cursor == 0 {
			return stats, nil
		}
	}
}
