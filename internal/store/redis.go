package store

import (
	"context"
	"errors"
	"fmt"

	"duet/internal/models"
	"duet/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	backendRedis   = "redis"
	redisIndexKey  = "posts:index"
	redisKeyPrefix = "post:"
)

// RedisKey returns the key holding the document of postID.
func RedisKey(postID string) string {
	return redisKeyPrefix + postID
}

// Redis keeps each aggregate as a JSON string and a sorted-set index scored
// by creation time. Compare-and-swap runs as a WATCH/MULTI transaction on the
// post key, so concurrent writers on other instances lose with
// redis.TxFailedErr.
type Redis struct {
	rdb *redis.Client
	log *observability.StoreLogger
}

// NewRedis wraps a connected client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, log: observability.NewStoreLogger(backendRedis)}
}

func (s *Redis) Get(ctx context.Context, postID string) (*models.Post, error) {
	defer observability.TrackStore(backendRedis, "get")()

	body, err := s.rdb.Get(ctx, RedisKey(postID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(postID)
	}
	if err != nil {
		return nil, s.fail(ctx, "get", err)
	}
	post, err := decode(body)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return post, nil
}

func (s *Redis) Put(ctx context.Context, post *models.Post, expectedVersion uint64) (uint64, error) {
	defer observability.TrackStore(backendRedis, "put")()
	if err := validatePut(post); err != nil {
		return 0, err
	}

	next := post.Clone()
	next.Version = expectedVersion + 1
	body, err := encode(next)
	if err != nil {
		return 0, err
	}
	key := RedisKey(next.ID)

	var casErr error
	txf := func(tx *redis.Tx) error {
		current, err := s.storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		switch {
		case expectedVersion == 0 && current != 0:
			casErr = conflict(next.ID)
			return nil
		case expectedVersion != 0 && current == 0:
			casErr = notFound(next.ID)
			return nil
		case current != expectedVersion:
			casErr = conflict(next.ID)
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			if expectedVersion == 0 {
				pipe.ZAdd(ctx, redisIndexKey, redis.Z{
					Score:  float64(next.CreatedAt.UnixMilli()),
					Member: next.ID,
				})
			}
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			s.log.LogConflict(ctx, next.ID, expectedVersion)
			return 0, conflict(next.ID)
		}
		return 0, s.fail(ctx, "put", err)
	}
	if casErr != nil {
		if errors.Is(casErr, models.ErrConflict) {
			s.log.LogConflict(ctx, next.ID, expectedVersion)
		}
		return 0, casErr
	}
	s.log.LogPut(ctx, next.ID, next.Version)
	return next.Version, nil
}

func (s *Redis) Delete(ctx context.Context, postID string, expectedVersion uint64) error {
	defer observability.TrackStore(backendRedis, "delete")()
	key := RedisKey(postID)

	var casErr error
	txf := func(tx *redis.Tx) error {
		current, err := s.storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == 0 {
			casErr = notFound(postID)
			return nil
		}
		if current != expectedVersion {
			casErr = conflict(postID)
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, redisIndexKey, postID)
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			s.log.LogConflict(ctx, postID, expectedVersion)
			return conflict(postID)
		}
		return s.fail(ctx, "delete", err)
	}
	if casErr != nil {
		return casErr
	}
	s.log.LogDelete(ctx, postID, expectedVersion)
	return nil
}

func (s *Redis) List(ctx context.Context) ([]*models.Post, error) {
	defer observability.TrackStore(backendRedis, "list")()

	ids, err := s.rdb.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, s.fail(ctx, "list", err)
	}
	if len(ids) == 0 {
		return []*models.Post{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = RedisKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.fail(ctx, "list", err)
	}

	out := make([]*models.Post, 0, len(values))
	for _, v := range values {
		// A post deleted between ZREVRANGE and MGET comes back as nil.
		str, ok := v.(string)
		if !ok {
			continue
		}
		post, err := decode([]byte(str))
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		out = append(out, post)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Redis) Close() error {
	return nil
}

// storedVersion reads the version of the watched document, 0 when absent.
func (s *Redis) storedVersion(ctx context.Context, tx *redis.Tx, key string) (uint64, error) {
	body, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	post, err := decode(body)
	if err != nil {
		return 0, fmt.Errorf("stored document %s: %w", key, err)
	}
	return post.Version, nil
}

func (s *Redis) fail(ctx context.Context, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	observability.RedisErrorRate.WithLabelValues("store_" + operation).Inc()
	s.log.LogError(ctx, err, operation)
	return unavailable(backendRedis, err)
}
