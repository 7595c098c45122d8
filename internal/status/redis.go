package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

const (
	statusKeyPrefix = "JOB:"
	sealKeyPrefix   = "SEAL:"

	sealedValue = "sealed"

	maxTxAttempts = 5
)

// RedisStore implements core.StatusStore on Redis. Each access pushes the
// key's TTL out by the sliding window, never beyond the absolute ceiling.
type RedisStore struct {
	rdb     *redis.Client
	sliding time.Duration
	ceiling time.Duration
	now     func() time.Time
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(rdb *redis.Client, sliding, ceiling time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, sliding: sliding, ceiling: ceiling, now: time.Now}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// expiry returns the TTL to write rec with. Zero means no expiry, which
// only happens when both windows are disabled. A record whose ceiling has
// passed is reported as not found rather than written without a TTL.
func (s *RedisStore) expiry(rec core.StatusRecord) (time.Duration, error) {
	ttl := rec.Remaining(s.now(), s.sliding, s.ceiling)
	if ttl <= 0 {
		if s.ceiling > 0 || s.sliding > 0 {
			return 0, core.ErrNotFound
		}
		return 0, nil
	}
	return ttl, nil
}

func statusKey(jobID string) string { return statusKeyPrefix + jobID }
func sealKey(jobID string) string   { return sealKeyPrefix + jobID }

func (s *RedisStore) Create(ctx context.Context, jobID string, status core.Status) error {
	rec := core.NewStatusRecord(status, s.now().UTC())
	data, err := core.MarshalStatusRecord(rec)
	if err != nil {
		return err
	}
	ttl, err := s.expiry(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, statusKey(jobID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("create status %s: %w", jobID, err)
	}
	if !ok {
		return core.NewConflictError("job already exists", map[string]any{"job_id": jobID})
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (core.Status, error) {
	rec, err := s.read(ctx, s.rdb, jobID)
	if err != nil {
		return "", err
	}
	if ttl := rec.Remaining(s.now(), s.sliding, s.ceiling); ttl > 0 {
		if err := s.rdb.Expire(ctx, statusKey(jobID), ttl).Err(); err != nil {
			return "", fmt.Errorf("refresh status %s: %w", jobID, err)
		}
	}
	return rec.Status, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, jobID string) (core.StatusRecord, error) {
	data, err := c.Get(ctx, statusKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.StatusRecord{}, core.ErrNotFound
		}
		return core.StatusRecord{}, fmt.Errorf("get status %s: %w", jobID, err)
	}
	rec, err := core.UnmarshalStatusRecord(data)
	if err != nil {
		return core.StatusRecord{}, err
	}
	if rec.Expired(s.now(), s.ceiling) {
		return core.StatusRecord{}, core.ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Set(ctx context.Context, jobID string, status core.Status) (core.Status, error) {
	key := statusKey(jobID)
	var prior core.Status
	apply := func(tx *redis.Tx) error {
		rec, err := s.read(ctx, tx, jobID)
		if err != nil {
			return err
		}
		var ok bool
		if prior, ok = rec.Advance(status); !ok {
			return core.ErrIllegalTransition
		}
		data, err := core.MarshalStatusRecord(rec)
		if err != nil {
			return err
		}
		ttl, err := s.expiry(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.rdb.Watch(ctx, apply, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, core.ErrIllegalTransition) {
			return prior, err
		}
		if err != nil {
			return "", err
		}
		return prior, nil
	}
	return "", fmt.Errorf("set status %s to %s: %w", jobID, status, redis.TxFailedErr)
}

func (s *RedisStore) ClaimSeal(ctx context.Context, jobID, owner string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, sealKey(jobID), owner, s.ceiling).Result()
	if err != nil {
		return false, fmt.Errorf("claim seal %s: %w", jobID, err)
	}
	if ok {
		return true, nil
	}
	holder, err := s.rdb.Get(ctx, sealKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("read seal claim %s: %w", jobID, err)
	}
	return holder == owner, nil
}

func (s *RedisStore) MarkSealed(ctx context.Context, jobID string) error {
	if err := s.rdb.Set(ctx, sealKey(jobID), sealedValue, s.ceiling).Err(); err != nil {
		return fmt.Errorf("mark sealed %s: %w", jobID, err)
	}
	return nil
}
