package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

var errTooManyRetries = errors.New("credential registry: too many concurrent writers")

// RedisRegistry shares credentials between server instances.
//
//	lesson_credential:<token hash>         -> Record without the token
//	lesson_session_credential:<session id> -> Record with the token
type RedisRegistry struct {
	client *redis.Client
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Put(ctx context.Context, token string, rec Record, keep time.Duration) error {
	rec.TokenHash = HashToken(token)
	rec.Token = token
	full, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	rec.Token = ""
	public, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	sessionKey := sessionCredentialKey(rec.SessionID)
	return r.withRetries(ctx, func(tx *redis.Tx) error {
		previous, err := readRecord(ctx, tx, sessionKey)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != nil {
				pipe.Del(ctx, credentialKey(previous.TokenHash))
			}
			pipe.Set(ctx, credentialKey(rec.TokenHash), public, keep)
			pipe.Set(ctx, sessionKey, full, keep)
			return nil
		})
		return err
	}, sessionKey)
}

func (r *RedisRegistry) Lookup(ctx context.Context, token string) (Record, bool, error) {
	rec, err := readRecord(ctx, r.client, credentialKey(HashToken(token)))
	if err != nil || rec == nil {
		return Record{}, false, err
	}
	return *rec, true, nil
}

func (r *RedisRegistry) Current(ctx context.Context, sessionID string) (Record, bool, error) {
	rec, err := readRecord(ctx, r.client, sessionCredentialKey(sessionID))
	if err != nil || rec == nil {
		return Record{}, false, err
	}
	return *rec, true, nil
}

func (r *RedisRegistry) Revoke(ctx context.Context, sessionID string) error {
	sessionKey := sessionCredentialKey(sessionID)
	return r.withRetries(ctx, func(tx *redis.Tx) error {
		previous, err := readRecord(ctx, tx, sessionKey)
		if err != nil || previous == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, credentialKey(previous.TokenHash), sessionKey)
			return nil
		})
		return err
	}, sessionKey)
}

func (r *RedisRegistry) withRetries(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTooManyRetries
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readRecord(ctx context.Context, client getter, key string) (*Record, error) {
	value, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &rec, nil
}

func credentialKey(hash string) string {
	return fmt.Sprintf("lesson_credential:%s", hash)
}

func sessionCredentialKey(sessionID string) string {
	return fmt.Sprintf("lesson_session_credential:%s", sessionID)
}
