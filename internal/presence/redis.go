package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

const (
	presenceKeyPrefix  = "presence:"
	callKeyPrefix      = "call:"
	relayChannelPrefix = "relay:"
)

// Call ownership entries are removed explicitly on terminal transitions; the
// TTL only reaps entries leaked by a crashed instance.
const callRouteTTL = 24 * time.Hour

// NewRedisClient connects and pings so a misconfigured URL fails at startup,
// not on the first heartbeat.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore implements Store and Relay on a single Redis instance.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	opTimeout time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		opTimeout: 2 * time.Second,
	}
}

func key(uid domain.UserID) string { return presenceKeyPrefix + string(uid) }

func (s *RedisStore) Heartbeat(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	if err := s.client.Set(ctx, key(rec.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write presence record: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, uid domain.UserID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, key(uid)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read presence record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		// Unreadable record: delete it rather than leave garbage behind.
		return s.client.Del(ctx, key(uid)).Err()
	}
	if rec.SessionID != sessionID {
		// A newer session already owns the record.
		return nil
	}
	if err := s.client.Del(ctx, key(uid)).Err(); err != nil {
		return fmt.Errorf("remove presence record: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, uid domain.UserID) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, key(uid)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("lookup presence: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal presence record: %w", err)
	}
	return rec, true, nil
}

func callKey(id domain.CallID) string { return callKeyPrefix + string(id) }

func (s *RedisStore) RecordCall(ctx context.Context, id domain.CallID, instance string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, callKey(id), instance, callRouteTTL).Err(); err != nil {
		return fmt.Errorf("write call route: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupCall(ctx context.Context, id domain.CallID) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	instance, err := s.client.Get(ctx, callKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup call route: %w", err)
	}
	return instance, true, nil
}

func (s *RedisStore) RemoveCall(ctx context.Context, id domain.CallID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, callKey(id)).Err(); err != nil {
		return fmt.Errorf("remove call route: %w", err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, instance string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, relayChannelPrefix+instance, data).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, instance string, handler func([]byte)) error {
	sub := s.client.Subscribe(ctx, relayChannelPrefix+instance)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debug().Str("module", "presence").Str("channel", msg.Channel).Msg("relay event received")
			handler([]byte(msg.Payload))
		}
	}
}
