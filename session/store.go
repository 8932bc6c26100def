package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/VoiceLedger/agent"
)

const activeSessionsKey = "active_sessions"

func sessionKey(id string) string  { return "session:" + id }
func messagesKey(id string) string { return "session:" + id + ":messages" }

// Info is the persisted summary of a client session.
type Info struct {
	ID           string
	UserID       string
	IsTwilio     bool
	CreatedAt    time.Time
	LastActivity time.Time
	Status       string
}

// Store persists session summaries and transcripts.
type Store interface {
	SaveSession(ctx context.Context, info Info) error
	Touch(ctx context.Context, id, status string, at time.Time) error
	AppendMessage(ctx context.Context, id string, m agent.Message) error
	Messages(ctx context.Context, id string) ([]agent.Message, error)
	DeleteSession(ctx context.Context, id string) error
	ActiveSessions(ctx context.Context) ([]string, error)
	Close() error
}

// RedisStore keeps every key under the session TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, addr, password string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", addr, err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, info Info) error {
	key := sessionKey(info.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":       info.UserID,
		"created_at":    info.CreatedAt.Format(time.RFC3339),
		"last_activity": info.LastActivity.Format(time.RFC3339),
		"status":        info.Status,
		"is_twilio":     info.IsTwilio,
	})
	pipe.SAdd(ctx, activeSessionsKey, info.ID)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Touch(ctx context.Context, id, status string, at time.Time) error {
	key := sessionKey(id)
	pipe := s.client.TxPipeline()
	fields := map[string]interface{}{"last_activity": at.Format(time.RFC3339)}
	if status != "" {
		fields["status"] = status
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AppendMessage(ctx context.Context, id string, m agent.Message) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return err
	}
	key := messagesKey(id)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Messages(ctx context.Context, id string) ([]agent.Message, error) {
	raw, err := s.client.LRange(ctx, messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]agent.Message, 0, len(raw))
	for _, r := range raw {
		var m agent.Message
		if err := sonic.UnmarshalString(r, &m); err != nil {
			return nil, fmt.Errorf("corrupt message in %s: %w", messagesKey(id), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteSession removes the summary and active marker. The transcript is
// left to expire so it can still be read after the call.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, activeSessionsKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveSessions lists sessions whose summary is still alive. Members left
// behind by a crashed process outlive their summary and are pruned here.
func (s *RedisStore) ActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil || len(ids) == 0 {
		return ids, err
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	live := make([]string, 0, len(ids))
	var gone []interface{}
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		if err := s.client.SRem(ctx, activeSessionsKey, gone...).Err(); err != nil {
			return nil, err
		}
	}
	return live, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
