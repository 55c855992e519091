// Package store archives conversations in Redis so history survives
// restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/voicelink/conversation"
)

var json = sonic.ConfigStd

var ErrNotFound = errors.New("conversation not found")

const (
	defaultPrefix = "voicelink"
	pingTimeout   = 5 * time.Second
)

// Options configure a RedisArchive.
type Options struct {
	Addr     string
	Password string
	DB       int
	// TTL expires archived conversations; zero keeps them forever.
	TTL    time.Duration
	Prefix string
	Logger *slog.Logger
}

// RedisArchive stores each conversation as a JSON document plus a sorted
// index ordered by last update.
type RedisArchive struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisArchive connects to Redis and verifies the connection.
func NewRedisArchive(ctx context.Context, opts Options) (*RedisArchive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisArchiveFromClient(client, opts), nil
}

// NewRedisArchiveFromClient wraps an existing client. Addr, Password and
// DB in opts are ignored.
func NewRedisArchiveFromClient(client *redis.Client, opts Options) *RedisArchive {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisArchive{
		client: client,
		ttl:    opts.TTL,
		prefix: prefix,
		logger: logger.With("component", "store"),
	}
}

func (a *RedisArchive) key(id string) string {
	return a.prefix + ":conversation:" + id
}

func (a *RedisArchive) indexKey() string {
	return a.prefix + ":conversations"
}

// Save writes c and moves it to its place in the index.
func (a *RedisArchive) Save(ctx context.Context, c *conversation.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", c.ID, err)
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.key(c.ID), data, a.ttl)
		pipe.ZAdd(ctx, a.indexKey(), redis.Z{
			Score:  float64(c.UpdatedAt.UnixMilli()),
			Member: c.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	a.logger.Debug("conversation archived", "conversation", c.ID, "messages", len(c.Messages), "bytes", len(data))
	return nil
}

func (a *RedisArchive) Load(ctx context.Context, id string) (*conversation.Conversation, error) {
	data, err := a.client.Get(ctx, a.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	var c conversation.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &c, nil
}

// List returns summaries newest first. Index entries whose document has
// expired are pruned.
func (a *RedisArchive) List(ctx context.Context) ([]conversation.Summary, error) {
	ids, err := a.client.ZRevRange(ctx, a.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.key(id)
	}
	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var (
		out   []conversation.Summary
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var c conversation.Conversation
		if err := json.UnmarshalFromString(raw, &c); err != nil {
			a.logger.Warn("skipping unreadable conversation", "conversation", ids[i], "error", err)
			continue
		}
		out = append(out, c.Summary())
	}

	if len(stale) > 0 {
		if err := a.client.ZRem(ctx, a.indexKey(), stale...).Err(); err != nil {
			a.logger.Warn("failed to prune expired conversations", "count", len(stale), "error", err)
		}
	}
	conversation.SortByRecent(out)
	return out, nil
}

func (a *RedisArchive) Delete(ctx context.Context, id string) error {
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, a.key(id))
		pipe.ZRem(ctx, a.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

func (a *RedisArchive) Close() error {
	return a.client.Close()
}
