package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicelink/conversation"
)

func newArchive(t *testing.T, ttl time.Duration) (*RedisArchive, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := NewRedisArchive(context.Background(), Options{Addr: mr.Addr(), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, mr
}

func sample(title string, updated time.Time) *conversation.Conversation {
	c := conversation.New()
	c.Append(conversation.NewTextMessage(conversation.RoleUser, title))
	c.Append(conversation.NewTextMessage(conversation.RoleAssistant, "reply to "+title))
	c.UpdatedAt = updated
	return c
}

func TestRedisArchive_SaveLoad(t *testing.T) {
	a, _ := newArchive(t, 0)
	ctx := context.Background()

	c := sample("What is Go?", time.Now().UTC().Truncate(time.Millisecond))
	c.Messages[1].AudioData = []byte{1, 2, 3}
	require.NoError(t, a.Save(ctx, c))

	got, err := a.Load(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "What is Go?", got.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "reply to What is Go?", got.Messages[1].Text)
	assert.Equal(t, []byte{1, 2, 3}, got.Messages[1].AudioData)
	assert.True(t, got.UpdatedAt.Equal(c.UpdatedAt))

	_, err = a.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisArchive_ListNewestFirst(t *testing.T) {
	a, _ := newArchive(t, 0)
	ctx := context.Background()
	base := time.Now().UTC()

	older := sample("older", base.Add(-time.Hour))
	newer := sample("newer", base)
	require.NoError(t, a.Save(ctx, older))
	require.NoError(t, a.Save(ctx, newer))

	list, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, 2, list[0].MessageCount)

	// saving again with a later timestamp reorders
	older.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, a.Save(ctx, older))
	list, err = a.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, older.ID, list[0].ID)
}

func TestRedisArchive_Delete(t *testing.T) {
	a, mr := newArchive(t, 0)
	ctx := context.Background()

	c := sample("bye", time.Now())
	require.NoError(t, a.Save(ctx, c))
	require.NoError(t, a.Delete(ctx, c.ID))

	_, err := a.Load(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, mr.Exists(a.key(c.ID)))

	// deleting twice is fine
	require.NoError(t, a.Delete(ctx, c.ID))
}

func TestRedisArchive_TTLExpiresAndPrunesIndex(t *testing.T) {
	a, mr := newArchive(t, time.Minute)
	ctx := context.Background()

	c := sample("ephemeral", time.Now())
	require.NoError(t, a.Save(ctx, c))
	assert.Equal(t, time.Minute, mr.TTL(a.key(c.ID)))

	mr.FastForward(2 * time.Minute)

	list, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := mr.ZMembers(a.indexKey())
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestNewRedisArchive_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisArchive(context.Background(), Options{Addr: addr})
	assert.Error(t, err)
}

func TestNewRedisArchiveFromClient_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewRedisArchiveFromClient(client, Options{Prefix: "test"})
	defer a.Close()

	c := sample("prefixed", time.Now())
	require.NoError(t, a.Save(context.Background(), c))
	assert.True(t, mr.Exists("test:conversation:"+c.ID))
}
