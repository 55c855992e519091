package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicelink/gemini/geminitest"
	"github.com/room4-2/voicelink/protocol"
	"github.com/room4-2/voicelink/store"
)

func newArchive(t *testing.T) *store.RedisArchive {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := store.NewRedisArchiveFromClient(client, store.Options{})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func echoHandler(c *geminitest.Conn, f protocol.Frame) {
	if t, ok := f.(protocol.ClientText); ok {
		_ = c.Send(protocol.ServerText{Text: "echo: " + t.Text}, protocol.TurnComplete{})
	}
}

func TestConversations_Management(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	first, err := h.o.StartNewConversation()
	require.NoError(t, err)
	assert.True(t, first.Active)
	time.Sleep(2 * time.Millisecond)
	second, err := h.o.StartNewConversation()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	list := h.o.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	loaded, err := h.o.LoadConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, loaded.ID)
	assert.True(t, loaded.Active)
	assert.Equal(t, first.ID, h.o.CurrentConversation().ID)

	require.NoError(t, h.o.DeleteConversation(first.ID))
	assert.Nil(t, h.o.CurrentConversation())
	assert.Len(t, h.o.Conversations(), 1)

	assert.ErrorIs(t, h.o.DeleteConversation(first.ID), ErrConversationNotFound)
	_, err = h.o.LoadConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversations_SendTextUsesCurrent(t *testing.T) {
	h := newHarness(t, echoHandler, Options{})

	c, err := h.o.StartNewConversation()
	require.NoError(t, err)
	require.NoError(t, h.o.SendText("ping"))
	waitEvent(t, h.o, completeMessage("echo: ping"))

	current := h.o.CurrentConversation()
	assert.Equal(t, c.ID, current.ID)
	assert.Len(t, current.Messages, 2)
	assert.Equal(t, "ping", current.Title)
}

func TestConversations_NewConversationFreezesStreaming(t *testing.T) {
	h := newHarness(t, func(c *geminitest.Conn, f protocol.Frame) {
		if _, ok := f.(protocol.ClientText); ok {
			_ = c.Send(protocol.ServerText{Text: "half an ans"})
		}
	}, Options{})

	require.NoError(t, h.o.SendText("question"))
	waitEvent(t, h.o, func(ev Event) bool { return ev.Kind == EventMessage && ev.Message.Text == "half an ans" })
	prev := h.o.CurrentConversation()

	_, err := h.o.StartNewConversation()
	require.NoError(t, err)

	ev := waitEvent(t, h.o, completeMessage("half an ans"))
	assert.Equal(t, prev.ID, ev.ConversationID)
	assert.Empty(t, h.o.CurrentConversation().Messages)
}

func TestConversations_Archive(t *testing.T) {
	archive := newArchive(t)
	h := newHarness(t, echoHandler, Options{Archive: archive})
	ctx := context.Background()

	require.NoError(t, h.o.SendText("remember me"))
	waitEvent(t, h.o, completeMessage("echo: remember me"))
	id := h.o.CurrentConversation().ID

	require.Eventually(t, func() bool {
		c, err := archive.Load(ctx, id)
		return err == nil && len(c.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	restored := New(Options{Archive: archive})
	shutdownOnCleanup(t, restored)
	n, err := restored.RestoreHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = restored.RestoreHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	list := restored.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, "remember me", list[0].Title)

	lazy := New(Options{Archive: archive})
	shutdownOnCleanup(t, lazy)
	c, err := lazy.LoadConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "echo: remember me", c.Messages[1].Text)
	assert.Len(t, lazy.Conversations(), 1)

	require.NoError(t, h.o.DeleteConversation(id))
	require.Eventually(t, func() bool {
		_, err := archive.Load(ctx, id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err = archive.Load(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConversations_HistoryDisabled(t *testing.T) {
	archive := newArchive(t)
	srv := geminitest.NewServer(t, geminitest.WithHandler(echoHandler))
	o := New(Options{Archive: archive})
	shutdownOnCleanup(t, o)

	cfg := testConfig(srv.URL())
	cfg.Settings.SaveConversationHistory = false
	require.NoError(t, o.Initialize(context.Background(), cfg))

	require.NoError(t, o.SendText("forget me"))
	waitEvent(t, o, completeMessage("echo: forget me"))

	list, err := archive.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
