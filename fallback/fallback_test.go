package fallback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicelink/conversation"
	"github.com/room4-2/voicelink/functions"
)

// fakeAPI answers generateContent requests with the queued bodies in
// order and records what it received.
type fakeAPI struct {
	mu       sync.Mutex
	replies  []string
	requests []map[string]any
	paths    []string
	keys     []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, ":generateContent") {
		http.NotFound(w, r)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(data, &req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.paths = append(f.paths, r.URL.Path)
	f.keys = append(f.keys, r.Header.Get("x-goog-api-key"))
	reply := `{"candidates":[]}`
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func (f *fakeAPI) request(i int) (req map[string]any, path, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i], f.paths[i], f.keys[i]
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAPI) contents(i int) []any {
	req, _, _ := f.request(i)
	contents, _ := req["contents"].([]any)
	return contents
}

func newClient(t *testing.T, api *fakeAPI, registry *functions.Registry) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Options{
		APIKey:            "test-key",
		Model:             "gemini-test",
		SystemInstruction: "be brief",
		BaseURL:           srv.URL + "/",
		Functions:         registry,
	})
	require.NoError(t, err)
	return c
}

func textReply(text string) string {
	return `{"candidates":[{"content":{"role":"model","parts":[{"text":"` + text + `"}]}}]}`
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	_, err := New(context.Background(), Options{Model: "m"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = New(context.Background(), Options{APIKey: "k"})
	assert.ErrorIs(t, err, ErrMissingModel)
}

func TestAsk_Text(t *testing.T) {
	api := &fakeAPI{replies: []string{textReply("Hello there")}}
	c := newClient(t, api, nil)

	history := []*conversation.Message{
		conversation.NewTextMessage(conversation.RoleUser, "earlier question"),
		conversation.NewTextMessage(conversation.RoleAssistant, "earlier answer"),
		conversation.NewTextMessage(conversation.RoleSystem, "server error"),
	}
	answer, err := c.Ask(context.Background(), history, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", answer)

	require.Equal(t, 1, api.count())
	req, path, key := api.request(0)
	assert.Contains(t, path, "gemini-test:generateContent")
	assert.Equal(t, "test-key", key)

	contents := api.contents(0)
	require.Len(t, contents, 3)
	roles := make([]string, 0, len(contents))
	for _, c := range contents {
		roles = append(roles, c.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"user", "model", "user"}, roles)

	sys, ok := req["systemInstruction"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, sys["parts"].([]any)[0].(map[string]any)["text"], "be brief")
}

func TestAsk_AnswersToolCalls(t *testing.T) {
	registry := functions.NewRegistry(nil)
	clock := func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	require.NoError(t, functions.RegisterBuiltins(registry, clock))

	api := &fakeAPI{replies: []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"c1","name":"get_current_time","args":{}}}]}}]}`,
		textReply("It is five past five"),
	}}
	c := newClient(t, api, registry)

	answer, err := c.Ask(context.Background(), nil, "what time is it?")
	require.NoError(t, err)
	assert.Equal(t, "It is five past five", answer)

	require.Equal(t, 2, api.count())
	first, _, _ := api.request(0)
	tools, ok := first["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)

	contents := api.contents(1)
	require.Len(t, contents, 3)
	last := contents[2].(map[string]any)
	part := last["parts"].([]any)[0].(map[string]any)
	fr, ok := part["functionResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "get_current_time", fr["name"])
	assert.Equal(t, "2026-03-04T05:06:07Z", fr["response"].(map[string]any)["time"])
}

func TestAsk_TooManyRounds(t *testing.T) {
	registry := functions.NewRegistry(nil)
	require.NoError(t, functions.RegisterBuiltins(registry, nil))

	call := `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_assistant_info"}}]}}]}`
	api := &fakeAPI{}
	for range maxToolRounds + 1 {
		api.replies = append(api.replies, call)
	}
	c := newClient(t, api, registry)

	_, err := c.Ask(context.Background(), nil, "loop")
	assert.ErrorIs(t, err, ErrTooManyRounds)
}

func TestAsk_NoAnswer(t *testing.T) {
	c := newClient(t, &fakeAPI{}, nil)
	_, err := c.Ask(context.Background(), nil, "anyone?")
	assert.ErrorIs(t, err, ErrNoAnswer)
}
