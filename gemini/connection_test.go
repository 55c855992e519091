package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicelink/gemini/geminitest"
	"github.com/room4-2/voicelink/protocol"
)

const testKey = "AIzaSyTestKey0000000000000000000000000"

func testConfig(endpoint string) Config {
	return Config{
		APIKey:            testKey,
		Endpoint:          endpoint,
		Model:             "gemini-test",
		SystemInstruction: "be brief",
		CloseGracePeriod:  500 * time.Millisecond,
	}
}

func nextEvent(t *testing.T, c *Connection) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// waitState consumes events until a transition into want.
func waitState(t *testing.T, c *Connection, want State) StateEvent {
	t.Helper()
	for {
		if ev, ok := nextEvent(t, c).(StateEvent); ok && ev.To == want {
			return ev
		}
	}
}

// drain collects events until the stream is quiet for d.
func drain(c *Connection, d time.Duration) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(d):
			return out
		}
	}
}

func terminalCount(events []Event) int {
	n := 0
	for _, ev := range events {
		if se, ok := ev.(StateEvent); ok && se.To.Terminal() {
			n++
		}
	}
	return n
}

func connectActive(t *testing.T, srv *geminitest.Server) (*Connection, *geminitest.Conn) {
	t.Helper()
	c := NewConnection(Options{})
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background(), testConfig(srv.URL())))
	sc := srv.Accept(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	waitState(t, c, StateActive)
	return c, sc
}

func TestConnection_Handshake(t *testing.T) {
	srv := geminitest.NewServer(t)
	c := NewConnection(Options{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), testConfig(srv.URL())))
	sc := srv.Accept(t)

	setup, ok := sc.Next(t).(protocol.Setup)
	require.True(t, ok, "first frame must be setup")
	assert.Equal(t, "models/gemini-test", setup.Model)
	assert.Equal(t, []protocol.Modality{protocol.ModalityAudio}, setup.ResponseModalities)
	assert.Equal(t, "be brief", setup.SystemInstruction)
	assert.Equal(t, []string{testKey}, srv.Keys())

	assert.Equal(t, StateConnecting, nextEvent(t, c).(StateEvent).To)
	assert.Equal(t, StateAwaitingSetupAck, nextEvent(t, c).(StateEvent).To)
	active := nextEvent(t, c).(StateEvent)
	assert.Equal(t, StateAwaitingSetupAck, active.From)
	assert.Equal(t, StateActive, active.To)
	assert.Equal(t, c.SessionID(), active.SessionID)
	assert.Equal(t, StateActive, c.State())

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready channel should be closed")
	}
}

func TestConnection_SendBeforeActiveWritesNothing(t *testing.T) {
	srv := geminitest.NewServer(t, geminitest.WithoutAutoAck())
	c := NewConnection(Options{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), testConfig(srv.URL())))
	sc := srv.Accept(t)
	waitState(t, c, StateAwaitingSetupAck)

	err := c.SendText("too early")
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, KindSend, KindOf(err))
	require.ErrorIs(t, c.SendAudioChunk([]byte{1, 2}), ErrNotReady)
	require.ErrorIs(t, c.SendInterrupt(), ErrNotReady)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, sc.Received(), 1)
	assert.Equal(t, protocol.KindSetup, sc.Received()[0].Kind())

	// a duplicate acknowledgement is a no-op
	require.NoError(t, sc.Send(protocol.SetupComplete{}, protocol.SetupComplete{}))
	waitState(t, c, StateActive)
	assert.Empty(t, drain(c, 50*time.Millisecond))

	require.NoError(t, c.SendText("hello"))
	sc.Next(t) // setup
	text, ok := sc.Next(t).(protocol.ClientText)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
	assert.True(t, text.TurnComplete)
}

func TestConnection_ReceiveEvents(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)

	calls := []protocol.FunctionCall{
		{ID: "1", Name: "a", Args: map[string]any{"x": 1.0}},
		{ID: "2", Name: "b"},
	}
	require.NoError(t, sc.Send(
		protocol.ServerText{Text: "Hel"},
		protocol.ServerAudioChunk{MimeType: "audio/pcm;rate=24000", Data: []byte{1, 2, 3, 4}},
		protocol.ServerToolCall{Calls: calls},
		protocol.ServerInterrupted{},
		protocol.TurnComplete{},
	))

	assert.Equal(t, TextEvent{Text: "Hel"}, nextEvent(t, c))
	assert.Equal(t, AudioEvent{MimeType: "audio/pcm;rate=24000", Data: []byte{1, 2, 3, 4}}, nextEvent(t, c))
	assert.Equal(t, ToolCallEvent{Calls: calls}, nextEvent(t, c))
	assert.Equal(t, InterruptedEvent{}, nextEvent(t, c))
	assert.Equal(t, TurnCompleteEvent{}, nextEvent(t, c))
}

func TestConnection_MultiPartMessageKeepsOrder(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)

	raw := `{"serverContent":{"modelTurn":{"parts":[{"text":"Hello"},{"text":" there"}]},"turnComplete":true}}`
	require.NoError(t, sc.SendRaw([]byte(raw)))

	assert.Equal(t, TextEvent{Text: "Hello"}, nextEvent(t, c))
	assert.Equal(t, TextEvent{Text: " there"}, nextEvent(t, c))
	assert.Equal(t, TurnCompleteEvent{}, nextEvent(t, c))
}

func TestConnection_ServerErrorKeepsSessionActive(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)

	require.NoError(t, sc.Send(protocol.ServerError{Code: 429, Message: "quota exceeded"}))

	ev, ok := nextEvent(t, c).(ErrorEvent)
	require.True(t, ok)
	assert.False(t, ev.Fatal)
	assert.Equal(t, KindServer, ev.Err.Kind)
	var serr *ServerError
	require.ErrorAs(t, ev.Err, &serr)
	assert.Equal(t, 429, serr.Code)
	assert.Equal(t, "quota exceeded", serr.Message)

	assert.Equal(t, StateActive, c.State())
	require.NoError(t, c.SendText("still there?"))
}

func TestConnection_DecodeErrorIsNotFatal(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)

	require.NoError(t, sc.SendRaw([]byte("{not json")))
	require.NoError(t, sc.SendRaw([]byte(`{"mystery":{}}`)))
	require.NoError(t, sc.Send(protocol.ServerText{Text: "ok"}))

	for i := 0; i < 2; i++ {
		ev, ok := nextEvent(t, c).(ErrorEvent)
		require.True(t, ok)
		assert.False(t, ev.Fatal)
		assert.Equal(t, KindDecode, ev.Err.Kind)
		var derr *protocol.DecodeError
		assert.ErrorAs(t, ev.Err, &derr)
	}
	assert.Equal(t, TextEvent{Text: "ok"}, nextEvent(t, c))
	assert.Equal(t, StateActive, c.State())
}

func TestConnection_DisconnectIsBoundedAndClean(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)
	id := c.SessionID()

	start := time.Now()
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.SessionID())

	select {
	case <-sc.Done():
	case <-time.After(time.Second):
		t.Fatal("server side still open")
	}
	assert.True(t, sc.ClosedNormally())

	events := drain(c, 50*time.Millisecond)
	require.Len(t, events, 2)
	assert.Equal(t, StateEvent{SessionID: id, From: StateActive, To: StateDisconnecting}, events[0])
	assert.Equal(t, StateEvent{SessionID: id, From: StateDisconnecting, To: StateDisconnected}, events[1])

	require.ErrorIs(t, c.SendText("late"), ErrNotReady)
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Empty(t, drain(c, 20*time.Millisecond))
}

func TestConnection_RemoteNormalClose(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)

	sc.CloseWith(websocket.CloseNormalClosure, "bye")

	waitState(t, c, StateDisconnecting)
	ev := waitState(t, c, StateDisconnected)
	assert.NoError(t, ev.Err)
	assert.Zero(t, terminalCount(drain(c, 50*time.Millisecond)))
}

func TestConnection_AbruptCloseFaultsOnce(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, sc := connectActive(t, srv)
	first := c.SessionID()

	sc.Kill()

	errEv, ok := nextEvent(t, c).(ErrorEvent)
	require.True(t, ok)
	assert.True(t, errEv.Fatal)
	assert.Equal(t, KindTransport, errEv.Err.Kind)

	stateEv, ok := nextEvent(t, c).(StateEvent)
	require.True(t, ok)
	assert.Equal(t, StateActive, stateEv.From)
	assert.Equal(t, StateFaulted, stateEv.To)
	assert.Error(t, stateEv.Err)
	assert.Zero(t, terminalCount(drain(c, 50*time.Millisecond)))

	require.ErrorIs(t, c.SendText("x"), ErrNotReady)
	require.NoError(t, c.Disconnect(context.Background()))

	// Faulted behaves like Disconnected for a new Connect.
	require.NoError(t, c.Connect(context.Background(), testConfig(srv.URL())))
	srv.Accept(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	assert.NotEqual(t, first, c.SessionID())
}

func TestConnection_ConnectTwice(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, _ := connectActive(t, srv)

	err := c.Connect(context.Background(), testConfig(srv.URL()))
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, StateActive, c.State())
}

func TestConnection_DialFailure(t *testing.T) {
	srv := geminitest.NewServer(t)
	endpoint := srv.URL()
	srv.Close()

	c := NewConnection(Options{})
	defer c.Close()

	err := c.Connect(context.Background(), testConfig(endpoint))
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Equal(t, StateDisconnected, c.State())

	waitState(t, c, StateConnecting)
	ev := waitState(t, c, StateDisconnected)
	assert.Error(t, ev.Err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), ErrNotReady)
}

func TestConnection_MissingAPIKey(t *testing.T) {
	c := NewConnection(Options{})
	defer c.Close()

	err := c.Connect(context.Background(), Config{Endpoint: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnection_WaitReadyReportsRejectedSetup(t *testing.T) {
	srv := geminitest.NewServer(t, geminitest.WithoutAutoAck(), geminitest.WithHandler(
		func(sc *geminitest.Conn, f protocol.Frame) {
			if _, ok := f.(protocol.Setup); ok {
				sc.CloseWith(1007, "API key not valid")
			}
		}))
	c := NewConnection(Options{})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), testConfig(srv.URL())))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.WaitReady(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not valid")
	assert.Equal(t, StateFaulted, c.State())
}

func TestConnection_CloseClosesEvents(t *testing.T) {
	srv := geminitest.NewServer(t)
	c, _ := connectActive(t, srv)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	drain(c, 20*time.Millisecond)
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Connect(context.Background(), testConfig(srv.URL())), ErrClosed)
}

// fakeTransport records writes and fails on demand.
type fakeTransport struct {
	inbound  chan []byte
	closed   chan struct{}
	once     sync.Once
	writing  atomic.Int32
	overlaps atomic.Int32
	writes   atomic.Int32
	writeErr atomic.Value
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) WriteMessage([]byte) error {
	if f.writing.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.writing.Add(-1)
	time.Sleep(time.Millisecond)
	if err, ok := f.writeErr.Load().(error); ok {
		return err
	}
	f.writes.Add(1)
	return nil
}

func (f *fakeTransport) Ping() error                         { return nil }
func (f *fakeTransport) CloseGracefully(time.Duration) error { return nil }
func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct{ t *fakeTransport }

func (d fakeDialer) Dial(context.Context, string, http.Header) (Transport, error) {
	return d.t, nil
}

func activeFake(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := NewConnection(Options{Dialer: fakeDialer{ft}})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), testConfig("ws://fake")))
	ft.inbound <- []byte(`{"setup_complete":{}}`)
	waitState(t, c, StateActive)
	return c, ft
}

func TestConnection_SendsAreSerialized(t *testing.T) {
	c, ft := activeFake(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, c.SendAudioChunk([]byte{byte(j), 0}))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, ft.overlaps.Load())
	assert.Equal(t, int32(81), ft.writes.Load()) // setup + 80 chunks
}

func TestConnection_TransportClosedOnSendFaults(t *testing.T) {
	c, ft := activeFake(t)
	ft.writeErr.Store(errors.Join(ErrTransportClosed, errors.New("broken pipe")))

	err := c.SendText("hello")
	require.Error(t, err)
	assert.Equal(t, KindSend, KindOf(err))

	errEv := nextEvent(t, c).(ErrorEvent)
	assert.True(t, errEv.Fatal)
	assert.Equal(t, KindTransport, errEv.Err.Kind)
	assert.Equal(t, StateFaulted, waitState(t, c, StateFaulted).To)
	assert.Zero(t, terminalCount(drain(c, 50*time.Millisecond)))
}

func TestConnection_DisconnectDuringSends(t *testing.T) {
	c, ft := activeFake(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.SendAudioChunk([]byte{1, 2})
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Disconnect(context.Background()))
	written := ft.writes.Load()
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, written, ft.writes.Load(), "no frame may be written after Disconnect returns")
	assert.Zero(t, ft.overlaps.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConfig_URL(t *testing.T) {
	cfg := Config{APIKey: "k&y", Endpoint: DefaultEndpoint}
	u, err := cfg.url()
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint+"?key=k%26y", u)

	cfg = Config{APIKey: "abc", Endpoint: "ws://localhost:9000/live?alt=json"}
	u, err = cfg.url()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/live?alt=json&key=abc", u)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_setup_ack", StateAwaitingSetupAck.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFaulted.Terminal())
	assert.False(t, StateActive.Terminal())
}
