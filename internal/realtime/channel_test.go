// ABOUTME: Tests for the realtime channel against an in-process websocket server
// ABOUTME: Covers auth handshake, room slot, reconnect with rejoin, publish rules, dedupe, and ordering

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aura-chat/internal/chaterr"
)

const testToken = "good-token"

// busServer is a minimal event bus: it authenticates the bearer token,
// records client frames, and lets tests push frames or drop connections.
type busServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	handshakes atomic.Int32
	frames     chan Frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newBusServer(t *testing.T) *busServer {
	t.Helper()
	b := &busServer{
		t:      t,
		frames: make(chan Frame, 256),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *busServer) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *busServer) handle(w http.ResponseWriter, r *http.Request) {
	b.handshakes.Add(1)
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, ws)
	b.mu.Unlock()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		b.frames <- f
	}
}

func (b *busServer) push(event string, payload any) {
	b.t.Helper()
	frame, err := NewFrame(event, payload)
	require.NoError(b.t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.conns {
		_ = ws.WriteJSON(frame)
	}
}

func (b *busServer) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.conns {
		_ = ws.Close()
	}
	b.conns = nil
}

func (b *busServer) expectFrame(event string) Frame {
	b.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.frames:
			if f.Event == event {
				return f
			}
		case <-timeout:
			b.t.Fatalf("timed out waiting for %s frame", event)
			return Frame{}
		}
	}
}

func (b *busServer) expectNoFrame(within time.Duration) {
	b.t.Helper()
	select {
	case f := <-b.frames:
		b.t.Fatalf("unexpected frame %s %s", f.Event, string(f.Data))
	case <-time.After(within):
	}
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	ch := New(Options{
		URL:              url,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		PingInterval:     time.Second,
		WriteTimeout:     time.Second,
		DedupeTTL:        time.Minute,
		DedupeSize:       100,
	}, nil)
	t.Cleanup(ch.Close)
	return ch
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want },
		2*time.Second, 5*time.Millisecond, "channel never reached %s", want)
}

func roomOf(t *testing.T, f Frame) string {
	t.Helper()
	var id string
	require.NoError(t, json.Unmarshal(f.Data, &id))
	return id
}

func TestChannel_ConnectAndReceive(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	got := make(chan json.RawMessage, 1)
	ch.Subscribe(EventNewMessage, func(data json.RawMessage) { got <- data })

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	bus.push(EventNewMessage, map[string]string{"_id": "m1", "text": "hi"})

	select {
	case data := <-got:
		assert.JSONEq(t, `{"_id":"m1","text":"hi"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestChannel_ConnectIdempotentForSameCredential(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)
	require.NoError(t, ch.Connect(testToken))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), bus.handshakes.Load())
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_ConnectRejectsEmptyCredential(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, ch.Connect(""), chaterr.ErrInvalidArgument)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannel_AuthRejectedStopsReconnecting(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	require.NoError(t, ch.Connect("bad-token"))

	require.Eventually(t, func() bool {
		return ch.State() == StateDisconnected && ch.Err() != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, ch.Err(), chaterr.ErrAuthentication)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), bus.handshakes.Load(), "a rejected credential is not retried")

	// A fresh credential can connect afterwards.
	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)
	assert.NoError(t, ch.Err())
}

func TestChannel_ExpiredTokenIsNotDialed(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret-secret-secret-secret-secret"))
	require.NoError(t, err)

	require.NoError(t, ch.Connect(expired))
	require.Eventually(t, func() bool { return ch.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, ch.Err(), chaterr.ErrAuthentication)
	assert.Equal(t, int32(0), bus.handshakes.Load())
}

func TestChannel_JoinRoomBeforeConnect(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	require.NoError(t, ch.JoinRoom("c1"))
	assert.Equal(t, "c1", ch.Room())

	require.NoError(t, ch.Connect(testToken))

	f := bus.expectFrame(EventJoinConversation)
	assert.Equal(t, "c1", roomOf(t, f))
}

func TestChannel_JoinRoomSingleSlot(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	require.NoError(t, ch.JoinRoom("c1"))
	assert.Equal(t, "c1", roomOf(t, bus.expectFrame(EventJoinConversation)))

	require.NoError(t, ch.JoinRoom("c1"))
	bus.expectNoFrame(50 * time.Millisecond)

	require.NoError(t, ch.JoinRoom("c2"))
	assert.Equal(t, "c2", roomOf(t, bus.expectFrame(EventJoinConversation)))
	assert.Equal(t, "c2", ch.Room())

	assert.ErrorIs(t, ch.JoinRoom(""), chaterr.ErrInvalidArgument)
}

func TestChannel_ReconnectRejoinsRoom(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	var mu sync.Mutex
	var states []State
	ch.WatchState(func(s State, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)
	require.NoError(t, ch.JoinRoom("c1"))
	bus.expectFrame(EventJoinConversation)

	bus.dropAll()

	f := bus.expectFrame(EventJoinConversation)
	assert.Equal(t, "c1", roomOf(t, f), "room is re-joined on the new connection")
	waitState(t, ch, StateConnected)

	// A defensive re-assert after reconnect emits nothing.
	require.NoError(t, ch.JoinRoom("c1"))
	bus.expectNoFrame(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateConnecting, StateConnected,
		StateDisconnected, StateConnecting, StateConnected,
	}, states)
	assert.GreaterOrEqual(t, bus.handshakes.Load(), int32(2))
}

func TestChannel_LeaveRoomClearsSlot(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)
	require.NoError(t, ch.JoinRoom("c1"))
	bus.expectFrame(EventJoinConversation)

	ch.LeaveRoom()
	ch.LeaveRoom()
	assert.Empty(t, ch.Room())
	bus.expectNoFrame(50 * time.Millisecond)

	bus.dropAll()
	require.Eventually(t, func() bool { return bus.handshakes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, ch, StateConnected)
	bus.expectNoFrame(100 * time.Millisecond)

	require.NoError(t, ch.JoinRoom("c1"))
	assert.Equal(t, "c1", roomOf(t, bus.expectFrame(EventJoinConversation)), "joining again emits a frame")
}

func TestChannel_PublishRules(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	err := ch.Publish(EventSendMessage, map[string]string{"_id": "m1"})
	assert.ErrorIs(t, err, chaterr.ErrChannelDisconnected, "rejected before connect")

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	require.NoError(t, ch.Publish(EventSendMessage, map[string]string{"_id": "m1"}))
	f := bus.expectFrame(EventSendMessage)
	assert.JSONEq(t, `{"_id":"m1"}`, string(f.Data))

	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Empty(t, ch.Room())

	err = ch.Publish(EventSendMessage, map[string]string{"_id": "m2"})
	assert.ErrorIs(t, err, chaterr.ErrChannelDisconnected, "rejected after disconnect, not queued")

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)
	bus.expectNoFrame(50 * time.Millisecond)
}

func TestChannel_DisconnectStopsReconnecting(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	ch.Disconnect()
	ch.Disconnect()

	before := bus.handshakes.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, bus.handshakes.Load())
	assert.Equal(t, StateDisconnected, ch.State())
	assert.NoError(t, ch.Err())
}

func TestChannel_Unsubscribe(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	var calls atomic.Int32
	id := ch.Subscribe(EventNewMessage, func(json.RawMessage) { calls.Add(1) })
	marker := make(chan struct{}, 4)
	ch.Subscribe("marker", func(json.RawMessage) { marker <- struct{}{} })

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	bus.push(EventNewMessage, map[string]string{"_id": "m1"})
	bus.push("marker", 1)
	<-marker
	assert.Equal(t, int32(1), calls.Load())

	ch.Unsubscribe(EventNewMessage, id)
	ch.Unsubscribe(EventNewMessage, "unknown")

	bus.push(EventNewMessage, map[string]string{"_id": "m2"})
	bus.push("marker", 2)
	<-marker
	assert.Equal(t, int32(1), calls.Load())
}

func TestChannel_DropsReplayedFrames(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	var mu sync.Mutex
	var ids []string
	done := make(chan struct{})
	ch.Subscribe(EventNewMessage, func(data json.RawMessage) {
		var m struct {
			ID string `json:"_id"`
		}
		_ = json.Unmarshal(data, &m)
		mu.Lock()
		ids = append(ids, m.ID)
		mu.Unlock()
		if m.ID == "m3" {
			close(done)
		}
	})

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	bus.push(EventNewMessage, map[string]string{"_id": "m1"})
	bus.push(EventNewMessage, map[string]string{"_id": "m1"})
	bus.push(EventNewMessage, map[string]string{"_id": "m2"})
	bus.push(EventNewMessage, map[string]string{"_id": "m3"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive m3")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
}

func TestChannel_HandlersRunInReceiptOrder(t *testing.T) {
	bus := newBusServer(t)
	ch := newTestChannel(t, bus.url())

	const n = 50
	received := make(chan int, n)
	var active atomic.Int32
	var overlapped atomic.Bool
	ch.Subscribe("seq", func(data json.RawMessage) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		var i int
		_ = json.Unmarshal(data, &i)
		received <- i
		active.Add(-1)
	})

	require.NoError(t, ch.Connect(testToken))
	waitState(t, ch, StateConnected)

	for i := 0; i < n; i++ {
		bus.push("seq", i)
	}

	for want := 0; want < n; want++ {
		select {
		case got := <-received:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d", want)
		}
	}
	assert.False(t, overlapped.Load(), "handlers never run in parallel")
}

func TestChannel_BackoffIsExponentialAndCapped(t *testing.T) {
	ch := New(Options{
		URL:              "ws://127.0.0.1:1/ws",
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
	}, nil)
	defer ch.Close()

	b := ch.newBackoff()
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.NextBackOff())
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestFrame_DedupeKey(t *testing.T) {
	f, err := NewFrame(EventNewMessage, map[string]string{"_id": "m1"})
	require.NoError(t, err)
	assert.Equal(t, "newMessage:m1", f.dedupeKey())

	f, err = NewFrame(EventJoinConversation, "c1")
	require.NoError(t, err)
	assert.Empty(t, f.dedupeKey())

	f, err = NewFrame(EventNewMessage, map[string]string{"text": "no id"})
	require.NoError(t, err)
	assert.Empty(t, f.dedupeKey())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(42).String())
}
