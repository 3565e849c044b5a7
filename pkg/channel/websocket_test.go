package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jobwire/pkg/wire"
)

type testServer struct {
	*httptest.Server
	accepts atomic.Int32
	conns   chan *websocket.Conn
	frames  chan Frame

	mu      sync.Mutex
	headers []http.Header
	queries []string
	reject  bool
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan Frame, 16),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.headers = append(ts.headers, r.Header.Clone())
		ts.queries = append(ts.queries, r.URL.Query().Get("token"))
		reject := ts.reject
		ts.mu.Unlock()
		if reject {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepts.Add(1)
		ts.conns <- conn
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var f Frame
				if json.Unmarshal(data, &f) == nil {
					ts.frames <- f
				}
			}
		}()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server connection")
		return nil
	}
}

func newTestChannel(t *testing.T, ts *testServer, reconnect bool) *WebSocket {
	opts := DefaultOptions(ts.wsURL())
	opts.Token = "tok"
	opts.Reconnection = reconnect
	opts.ReconnectDelay = 10 * time.Millisecond
	ch, err := NewWebSocket(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestWebSocketConnectSendsTokenAndDispatchesConnect(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(t, ts, false)

	connected := make(chan struct{}, 1)
	ch.Once(wire.EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	ch.Connect()
	require.Equal(t, Connecting, ch.State())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connect")
	}
	require.True(t, ch.Connected())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Equal(t, "Bearer tok", ts.headers[0].Get("Authorization"))
	require.Equal(t, "tok", ts.queries[0])
}

func TestWebSocketEmitAndReceiveFrames(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(t, ts, false)

	got := make(chan string, 1)
	ch.On(wire.EventProjectGenerated, func(p json.RawMessage) {
		v, _ := wire.Decode[wire.ProjectGenerated](p)
		got <- v.ProjectID
	})
	ch.Connect()
	server := ts.nextConn(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Emit(wire.EventGenerateProject, wire.GenerateProjectRequest{StartType: wire.StartFromScratch, Info: "shop"}))
	select {
	case f := <-ts.frames:
		require.Equal(t, wire.EventGenerateProject, f.Event)
		require.JSONEq(t, `{"startType":"START_FROM_SCRATCH","info":"shop"}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"event":"projectGenerated","data":{"projectId":"p1"}}`)))
	select {
	case id := <-got:
		require.Equal(t, "p1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound event")
	}
}

func TestWebSocketEmitWhileDisconnected(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(t, ts, false)
	require.ErrorIs(t, ch.Emit(wire.EventCreateMessage, map[string]string{}), ErrNotConnected)
}

func TestWebSocketServerCloseIsNotRetried(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(t, ts, true)

	reasons := make(chan string, 4)
	ch.On(wire.EventDisconnect, func(p json.RawMessage) {
		v, _ := wire.Decode[wire.DisconnectEvent](p)
		reasons <- v.Reason
	})
	ch.Connect()
	server := ts.nextConn(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	_ = server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	select {
	case r := <-reasons:
		require.Equal(t, wire.ReasonServerDisconnect, r)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), ts.accepts.Load())
	require.Equal(t, Disconnected, ch.State())
}

func TestWebSocketTransportDropIsRetried(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(t, ts, true)

	var connects atomic.Int32
	ch.On(wire.EventConnect, func(json.RawMessage) { connects.Add(1) })
	reasons := make(chan string, 4)
	ch.On(wire.EventDisconnect, func(p json.RawMessage) {
		v, _ := wire.Decode[wire.DisconnectEvent](p)
		reasons <- v.Reason
	})
	ch.Connect()
	server := ts.nextConn(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	_ = server.UnderlyingConn().Close()
	select {
	case r := <-reasons:
		require.Equal(t, wire.ReasonTransportClose, r)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	ts.nextConn(t)
	require.Eventually(t, func() bool { return connects.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, ch.Connected())
}

func TestWebSocketHandshakeFailureDispatchesConnectError(t *testing.T) {
	ts := newTestServer(t)
	ts.reject = true
	ch := newTestChannel(t, ts, false)

	msgs := make(chan string, 4)
	ch.On(wire.EventConnectError, func(p json.RawMessage) { msgs <- wire.MessageOf(p) })
	ch.Connect()

	select {
	case m := <-msgs:
		require.Contains(t, m, "401")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connect_error")
	}
	require.Equal(t, Disconnected, ch.State())
}

func TestWebSocketReconnectAttemptsAreBounded(t *testing.T) {
	ts := newTestServer(t)
	ts.reject = true
	opts := DefaultOptions(ts.wsURL())
	opts.ReconnectAttempts = 2
	opts.ReconnectDelay = 5 * time.Millisecond
	ch, err := NewWebSocket(opts)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	var failures atomic.Int32
	ch.On(wire.EventConnectError, func(json.RawMessage) { failures.Add(1) })
	ch.Connect()

	require.Eventually(t, func() bool { return failures.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), failures.Load())
}

func TestWebSocketCloseReportsClientDisconnect(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel(t, ts, true)

	reasons := make(chan string, 4)
	ch.On(wire.EventDisconnect, func(p json.RawMessage) {
		v, _ := wire.Decode[wire.DisconnectEvent](p)
		reasons <- v.Reason
	})
	ch.Connect()
	ts.nextConn(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	require.Equal(t, wire.ReasonClientDisconnect, <-reasons)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), ts.accepts.Load())
	require.Len(t, reasons, 0)
}

func TestNewWebSocketRejectsEmptyURL(t *testing.T) {
	_, err := NewWebSocket(Options{})
	require.Error(t, err)
}
