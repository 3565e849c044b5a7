package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jobwire/pkg/wire"
)

const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

type Options struct {
	URL   string
	Token string
	// Header is sent with the upgrade request in addition to the Authorization header.
	Header http.Header

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	Reconnection      bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Dialer *websocket.Dialer
	Clock  clock.Clock
}

func DefaultOptions(u string) Options {
	return Options{
		URL:               u,
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		Reconnection:      true,
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    DefaultReconnectDelay,
	}
}

// WebSocket is a Channel over a single gorilla websocket connection.
//
// Transport drops other than a server-initiated close are retried up to ReconnectAttempts
// times with a fixed ReconnectDelay. A server-initiated close (reported with reason
// wire.ReasonServerDisconnect) and Close are not retried.
type WebSocket struct {
	*Emitter

	opts  Options
	clock clock.Clock

	mu       sync.Mutex
	state    TransportState
	conn     *websocket.Conn
	gen      uint64
	attempts int
	retry    *clock.Timer
	manual   bool

	writeMu sync.Mutex
}

var _ Channel = (*WebSocket)(nil)

func NewWebSocket(opts Options) (*WebSocket, error) {
	if opts.URL == "" {
		return nil, errors.New("websocket channel: empty url")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, errors.Wrap(err, "websocket channel: parse url")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectTimeout,
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &WebSocket{
		Emitter: NewEmitter(),
		opts:    opts,
		clock:   clk,
		state:   Disconnected,
	}, nil
}

// NewWebSocketFactory returns a Factory producing websocket channels that share base options.
func NewWebSocketFactory(base Options) Factory {
	return func(token string) (Channel, error) {
		opts := base
		opts.Token = token
		return NewWebSocket(opts)
	}
}

func (w *WebSocket) State() TransportState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WebSocket) Connected() bool {
	return w.State() == Connected
}

func (w *WebSocket) Connect() {
	w.connect(true)
}

func (w *WebSocket) connect(resetAttempts bool) {
	w.mu.Lock()
	if w.state != Disconnected {
		w.mu.Unlock()
		return
	}
	if resetAttempts {
		w.attempts = 0
	}
	w.stopRetryLocked()
	w.manual = false
	w.state = Connecting
	w.gen++
	gen := w.gen
	w.mu.Unlock()

	go w.dial(gen)
}

func (w *WebSocket) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.ConnectTimeout)
	defer cancel()

	target, err := w.dialURL()
	if err != nil {
		w.failConnect(gen, err)
		return
	}
	header := http.Header{}
	for k, vs := range w.opts.Header {
		header[k] = append([]string(nil), vs...)
	}
	if w.opts.Token != "" {
		header.Set("Authorization", "Bearer "+w.opts.Token)
	}

	conn, resp, err := w.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "handshake status %d", resp.StatusCode)
		}
		w.failConnect(gen, err)
		return
	}

	w.mu.Lock()
	if w.gen != gen || w.manual {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.state = Connected
	w.attempts = 0
	w.mu.Unlock()

	log.Debug().Str("component", "channel").Str("url", w.opts.URL).Msg("websocket connected")
	w.Dispatch(wire.EventConnect, nil)
	go w.readLoop(conn, gen)
}

func (w *WebSocket) dialURL() (string, error) {
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	if w.opts.Token != "" {
		q := u.Query()
		q.Set("token", w.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (w *WebSocket) failConnect(gen uint64, err error) {
	w.mu.Lock()
	if w.gen != gen || w.manual {
		w.mu.Unlock()
		return
	}
	w.state = Disconnected
	w.mu.Unlock()

	log.Debug().Err(err).Str("component", "channel").Str("url", w.opts.URL).Msg("websocket connect failed")
	w.Dispatch(wire.EventConnectError, mustJSON(wire.ErrorEvent{Message: err.Error()}))
	w.scheduleRetry()
}

func (w *WebSocket) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleDrop(gen, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			log.Warn().Err(err).Str("component", "channel").Msg("dropping malformed frame")
			continue
		}
		w.Dispatch(f.Event, f.Data)
	}
}

func (w *WebSocket) handleDrop(gen uint64, err error) {
	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return
	}
	conn := w.conn
	w.conn = nil
	w.state = Disconnected
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	reason := wire.ReasonTransportClose
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		reason = wire.ReasonServerDisconnect
	}
	log.Info().Err(err).Str("component", "channel").Str("reason", reason).Msg("websocket disconnected")
	w.Dispatch(wire.EventDisconnect, mustJSON(wire.DisconnectEvent{Reason: reason}))
	if reason != wire.ReasonServerDisconnect {
		w.scheduleRetry()
	}
}

func (w *WebSocket) scheduleRetry() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.opts.Reconnection || w.manual || w.state != Disconnected {
		return
	}
	if w.attempts >= w.opts.ReconnectAttempts {
		log.Warn().Str("component", "channel").Int("attempts", w.attempts).Msg("websocket reconnection attempts exhausted")
		return
	}
	w.attempts++
	w.stopRetryLocked()
	w.retry = w.clock.AfterFunc(w.opts.ReconnectDelay, func() {
		w.connect(false)
	})
}

func (w *WebSocket) stopRetryLocked() {
	if w.retry != nil {
		w.retry.Stop()
		w.retry = nil
	}
}

func (w *WebSocket) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", event)
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}

	w.mu.Lock()
	conn := w.conn
	connected := w.state == Connected
	w.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrapf(err, "emit %s", event)
	}
	return nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	w.manual = true
	w.stopRetryLocked()
	conn := w.conn
	wasConnected := w.state == Connected
	w.conn = nil
	w.state = Disconnected
	w.gen++
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	w.writeMu.Unlock()
	err := conn.Close()
	if wasConnected {
		w.Dispatch(wire.EventDisconnect, mustJSON(wire.DisconnectEvent{Reason: wire.ReasonClientDisconnect}))
	}
	return err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
