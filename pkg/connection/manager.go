// Package connection owns the single duplex channel of a session.
//
// Manager lazily allocates the channel on the first EnsureConnection, collapses concurrent
// initializations into one, and reconnects after server-initiated disconnects. Other
// components never receive the channel itself; they go through the Manager's call-through
// methods.
//
// Listener ids handed out by the Manager belong to the Manager, not to a channel. On
// listeners follow the session across channels: they are applied to every channel the
// Manager allocates. Once listeners live on one channel and are dropped when it closes.
package connection

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jobwire/pkg/auth"
	"github.com/go-go-golems/jobwire/pkg/channel"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

var ErrAuthenticationMissing = auth.ErrAuthenticationMissing

const (
	DefaultInitDeadline          = 6 * time.Second
	DefaultServerDisconnectDelay = time.Second
)

type State struct {
	Transport    channel.TransportState `json:"transport"`
	Initializing bool                   `json:"initializing"`
	Exists       bool                   `json:"exists"`
	LastError    string                 `json:"last_error,omitempty"`
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithInitDeadline bounds how long the initializing guard may stay set without a
// connect or connect_error event.
func WithInitDeadline(d time.Duration) Option {
	return func(m *Manager) { m.initDeadline = d }
}

func WithServerDisconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.serverDisconnectDelay = d }
}

// WithObserver registers a callback invoked after every connection state change.
func WithObserver(fn func(State)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

type Manager struct {
	factory channel.Factory
	clock   clock.Clock

	initDeadline          time.Duration
	serverDisconnectDelay time.Duration
	observers             []func(State)

	mu           sync.Mutex
	ch           channel.Channel
	initializing bool
	initTimer    *clock.Timer
	initGen      uint64
	reconnect    *clock.Timer
	lastError    string
	fixed        []channel.ListenerID

	gen       uint64
	nextID    channel.ListenerID
	listeners map[channel.ListenerID]*binding
}

// binding is a Manager-level listener. gen is the channel generation it is applied to, 0
// while it waits for a channel.
type binding struct {
	event string
	fn    channel.Listener
	once  bool
	gen   uint64
	chID  channel.ListenerID
}

func NewManager(factory channel.Factory, opts ...Option) *Manager {
	m := &Manager{
		factory:               factory,
		clock:                 clock.New(),
		initDeadline:          DefaultInitDeadline,
		serverDisconnectDelay: DefaultServerDisconnectDelay,
		listeners:             map[channel.ListenerID]*binding{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureConnection makes sure a channel exists and is connected or connecting.
// It is a no-op while connected or while an initialization is in flight.
func (m *Manager) EnsureConnection(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrAuthenticationMissing
	}

	m.mu.Lock()
	if m.ch != nil && m.ch.Connected() {
		m.mu.Unlock()
		return nil
	}
	if m.initializing {
		m.mu.Unlock()
		return nil
	}
	if m.ch != nil {
		ch := m.ch
		m.startInitLocked()
		m.mu.Unlock()
		log.Debug().Str("component", "connection").Msg("reusing existing channel, reconnecting")
		ch.Connect()
		m.notify()
		return nil
	}

	ch, err := m.factory(token)
	if err != nil {
		m.lastError = err.Error()
		m.mu.Unlock()
		m.notify()
		return errors.Wrap(err, "create channel")
	}
	m.ch = ch
	m.gen++
	m.registerFixedHandlersLocked(ch)
	m.applyListenersLocked(ch)
	m.startInitLocked()
	m.mu.Unlock()

	log.Info().Str("component", "connection").Msg("channel allocated, connecting")
	ch.Connect()
	m.notify()
	return nil
}

func (m *Manager) startInitLocked() {
	m.initializing = true
	m.initGen++
	gen := m.initGen
	if m.initTimer != nil {
		m.initTimer.Stop()
	}
	m.initTimer = m.clock.AfterFunc(m.initDeadline, func() {
		m.mu.Lock()
		if m.initGen != gen || !m.initializing {
			m.mu.Unlock()
			return
		}
		m.initializing = false
		m.initTimer = nil
		m.mu.Unlock()
		log.Warn().Str("component", "connection").Dur("deadline", m.initDeadline).Msg("connection init deadline elapsed")
		m.notify()
	})
}

func (m *Manager) clearInitLocked() {
	m.initializing = false
	if m.initTimer != nil {
		m.initTimer.Stop()
		m.initTimer = nil
	}
}

func (m *Manager) registerFixedHandlersLocked(ch channel.Channel) {
	m.fixed = append(m.fixed,
		ch.On(wire.EventConnect, func(json.RawMessage) {
			m.mu.Lock()
			m.clearInitLocked()
			m.lastError = ""
			m.mu.Unlock()
			log.Info().Str("component", "connection").Msg("connected")
			m.notify()
		}),
		ch.On(wire.EventConnectError, func(p json.RawMessage) {
			msg := wire.MessageOf(p)
			m.mu.Lock()
			m.clearInitLocked()
			m.lastError = msg
			m.mu.Unlock()
			log.Warn().Str("component", "connection").Str("error", msg).Msg("connect error")
			m.notify()
		}),
		ch.On(wire.EventError, func(p json.RawMessage) {
			msg := wire.MessageOf(p)
			m.mu.Lock()
			m.lastError = msg
			m.mu.Unlock()
			log.Warn().Str("component", "connection").Str("error", msg).Msg("channel error")
			m.notify()
		}),
		ch.On(wire.EventDisconnect, func(p json.RawMessage) {
			ev, _ := wire.Decode[wire.DisconnectEvent](p)
			log.Info().Str("component", "connection").Str("reason", ev.Reason).Msg("disconnected")
			if ev.Reason == wire.ReasonServerDisconnect {
				m.scheduleReconnect()
			}
			m.notify()
		}),
	)
}

// applyListenersLocked binds every registered listener to a freshly allocated channel.
func (m *Manager) applyListenersLocked(ch channel.Channel) {
	for _, b := range m.listeners {
		m.bindLocked(ch, b)
	}
}

func (m *Manager) bindLocked(ch channel.Channel, b *binding) {
	b.gen = m.gen
	if b.once {
		b.chID = ch.Once(b.event, b.fn)
	} else {
		b.chID = ch.On(b.event, b.fn)
	}
}

// scheduleReconnect arms a single delayed reconnect. A reconnect that is already scheduled
// is left alone.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect != nil || m.ch == nil {
		return
	}
	m.reconnect = m.clock.AfterFunc(m.serverDisconnectDelay, func() {
		m.mu.Lock()
		m.reconnect = nil
		ch := m.ch
		m.mu.Unlock()
		if ch == nil {
			return
		}
		log.Info().Str("component", "connection").Msg("reconnecting after server disconnect")
		ch.Connect()
		m.notify()
	})
}

// ReconnectScheduled reports whether a server-disconnect reconnect is pending.
func (m *Manager) ReconnectScheduled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect != nil
}

// Reconnect asks an existing, disconnected channel to connect again.
// It reports false when there is no channel to reconnect.
func (m *Manager) Reconnect() bool {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	if !ch.Connected() {
		ch.Connect()
		m.notify()
	}
	return true
}

func (m *Manager) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	return ch != nil && ch.Connected()
}

func (m *Manager) Initializing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializing
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Transport:    channel.Disconnected,
		Initializing: m.initializing,
		Exists:       m.ch != nil,
		LastError:    m.lastError,
	}
	if m.ch != nil {
		s.Transport = m.ch.State()
	}
	return s
}

func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return channel.ErrNotConnected
	}
	return ch.Emit(event, payload)
}

// On registers a listener for the session. It is applied to the current channel, if any,
// and to every channel allocated later, until Off.
func (m *Manager) On(event string, fn channel.Listener) channel.ListenerID {
	return m.add(event, fn, false)
}

// Once registers a listener that runs at most once. Without a channel it waits for the next
// one; it is dropped if that channel closes first.
func (m *Manager) Once(event string, fn channel.Listener) channel.ListenerID {
	return m.add(event, fn, true)
}

func (m *Manager) add(event string, fn channel.Listener, once bool) channel.ListenerID {
	if fn == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	b := &binding{event: event, fn: fn, once: once}
	if once {
		b.fn = func(p json.RawMessage) {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
			fn(p)
		}
	}
	m.listeners[id] = b
	if m.ch != nil {
		m.bindLocked(m.ch, b)
	}
	return id
}

// Off removes a listener registered through the Manager. For a Once listener it reports
// whether the listener was removed before it ran.
func (m *Manager) Off(id channel.ListenerID) bool {
	if id == 0 {
		return false
	}
	m.mu.Lock()
	b, ok := m.listeners[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.listeners, id)
	var ch channel.Channel
	if m.ch != nil && b.gen == m.gen && b.chID != 0 {
		ch = m.ch
	}
	m.mu.Unlock()

	if ch == nil {
		return true
	}
	removed := ch.Off(b.chID)
	return removed || !b.once
}

// Listeners counts the listeners registered through the Manager.
func (m *Manager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Close tears the channel down, typically on sign-out. A later EnsureConnection allocates a
// fresh channel and re-applies the On listeners to it.
func (m *Manager) Close() error {
	m.mu.Lock()
	ch := m.ch
	fixed := m.fixed
	m.ch = nil
	m.fixed = nil
	var bound []channel.ListenerID
	for id, b := range m.listeners {
		if b.gen != m.gen || b.chID == 0 {
			continue
		}
		bound = append(bound, b.chID)
		if b.once {
			delete(m.listeners, id)
			continue
		}
		b.gen, b.chID = 0, 0
	}
	m.clearInitLocked()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	for _, id := range fixed {
		ch.Off(id)
	}
	for _, id := range bound {
		ch.Off(id)
	}
	err := ch.Close()
	m.notify()
	return err
}

func (m *Manager) notify() {
	if len(m.observers) == 0 {
		return
	}
	s := m.State()
	for _, fn := range m.observers {
		fn(s)
	}
}
