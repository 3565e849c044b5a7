// Package dispatch sends chat turns over the shared channel, waiting for a live connection
// when there is none.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jobwire/pkg/auth"
	"github.com/go-go-golems/jobwire/pkg/channel"
	"github.com/go-go-golems/jobwire/pkg/fanout"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

const DefaultWaitTimeout = 10 * time.Second

var ErrDispatchTimeout = errors.New("connection timeout")

// Message is one chat turn. Refresh asks for the displayed content to be re-fetched once the
// answer arrives.
type Message struct {
	wire.CreateMessageRequest
	Refresh bool
}

type Answer struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

type State struct {
	Loading    bool    `json:"loading"`
	Error      string  `json:"error,omitempty"`
	LastAnswer *Answer `json:"last_answer,omitempty"`
	Sends      uint64  `json:"sends"`
}

// Conn is the part of the connection manager the dispatcher uses.
type Conn interface {
	EnsureConnection(token string) error
	Connected() bool
	Exists() bool
	Reconnect() bool
	Emit(event string, payload any) error
	On(event string, fn channel.Listener) channel.ListenerID
	Once(event string, fn channel.Listener) channel.ListenerID
	Off(id channel.ListenerID) bool
}

// Refresher re-fetches the content for the caller's current context.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithWaitTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.wait = t }
}

// WithFanout sets the refresh run after an answer to a Send with Refresh set.
func WithFanout(r *fanout.Runner, content Refresher) Option {
	return func(d *Dispatcher) {
		d.runner = r
		d.content = content
	}
}

func WithObserver(fn func(State)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.observers = append(d.observers, fn)
		}
	}
}

type pendingSend struct {
	n         uint64
	req       wire.CreateMessageRequest
	refresh   bool
	connectID channel.ListenerID
	errorID   channel.ListenerID
	timer     *clock.Timer
	done      bool
}

type Dispatcher struct {
	conn      Conn
	tokens    auth.TokenSource
	clock     clock.Clock
	wait      time.Duration
	runner    *fanout.Runner
	content   Refresher
	observers []func(State)
	trigger   fanout.Trigger
	log       zerolog.Logger

	mu          sync.Mutex
	state       State
	pending     map[uint64]*pendingSend
	answerID    channel.ListenerID
	subscribers map[int]func(State)
	nextSub     int
}

func New(conn Conn, tokens auth.TokenSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:        conn,
		tokens:      tokens,
		clock:       clock.New(),
		wait:        DefaultWaitTimeout,
		pending:     map[uint64]*pendingSend{},
		subscribers: map[int]func(State){},
		log:         log.With().Str("component", "dispatch").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send emits one createMessage. When the channel is not connected it (re)connects and emits
// on the next connect, giving up after the wait timeout.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	if fanout.FromFanout(ctx) {
		return fanout.ErrReentrant
	}
	req := msg.CreateMessageRequest
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	token, err := d.tokens.Token()
	if err != nil {
		d.setError(auth.ErrAuthenticationMissing.Error())
		return err
	}

	d.mu.Lock()
	d.state.Sends++
	d.state.Loading = true
	d.state.Error = ""
	n := d.state.Sends
	d.mu.Unlock()
	d.notify()

	d.ensureAnswerListener()
	if d.conn.Connected() {
		return d.emit(n, req, msg.Refresh)
	}

	// The wait is in place before the connect starts so an immediate connect_error is seen.
	s := &pendingSend{n: n, req: req, refresh: msg.Refresh}
	d.mu.Lock()
	d.pending[n] = s
	s.connectID = d.conn.Once(wire.EventConnect, func(json.RawMessage) {
		if d.settle(s) {
			_ = d.emit(s.n, s.req, s.refresh)
		}
	})
	s.errorID = d.conn.Once(wire.EventConnectError, func(p json.RawMessage) {
		if d.settle(s) {
			d.setError(wire.MessageOf(p))
		}
	})
	s.timer = d.clock.AfterFunc(d.wait, func() {
		if d.settle(s) {
			d.log.Warn().Uint64("send", s.n).Dur("wait", d.wait).Msg("gave up waiting for connection")
			d.setError(ErrDispatchTimeout.Error())
		}
	})
	connectID := s.connectID
	d.mu.Unlock()

	if !d.conn.Reconnect() {
		if err := d.conn.EnsureConnection(token); err != nil {
			if d.settle(s) {
				d.setError(err.Error())
			}
			return err
		}
	}
	d.log.Debug().Uint64("send", n).Msg("waiting for connection")

	// The connect may have landed before the listener was in place.
	if d.conn.Connected() && d.conn.Off(connectID) && d.settle(s) {
		return d.emit(s.n, s.req, s.refresh)
	}
	return nil
}

// settle ends a pending send's wait. Only the first caller gets true.
func (d *Dispatcher) settle(s *pendingSend) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	d.conn.Off(s.connectID)
	d.conn.Off(s.errorID)
	delete(d.pending, s.n)
	return true
}

// emit sends the turn. A refresh is armed only for a turn that actually went out; it is armed
// before the emit so a fast answer still sees it.
func (d *Dispatcher) emit(n uint64, req wire.CreateMessageRequest, refresh bool) error {
	armed := refresh && !d.trigger.Armed()
	if refresh {
		d.trigger.Arm()
	}
	if err := d.conn.Emit(wire.EventCreateMessage, req); err != nil {
		if armed {
			d.trigger.Consume()
		}
		d.log.Warn().Err(err).Uint64("send", n).Msg("createMessage emit failed")
		d.setError(err.Error())
		return errors.Wrap(err, "emit createMessage")
	}
	d.log.Debug().Uint64("send", n).Str("id", req.ID).Msg("createMessage emitted")
	return nil
}

func (d *Dispatcher) ensureAnswerListener() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.answerID != 0 {
		return
	}
	d.answerID = d.conn.On(wire.EventAnswerCreated, d.onAnswer)
}

func (d *Dispatcher) onAnswer(p json.RawMessage) {
	ev, err := wire.Decode[wire.AnswerCreated](p)
	if err != nil {
		d.log.Warn().Err(err).Msg("undecodable answer")
	}
	d.mu.Lock()
	d.state.Loading = false
	d.state.Error = ""
	d.state.LastAnswer = &Answer{Message: ev.Message, ID: ev.ID}
	d.mu.Unlock()
	d.notify()

	if d.trigger.Consume() && d.runner != nil && d.content != nil {
		d.runner.Run("content", d.content.Refresh)
	}
}

func (d *Dispatcher) setError(msg string) {
	d.mu.Lock()
	d.state.Loading = false
	d.state.Error = msg
	d.mu.Unlock()
	d.notify()
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state
	if s.LastAnswer != nil {
		a := *s.LastAnswer
		s.LastAnswer = &a
	}
	return s
}

// PendingSends counts sends still waiting for a connection.
func (d *Dispatcher) PendingSends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close drops waiting sends and the answer listener.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	pending := make([]*pendingSend, 0, len(d.pending))
	for _, s := range d.pending {
		pending = append(pending, s)
	}
	answerID := d.answerID
	d.answerID = 0
	d.mu.Unlock()

	for _, s := range pending {
		d.settle(s)
	}
	d.conn.Off(answerID)
}

// Subscribe registers fn for every state change and returns a function removing it.
func (d *Dispatcher) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subscribers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

// Wait blocks until no turn is loading and returns the state.
func (d *Dispatcher) Wait(ctx context.Context) (State, error) {
	done := make(chan State, 1)
	cancel := d.Subscribe(func(s State) {
		if s.Loading {
			return
		}
		select {
		case done <- s:
		default:
		}
	})
	defer cancel()

	if s := d.State(); !s.Loading {
		return s, nil
	}
	select {
	case s := <-done:
		return s, nil
	case <-ctx.Done():
		return d.State(), ctx.Err()
	}
}

func (d *Dispatcher) notify() {
	s := d.State()
	d.mu.Lock()
	subs := make([]func(State), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range d.observers {
		fn(s)
	}
	for _, fn := range subs {
		fn(s)
	}
}
