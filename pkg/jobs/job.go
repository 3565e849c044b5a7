// Package jobs implements the per-kind state machine of long-running generation jobs.
//
// A Job tracks one kind (project generation, hypothesis generation). Each Submit starts a new
// attempt that owns its inbound listeners and its timeout timer; submitting again while an
// attempt is pending supersedes it. Exactly one of succeeded, failed or timed_out is reached
// per attempt, and everything the attempt registered is released when it settles.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jobwire/pkg/auth"
	"github.com/go-go-golems/jobwire/pkg/channel"
	"github.com/go-go-golems/jobwire/pkg/fanout"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

type State struct {
	Kind         string    `json:"kind"`
	Status       Status    `json:"status"`
	Attempt      uint64    `json:"attempt"`
	SubmittedAt  time.Time `json:"submitted_at,omitempty"`
	SettledAt    time.Time `json:"settled_at,omitempty"`
	ResultRef    string    `json:"result_ref,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Loading      bool      `json:"loading"`
}

// Conn is the part of the connection manager a job needs.
type Conn interface {
	EnsureConnection(token string) error
	Connected() bool
	Emit(event string, payload any) error
	On(event string, fn channel.Listener) channel.ListenerID
	Once(event string, fn channel.Listener) channel.ListenerID
	Off(id channel.ListenerID) bool
}

// SuccessHook runs after an attempt succeeded, with the payload it was submitted with.
type SuccessHook[P any] func(s State, payload P)

type Option[P any] func(*Job[P])

func WithClock[P any](c clock.Clock) Option[P] {
	return func(j *Job[P]) { j.clock = c }
}

func WithObserver[P any](fn func(State)) Option[P] {
	return func(j *Job[P]) {
		if fn != nil {
			j.observers = append(j.observers, fn)
		}
	}
}

func WithSuccessHook[P any](fn SuccessHook[P]) Option[P] {
	return func(j *Job[P]) { j.onSuccess = fn }
}

type attempt[P any] struct {
	n         uint64
	payload   P
	timer     *clock.Timer
	listeners []channel.ListenerID
	waiting   channel.ListenerID
}

type Job[P any] struct {
	kind      Kind
	conn      Conn
	tokens    auth.TokenSource
	clock     clock.Clock
	observers []func(State)
	onSuccess SuccessHook[P]
	log       zerolog.Logger

	mu          sync.Mutex
	seq         uint64
	current     *attempt[P]
	state       State
	subscribers map[int]func(State)
	nextSub     int
}

func New[P any](kind Kind, conn Conn, tokens auth.TokenSource, opts ...Option[P]) (*Job[P], error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("job needs a connection")
	}
	if tokens == nil {
		return nil, errors.New("job needs a token source")
	}
	j := &Job[P]{
		kind:        kind,
		conn:        conn,
		tokens:      tokens,
		clock:       clock.New(),
		state:       State{Kind: kind.Name, Status: StatusIdle},
		subscribers: map[int]func(State){},
		log:         log.With().Str("component", "jobs").Str("kind", kind.Name).Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Job[P]) Kind() Kind { return j.kind }

// Submit starts a new attempt. It returns once the attempt is registered; the outcome is
// observed through State, Subscribe or observers.
func (j *Job[P]) Submit(ctx context.Context, payload P) error {
	if fanout.FromFanout(ctx) {
		return fanout.ErrReentrant
	}
	if v, ok := any(payload).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return errors.Wrapf(err, "invalid %s payload", j.kind.Name)
		}
	}

	token, err := j.tokens.Token()
	if err == nil {
		err = j.conn.EnsureConnection(token)
	}
	if err != nil {
		j.rejectSubmit(err)
		return err
	}

	j.mu.Lock()
	if prev := j.current; prev != nil && j.state.Status == StatusPending {
		j.releaseLocked(prev)
		j.log.Info().Uint64("superseded", prev.n).Msg("pending attempt superseded")
	}
	j.seq++
	a := &attempt[P]{n: j.seq, payload: payload}
	j.current = a
	j.state = State{
		Kind:        j.kind.Name,
		Status:      StatusPending,
		Attempt:     a.n,
		SubmittedAt: j.clock.Now(),
		Loading:     true,
	}

	a.listeners = append(a.listeners, j.conn.On(j.kind.SuccessEvent, func(p json.RawMessage) {
		j.succeed(a, p)
	}))
	if j.kind.ErrorEvent != "" {
		a.listeners = append(a.listeners, j.conn.On(j.kind.ErrorEvent, func(p json.RawMessage) {
			j.fail(a, wire.MessageOf(p))
		}))
	}
	if j.kind.Timeout > 0 {
		a.timer = j.clock.AfterFunc(j.kind.Timeout, func() {
			j.timeout(a)
		})
	}
	s := j.state
	j.mu.Unlock()

	j.log.Debug().Uint64("attempt", a.n).Msg("attempt submitted")
	j.notify(s)
	j.emit(a)
	return nil
}

// rejectSubmit records a submission that never started. A pending attempt is left alone.
func (j *Job[P]) rejectSubmit(err error) {
	j.mu.Lock()
	if j.state.Status == StatusPending {
		j.mu.Unlock()
		return
	}
	msg := err.Error()
	if errors.Is(err, auth.ErrAuthenticationMissing) {
		msg = auth.ErrAuthenticationMissing.Error()
	}
	// A rejected submission consumes an attempt number.
	j.seq++
	now := j.clock.Now()
	j.current = nil
	j.state = State{
		Kind:         j.kind.Name,
		Status:       StatusFailed,
		Attempt:      j.seq,
		SubmittedAt:  now,
		SettledAt:    now,
		ErrorMessage: msg,
	}
	s := j.state
	j.mu.Unlock()
	j.log.Warn().Err(err).Msg("submit rejected")
	j.notify(s)
}

// emit sends the attempt's payload now if connected, otherwise on the next connect.
func (j *Job[P]) emit(a *attempt[P]) {
	if !j.isLive(a) {
		return
	}
	if !j.conn.Connected() {
		j.awaitConnect(a, true)
		return
	}
	err := j.conn.Emit(j.kind.SubmitEvent, a.payload)
	if err == nil {
		j.log.Debug().Uint64("attempt", a.n).Str("event", j.kind.SubmitEvent).Msg("emitted")
		return
	}
	// The transport still reports connected, so only a fresh connect retries the emit.
	j.log.Warn().Err(err).Uint64("attempt", a.n).Msg("emit failed, waiting for reconnect")
	j.awaitConnect(a, false)
}

// awaitConnect emits the attempt once on the next connect. With recheck set it also covers
// a connect that landed before the listener was registered.
func (j *Job[P]) awaitConnect(a *attempt[P], recheck bool) {
	j.mu.Lock()
	if !j.isLiveLocked(a) || a.waiting != 0 {
		j.mu.Unlock()
		return
	}
	var id channel.ListenerID
	id = j.conn.Once(wire.EventConnect, func(json.RawMessage) {
		j.mu.Lock()
		if a.waiting == id {
			a.waiting = 0
		}
		j.mu.Unlock()
		j.emit(a)
	})
	a.waiting = id
	j.mu.Unlock()

	if recheck && j.conn.Connected() && j.conn.Off(id) {
		j.mu.Lock()
		if a.waiting == id {
			a.waiting = 0
		}
		j.mu.Unlock()
		j.emit(a)
	}
}

func (j *Job[P]) succeed(a *attempt[P], payload json.RawMessage) {
	ref, err := j.kind.ResultRef(payload)
	if err != nil {
		j.log.Warn().Err(err).Msg("undecodable success payload")
	}

	j.mu.Lock()
	if !j.isLiveLocked(a) {
		j.mu.Unlock()
		return
	}
	j.releaseLocked(a)
	j.state.Status = StatusSucceeded
	j.state.ResultRef = ref
	j.state.SettledAt = j.clock.Now()
	j.state.Loading = false
	s := j.state
	hook := j.onSuccess
	j.mu.Unlock()

	j.log.Info().Uint64("attempt", a.n).Str("result", ref).Msg("job succeeded")
	j.notify(s)
	if hook != nil {
		hook(s, a.payload)
	}
}

func (j *Job[P]) fail(a *attempt[P], msg string) {
	j.mu.Lock()
	if !j.isLiveLocked(a) {
		j.mu.Unlock()
		return
	}
	j.releaseLocked(a)
	j.state.Status = StatusFailed
	j.state.ErrorMessage = msg
	j.state.SettledAt = j.clock.Now()
	j.state.Loading = false
	s := j.state
	j.mu.Unlock()

	j.log.Warn().Uint64("attempt", a.n).Str("error", msg).Msg("job failed")
	j.notify(s)
}

func (j *Job[P]) timeout(a *attempt[P]) {
	j.mu.Lock()
	if !j.isLiveLocked(a) {
		j.mu.Unlock()
		return
	}
	a.timer = nil
	j.releaseLocked(a)
	j.state.Status = StatusTimedOut
	j.state.ErrorMessage = j.kind.TimeoutMessage
	j.state.SettledAt = j.clock.Now()
	j.state.Loading = false
	s := j.state
	j.mu.Unlock()

	j.log.Warn().Uint64("attempt", a.n).Dur("timeout", j.kind.Timeout).Msg("job timed out")
	j.notify(s)
}

func (j *Job[P]) isLive(a *attempt[P]) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.isLiveLocked(a)
}

func (j *Job[P]) isLiveLocked(a *attempt[P]) bool {
	return a != nil && j.current == a && j.state.Status == StatusPending
}

// releaseLocked stops the attempt's timer and removes its listeners. Safe to call twice.
func (j *Job[P]) releaseLocked(a *attempt[P]) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	for _, id := range a.listeners {
		j.conn.Off(id)
	}
	a.listeners = nil
	if a.waiting != 0 {
		j.conn.Off(a.waiting)
		a.waiting = 0
	}
}

func (j *Job[P]) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Consume returns a terminal state and resets the job to idle. It reports false while the
// job is idle or pending.
func (j *Job[P]) Consume() (State, bool) {
	j.mu.Lock()
	if !j.state.Status.Terminal() {
		j.mu.Unlock()
		return State{}, false
	}
	s := j.state
	j.current = nil
	j.state = State{Kind: j.kind.Name, Status: StatusIdle, Attempt: s.Attempt}
	idle := j.state
	j.mu.Unlock()
	j.notify(idle)
	return s, true
}

// HasTimer reports whether a timeout timer is armed for the current attempt.
func (j *Job[P]) HasTimer() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current != nil && j.current.timer != nil
}

// Subscribe registers fn for every state change and returns a function removing it.
func (j *Job[P]) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	j.mu.Lock()
	j.nextSub++
	id := j.nextSub
	j.subscribers[id] = fn
	j.mu.Unlock()
	return func() {
		j.mu.Lock()
		delete(j.subscribers, id)
		j.mu.Unlock()
	}
}

// Wait blocks until the job is no longer pending and returns its state.
func (j *Job[P]) Wait(ctx context.Context) (State, error) {
	settled := make(chan State, 1)
	cancel := j.Subscribe(func(s State) {
		if s.Status == StatusPending {
			return
		}
		select {
		case settled <- s:
		default:
		}
	})
	defer cancel()

	if s := j.State(); s.Status != StatusPending {
		return s, nil
	}
	select {
	case s := <-settled:
		return s, nil
	case <-ctx.Done():
		return j.State(), ctx.Err()
	}
}

// Close abandons a pending attempt and releases everything it holds.
func (j *Job[P]) Close() {
	j.mu.Lock()
	if j.current != nil {
		j.releaseLocked(j.current)
	}
	j.current = nil
	if j.state.Status == StatusPending {
		j.state = State{Kind: j.kind.Name, Status: StatusIdle, Attempt: j.seq}
	}
	j.mu.Unlock()
}

func (j *Job[P]) notify(s State) {
	j.mu.Lock()
	subs := make([]func(State), 0, len(j.subscribers))
	for _, fn := range j.subscribers {
		subs = append(subs, fn)
	}
	j.mu.Unlock()
	for _, fn := range j.observers {
		fn(s)
	}
	for _, fn := range subs {
		fn(s)
	}
}
