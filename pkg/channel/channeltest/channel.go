// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"encoding/json"
	"sync"

	"github.com/go-go-golems/jobwire/pkg/channel"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

type Emit struct {
	Event   string
	Payload json.RawMessage
}

// Channel records emits and lets tests drive transport and inbound events by hand.
// Connect only moves the channel to Connecting; call SimulateConnect to complete it.
type Channel struct {
	*channel.Emitter

	Token string

	mu           sync.Mutex
	state        channel.TransportState
	connectCalls int
	closeCalls   int
	emits        []Emit
	emitErr      error
}

var _ channel.Channel = (*Channel)(nil)

func New(token string) *Channel {
	return &Channel{
		Emitter: channel.NewEmitter(),
		Token:   token,
		state:   channel.Disconnected,
	}
}

func (c *Channel) State() channel.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == channel.Connected
}

func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.state == channel.Disconnected {
		c.state = channel.Connecting
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	was := c.state
	c.state = channel.Disconnected
	c.mu.Unlock()
	if was == channel.Connected {
		c.Dispatch(wire.EventDisconnect, marshal(wire.DisconnectEvent{Reason: wire.ReasonClientDisconnect}))
	}
	return nil
}

func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	if c.state != channel.Connected {
		return channel.ErrNotConnected
	}
	c.emits = append(c.emits, Emit{Event: event, Payload: marshal(payload)})
	return nil
}

// FailEmits makes every following Emit return err. Pass nil to restore normal behavior.
func (c *Channel) FailEmits(err error) {
	c.mu.Lock()
	c.emitErr = err
	c.mu.Unlock()
}

func (c *Channel) SimulateConnect() {
	c.mu.Lock()
	c.state = channel.Connected
	c.mu.Unlock()
	c.Dispatch(wire.EventConnect, nil)
}

func (c *Channel) SimulateConnectError(message string) {
	c.mu.Lock()
	c.state = channel.Disconnected
	c.mu.Unlock()
	c.Dispatch(wire.EventConnectError, marshal(wire.ErrorEvent{Message: message}))
}

func (c *Channel) SimulateDisconnect(reason string) {
	c.mu.Lock()
	c.state = channel.Disconnected
	c.mu.Unlock()
	c.Dispatch(wire.EventDisconnect, marshal(wire.DisconnectEvent{Reason: reason}))
}

// Deliver dispatches an inbound event as if the backend had sent it.
func (c *Channel) Deliver(event string, payload any) int {
	return c.Dispatch(event, marshal(payload))
}

func (c *Channel) Emits() []Emit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emit(nil), c.emits...)
}

func (c *Channel) EmitsOf(event string) []Emit {
	var out []Emit
	for _, e := range c.Emits() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *Channel) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Factory hands out Channels and remembers every one it created.
type Factory struct {
	mu      sync.Mutex
	created []*Channel
	Err     error
}

func (f *Factory) New(token string) (channel.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := New(token)
	f.created = append(f.created, c)
	return c, nil
}

func (f *Factory) Created() []*Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Channel(nil), f.created...)
}

// Last returns the most recently created channel, or nil.
func (f *Factory) Last() *Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
