// Package channel provides the persistent duplex event channel used to talk to the job backend.
//
// A Channel carries named events with JSON payloads in both directions. Transport lifecycle is
// reported through the same listener mechanism using the wire.EventConnect,
// wire.EventConnectError and wire.EventDisconnect events.
package channel

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrNotConnected = errors.New("channel is not connected")

type TransportState string

const (
	Disconnected TransportState = "disconnected"
	Connecting   TransportState = "connecting"
	Connected    TransportState = "connected"
)

// Listener receives the raw payload of an inbound event.
type Listener func(payload json.RawMessage)

// ListenerID identifies a registration so it can be removed again.
type ListenerID uint64

type Channel interface {
	State() TransportState
	Connected() bool
	// Connect starts connecting if the channel is disconnected. It never blocks.
	Connect()
	// Close disconnects on purpose. A closed channel can be connected again.
	Close() error
	Emit(event string, payload any) error

	On(event string, fn Listener) ListenerID
	Once(event string, fn Listener) ListenerID
	// Off removes a listener. It reports false if the id was unknown or already removed.
	Off(id ListenerID) bool
}

// Factory allocates a new, not yet connected, channel bound to an auth token.
type Factory func(token string) (Channel, error)

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
