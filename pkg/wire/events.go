// Package wire holds the event vocabulary exchanged with the job backend over the duplex channel.
package wire

// Transport-level events, emitted locally by the channel implementation.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventError        = "error"
	EventConnectError = "connect_error"
)

// Outbound events.
const (
	EventGenerateProject           = "generateProject"
	EventGenerateProjectHypothesis = "generateProjectHypothesis"
	EventCreateMessage             = "createMessage"
)

// Inbound completion events.
const (
	EventProjectGenerationError     = "projectGenerationError"
	EventProjectGenerated           = "projectGenerated"
	EventProjectHypothesisGenerated = "projectHypothesisGenerated"
	EventAnswerCreated              = "answerCreated"
)

// Disconnect reasons.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

type StartType string

const (
	StartFromScratch StartType = "START_FROM_SCRATCH"
	URLImport        StartType = "URL_IMPORT"
)

func (s StartType) Valid() bool {
	return s == StartFromScratch || s == URLImport
}
