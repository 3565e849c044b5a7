package jobs

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/jobwire/pkg/wire"
)

const (
	DefaultProjectTimeout    = 120 * time.Second
	DefaultHypothesisTimeout = 120 * time.Second

	ProjectTimeoutMessage    = "The server is currently overloaded. Please try again in a few minutes."
	HypothesisTimeoutMessage = "Hypothesis generation took too long. Please try again in a few minutes."
)

// Kind describes one category of long-running job: the event pair it is exchanged with and
// its timeout policy.
type Kind struct {
	Name         string
	SubmitEvent  string
	SuccessEvent string
	// ErrorEvent is optional; kinds without one only fail by timing out.
	ErrorEvent string

	// Timeout bounds a pending attempt. Zero leaves the attempt unbounded.
	Timeout        time.Duration
	TimeoutMessage string

	// ResultRef extracts the kind-specific identifier from the success payload.
	ResultRef func(payload json.RawMessage) (string, error)
}

func (k Kind) Validate() error {
	if k.Name == "" || k.SubmitEvent == "" || k.SuccessEvent == "" {
		return errors.New("job kind needs a name, a submit event and a success event")
	}
	if k.Timeout < 0 {
		return errors.Errorf("job kind %s: negative timeout", k.Name)
	}
	return nil
}

func ProjectKind(timeout time.Duration) Kind {
	return Kind{
		Name:           "project",
		SubmitEvent:    wire.EventGenerateProject,
		SuccessEvent:   wire.EventProjectGenerated,
		ErrorEvent:     wire.EventProjectGenerationError,
		Timeout:        timeout,
		TimeoutMessage: ProjectTimeoutMessage,
		ResultRef: func(p json.RawMessage) (string, error) {
			v, err := wire.Decode[wire.ProjectGenerated](p)
			return v.ProjectID, err
		},
	}
}

func HypothesisKind(timeout time.Duration) Kind {
	return Kind{
		Name:           "hypothesis",
		SubmitEvent:    wire.EventGenerateProjectHypothesis,
		SuccessEvent:   wire.EventProjectHypothesisGenerated,
		Timeout:        timeout,
		TimeoutMessage: HypothesisTimeoutMessage,
		ResultRef: func(p json.RawMessage) (string, error) {
			v, err := wire.Decode[wire.ProjectHypothesisGenerated](p)
			return v.ProjectHypothesisID, err
		},
	}
}
