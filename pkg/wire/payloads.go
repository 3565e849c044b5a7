package wire

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type GenerateProjectRequest struct {
	StartType StartType `json:"startType"`
	Info      string    `json:"info"`
	URL       string    `json:"url,omitempty"`
}

func (r GenerateProjectRequest) Validate() error {
	if !r.StartType.Valid() {
		return errors.Errorf("invalid start type %q", r.StartType)
	}
	if r.StartType == URLImport && strings.TrimSpace(r.URL) == "" {
		return errors.New("url is required for URL_IMPORT")
	}
	return nil
}

type GenerateHypothesisRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectID   string `json:"projectId"`
}

func (r GenerateHypothesisRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("projectId is required")
	}
	return nil
}

// CreateMessageRequest is the createMessage payload. ID is the caller's correlation id and is
// only meaningful to the backend.
type CreateMessageRequest struct {
	Message                string `json:"message"`
	ProjectID              string `json:"projectId"`
	ProjectHypothesisID    string `json:"projectHypothesisId"`
	MessageType            string `json:"messageType"`
	ID                     string `json:"id,omitempty"`
	WantToChangeInfo       *bool  `json:"wantToChangeInfo,omitempty"`
	CustomerSegmentID      string `json:"customerSegmentId,omitempty"`
	HypothesesGtmChannelID string `json:"hypothesesGtmChannelId,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type DisconnectEvent struct {
	Reason string `json:"reason"`
}

type ProjectGenerationError struct {
	ErrorMessage string `json:"errorMessage"`
}

type ProjectGenerated struct {
	ProjectID string `json:"projectId"`
}

type ProjectHypothesisGenerated struct {
	ProjectHypothesisID string `json:"projectHypothesisId"`
}

type AnswerCreated struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// Decode unmarshals an inbound payload. An empty payload decodes into the zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.Wrap(err, "decode payload")
	}
	return v, nil
}

// MessageOf extracts a human readable message from an error-like payload. It accepts
// {"message": "..."}, {"errorMessage": "..."} and bare JSON strings.
func MessageOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v struct {
		Message      string `json:"message"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	if v.ErrorMessage != "" {
		return v.ErrorMessage
	}
	return v.Message
}
