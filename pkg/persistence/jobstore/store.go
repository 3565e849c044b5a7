package jobstore

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jobwire/pkg/jobs"
)

const DefaultListLimit = 100

// AttemptRecord is the journaled outcome of one job attempt. Attempt numbers restart with
// every session, so a record is keyed by session, kind and attempt.
type AttemptRecord struct {
	SessionID     string `json:"session_id"`
	Kind          string `json:"kind"`
	Attempt       uint64 `json:"attempt"`
	Status        string `json:"status"`
	SubmittedAtMs int64  `json:"submitted_at_ms"`
	SettledAtMs   int64  `json:"settled_at_ms,omitempty"`
	ResultRef     string `json:"result_ref,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AttemptStore journals job attempts. Upsert overwrites the status of an attempt that is
// already known; List returns the newest attempts first.
type AttemptStore interface {
	Upsert(ctx context.Context, record AttemptRecord) error
	Get(ctx context.Context, sessionID, kind string, attempt uint64) (AttemptRecord, bool, error)
	List(ctx context.Context, kind string, limit int) ([]AttemptRecord, error)
	Close() error
}

// FromState converts a job state into a record. Idle states carry no attempt outcome and
// report false.
func FromState(sessionID string, s jobs.State) (AttemptRecord, bool) {
	if s.Status == jobs.StatusIdle || s.Attempt == 0 {
		return AttemptRecord{}, false
	}
	r := AttemptRecord{
		SessionID: sessionID,
		Kind:      s.Kind,
		Attempt:   s.Attempt,
		Status:    string(s.Status),
		ResultRef: s.ResultRef,
		Error:     s.ErrorMessage,
	}
	if !s.SubmittedAt.IsZero() {
		r.SubmittedAtMs = s.SubmittedAt.UnixMilli()
	}
	if !s.SettledAt.IsZero() {
		r.SettledAtMs = s.SettledAt.UnixMilli()
	}
	return r, true
}

// Observer returns a job observer writing every attempt transition to store.
func Observer(store AttemptStore, sessionID string) func(jobs.State) {
	return func(s jobs.State) {
		r, ok := FromState(sessionID, s)
		if !ok || store == nil {
			return
		}
		if err := store.Upsert(context.Background(), r); err != nil {
			log.Warn().Err(err).Str("component", "jobstore").
				Str("kind", r.Kind).Uint64("attempt", r.Attempt).Msg("journal write failed")
		}
	}
}

func normalizeRecord(r AttemptRecord) AttemptRecord {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Kind = strings.TrimSpace(r.Kind)
	r.Status = strings.TrimSpace(r.Status)
	return r
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// mergeRecord folds an update into the stored record. Submission time is fixed by the first
// write; empty fields do not erase stored ones.
func mergeRecord(prev, next AttemptRecord) AttemptRecord {
	out := next
	if prev.SubmittedAtMs > 0 {
		out.SubmittedAtMs = prev.SubmittedAtMs
	}
	if out.SettledAtMs == 0 {
		out.SettledAtMs = prev.SettledAtMs
	}
	if out.ResultRef == "" {
		out.ResultRef = prev.ResultRef
	}
	if out.Error == "" {
		out.Error = prev.Error
	}
	if out.Status == "" {
		out.Status = prev.Status
	}
	return out
}
