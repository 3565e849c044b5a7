package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Hypothesis struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type HypothesisSource interface {
	ListHypotheses(ctx context.Context, projectID string) ([]Hypothesis, error)
}

type HypothesisStore interface {
	SetHypotheses(projectID string, hs []Hypothesis)
	SetActiveHypothesis(projectID string, h Hypothesis)
}

// HypothesisRefresher re-reads a project's hypotheses after one was generated and makes the
// most recently created one active.
type HypothesisRefresher struct {
	Source HypothesisSource
	Store  HypothesisStore
}

func (r *HypothesisRefresher) Refresh(ctx context.Context, projectID, generatedID string) (Hypothesis, error) {
	if r == nil || r.Source == nil || r.Store == nil {
		return Hypothesis{}, errors.New("hypothesis refresher is not configured")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Hypothesis{}, errors.New("hypothesis refresh: empty project id")
	}
	hs, err := r.Source.ListHypotheses(ctx, projectID)
	if err != nil {
		return Hypothesis{}, errors.Wrap(err, "list hypotheses")
	}
	r.Store.SetHypotheses(projectID, hs)
	latest, ok := MostRecent(hs)
	if !ok {
		return Hypothesis{}, errors.Errorf("project %s has no hypotheses after generating %s", projectID, generatedID)
	}
	r.Store.SetActiveHypothesis(projectID, latest)
	return latest, nil
}

// MostRecent picks the hypothesis with the latest CreatedAt. On equal timestamps the later
// list entry wins, matching backends that return creation order.
func MostRecent(hs []Hypothesis) (Hypothesis, bool) {
	if len(hs) == 0 {
		return Hypothesis{}, false
	}
	best := hs[0]
	for _, h := range hs[1:] {
		if !h.CreatedAt.Before(best.CreatedAt) {
			best = h
		}
	}
	return best, true
}

type View string

const (
	ViewProject          View = "project"
	ViewHypothesis       View = "hypothesis"
	ViewCustomerSegments View = "customer_segments"
	ViewGtmChannels      View = "gtm_channels"
)

// Context is what the user is currently looking at.
type Context struct {
	ProjectID    string `json:"projectId"`
	HypothesisID string `json:"projectHypothesisId"`
	View         View   `json:"view"`
}

type ContextSource interface {
	CurrentContext() Context
}

type ContentStore interface {
	RefreshContent(ctx context.Context, c Context) error
}

// ContentRefresher re-fetches the content displayed for the current context.
type ContentRefresher struct {
	Context ContextSource
	Store   ContentStore
}

func (r *ContentRefresher) Refresh(ctx context.Context) error {
	if r == nil || r.Context == nil || r.Store == nil {
		return errors.New("content refresher is not configured")
	}
	c := r.Context.CurrentContext()
	if c.ProjectID == "" {
		return errors.New("content refresh: no current project")
	}
	return r.Store.RefreshContent(ctx, c)
}
