// Package appstate holds the application state that completed jobs refresh: the current
// viewing context, each project's hypotheses and the content last fetched per view.
package appstate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jobwire/pkg/fanout"
)

const (
	DefaultContentTTL = 10 * time.Minute
	cleanupInterval   = time.Minute
)

// ContentFetcher loads the document displayed for a context.
type ContentFetcher interface {
	GetContent(ctx context.Context, c fanout.Context) (json.RawMessage, error)
}

type Store struct {
	fetcher ContentFetcher

	mu      sync.RWMutex
	current fanout.Context

	hypotheses *cache.Cache
	content    *cache.Cache
}

var (
	_ fanout.HypothesisStore = (*Store)(nil)
	_ fanout.ContextSource   = (*Store)(nil)
	_ fanout.ContentStore    = (*Store)(nil)
)

// New returns a store whose content snapshots expire after contentTTL. Hypothesis lists do
// not expire; they are replaced on refresh.
func New(fetcher ContentFetcher, contentTTL time.Duration) *Store {
	if contentTTL <= 0 {
		contentTTL = DefaultContentTTL
	}
	return &Store{
		fetcher:    fetcher,
		hypotheses: cache.New(cache.NoExpiration, cleanupInterval),
		content:    cache.New(contentTTL, cleanupInterval),
	}
}

func (s *Store) SetContext(c fanout.Context) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

func (s *Store) CurrentContext() fanout.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) SetHypotheses(projectID string, hs []fanout.Hypothesis) {
	s.hypotheses.Set(listKey(projectID), append([]fanout.Hypothesis(nil), hs...), cache.NoExpiration)
}

func (s *Store) Hypotheses(projectID string) []fanout.Hypothesis {
	v, ok := s.hypotheses.Get(listKey(projectID))
	if !ok {
		return nil
	}
	return append([]fanout.Hypothesis(nil), v.([]fanout.Hypothesis)...)
}

// SetActiveHypothesis records h as active and, when the current context is on the same
// project, moves the context to it.
func (s *Store) SetActiveHypothesis(projectID string, h fanout.Hypothesis) {
	s.hypotheses.Set(activeKey(projectID), h, cache.NoExpiration)
	s.mu.Lock()
	if s.current.ProjectID == projectID {
		s.current.HypothesisID = h.ID
	}
	s.mu.Unlock()
}

func (s *Store) ActiveHypothesis(projectID string) (fanout.Hypothesis, bool) {
	v, ok := s.hypotheses.Get(activeKey(projectID))
	if !ok {
		return fanout.Hypothesis{}, false
	}
	return v.(fanout.Hypothesis), true
}

// RefreshContent re-fetches the document for c and replaces the cached snapshot.
func (s *Store) RefreshContent(ctx context.Context, c fanout.Context) error {
	if s.fetcher == nil {
		return errors.New("appstate: no content fetcher")
	}
	raw, err := s.fetcher.GetContent(ctx, c)
	if err != nil {
		return errors.Wrapf(err, "refresh %s content", c.View)
	}
	s.content.SetDefault(contentKey(c), raw)
	return nil
}

// Content returns the cached snapshot for c, if it has not expired.
func (s *Store) Content(c fanout.Context) (json.RawMessage, bool) {
	v, ok := s.content.Get(contentKey(c))
	if !ok {
		return nil, false
	}
	return v.(json.RawMessage), true
}

func listKey(projectID string) string   { return "hypotheses:" + projectID }
func activeKey(projectID string) string { return "active:" + projectID }

func contentKey(c fanout.Context) string {
	return string(c.View) + ":" + c.ProjectID + ":" + c.HypothesisID
}
