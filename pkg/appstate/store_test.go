package appstate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jobwire/pkg/fanout"
)

type fakeFetcher struct {
	calls []fanout.Context
	doc   string
	err   error
}

func (f *fakeFetcher) GetContent(_ context.Context, c fanout.Context) (json.RawMessage, error) {
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.doc), nil
}

func TestActiveHypothesisFollowsCurrentProject(t *testing.T) {
	s := New(nil, 0)
	s.SetContext(fanout.Context{ProjectID: "p1", HypothesisID: "h1", View: fanout.ViewHypothesis})

	s.SetActiveHypothesis("p1", fanout.Hypothesis{ID: "h2", ProjectID: "p1"})
	s.SetActiveHypothesis("p9", fanout.Hypothesis{ID: "h9", ProjectID: "p9"})

	require.Equal(t, "h2", s.CurrentContext().HypothesisID)
	h, ok := s.ActiveHypothesis("p9")
	require.True(t, ok)
	require.Equal(t, "h9", h.ID)
	_, ok = s.ActiveHypothesis("p2")
	require.False(t, ok)
}

func TestHypothesesAreCopied(t *testing.T) {
	s := New(nil, 0)
	hs := []fanout.Hypothesis{{ID: "h1"}}
	s.SetHypotheses("p1", hs)
	hs[0].ID = "mutated"
	require.Equal(t, "h1", s.Hypotheses("p1")[0].ID)
	require.Nil(t, s.Hypotheses("p2"))
}

func TestRefreshContentCachesSnapshot(t *testing.T) {
	f := &fakeFetcher{doc: `{"segments":[]}`}
	s := New(f, time.Minute)
	c := fanout.Context{ProjectID: "p1", HypothesisID: "h1", View: fanout.ViewCustomerSegments}

	_, ok := s.Content(c)
	require.False(t, ok)

	require.NoError(t, s.RefreshContent(context.Background(), c))
	raw, ok := s.Content(c)
	require.True(t, ok)
	require.JSONEq(t, `{"segments":[]}`, string(raw))
	require.Equal(t, []fanout.Context{c}, f.calls)
}

func TestRefreshContentErrors(t *testing.T) {
	s := New(&fakeFetcher{err: errors.New("503")}, 0)
	require.Error(t, s.RefreshContent(context.Background(), fanout.Context{ProjectID: "p1"}))

	require.Error(t, New(nil, 0).RefreshContent(context.Background(), fanout.Context{ProjectID: "p1"}))
}

func TestContentRefresherRoundTrip(t *testing.T) {
	f := &fakeFetcher{doc: `{"name":"Bakery"}`}
	s := New(f, 0)
	s.SetContext(fanout.Context{ProjectID: "p1", View: fanout.ViewProject})

	r := &fanout.ContentRefresher{Context: s, Store: s}
	require.NoError(t, r.Refresh(context.Background()))
	raw, ok := s.Content(fanout.Context{ProjectID: "p1", View: fanout.ViewProject})
	require.True(t, ok)
	require.JSONEq(t, `{"name":"Bakery"}`, string(raw))
}
