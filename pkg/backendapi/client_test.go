package backendapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jobwire/pkg/auth"
	"github.com/go-go-golems/jobwire/pkg/fanout"
)

func newServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListHypothesesFeedsRefresher(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/api/projects/p1/hypotheses": `[
			{"id":"h1","projectId":"p1","title":"old","createdAt":"2026-01-01T00:00:00Z"},
			{"id":"h2","projectId":"p1","title":"new","createdAt":"2026-02-01T00:00:00Z"}
		]`,
	})
	c, err := New(srv.URL+"/api/", auth.Static("tok"))
	require.NoError(t, err)

	hs, err := c.ListHypotheses(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, hs, 2)
	latest, ok := fanout.MostRecent(hs)
	require.True(t, ok)
	require.Equal(t, "h2", latest.ID)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), latest.CreatedAt.UTC())
}

func TestGetProjectAndHypothesis(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/projects/p1":   `{"id":"p1","name":"Bakery","createdAt":"2026-01-01T00:00:00Z"}`,
		"/hypotheses/h1": `{"id":"h1","projectId":"p1","title":"Coffee","createdAt":"2026-01-02T00:00:00Z"}`,
	})
	c, err := New(srv.URL, auth.Static("tok"))
	require.NoError(t, err)

	p, err := c.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "Bakery", p.Name)

	h, err := c.GetHypothesis(context.Background(), "h1")
	require.NoError(t, err)
	require.Equal(t, "Coffee", h.Title)

	_, err = c.GetProject(context.Background(), "missing")
	require.True(t, IsNotFound(err))
}

func TestGetContentByView(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/hypotheses/h1/customer-segments": `[{"id":"cs1"}]`,
		"/hypotheses/h1/gtm-channels":      `[{"id":"g1"}]`,
	})
	c, err := New(srv.URL, auth.Static("tok"))
	require.NoError(t, err)

	raw, err := c.GetContent(context.Background(), fanout.Context{ProjectID: "p1", HypothesisID: "h1", View: fanout.ViewCustomerSegments})
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"cs1"}]`, string(raw))

	raw, err = c.GetContent(context.Background(), fanout.Context{ProjectID: "p1", HypothesisID: "h1", View: fanout.ViewGtmChannels})
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"g1"}]`, string(raw))

	_, err = c.GetContent(context.Background(), fanout.Context{ProjectID: "p1", View: fanout.ViewGtmChannels})
	require.Error(t, err)
	_, err = c.GetContent(context.Background(), fanout.Context{ProjectID: "p1", View: "pricing"})
	require.Error(t, err)
}

func TestMissingTokenFailsBeforeRequest(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	c, err := New(srv.URL, auth.Static(""))
	require.NoError(t, err)
	_, err = c.GetProject(context.Background(), "p1")
	require.ErrorIs(t, err, auth.ErrAuthenticationMissing)
	require.Zero(t, hits)
}

func TestUnauthorizedIsReported(t *testing.T) {
	srv := newServer(t, nil)
	c, err := New(srv.URL, auth.Static("wrong"))
	require.NoError(t, err)
	_, err = c.GetProject(context.Background(), "p1")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url", auth.Static("tok"))
	require.Error(t, err)
}
