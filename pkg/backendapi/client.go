// Package backendapi is a small request/response client for the backend's REST surface, used
// to re-read state after a job completes.
package backendapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/go-go-golems/jobwire/pkg/auth"
	"github.com/go-go-golems/jobwire/pkg/fanout"
)

const DefaultTimeout = 15 * time.Second

// Error is a non-2xx response.
type Error struct {
	Status int
	Path   string
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %d %s", e.Path, e.Status, e.Body)
}

func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Info        string    `json:"info,omitempty"`
	StartType   string    `json:"startType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Description string    `json:"description,omitempty"`
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

var _ fanout.HypothesisSource = (*Client)(nil)

// New builds a client sending the session token from tokens as a bearer token on every
// request.
func New(baseURL string, tokens auth.TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid backend url %q", baseURL)
	}
	c := &Client{base: u, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	base := http.DefaultTransport
	if c.http != nil && c.http.Transport != nil {
		base = c.http.Transport
	}
	c.http = &http.Client{
		Transport: &oauth2.Transport{Source: bearer{tokens}, Base: base},
		Timeout:   c.timeout,
	}
	return c, nil
}

// bearer adapts an auth.TokenSource to oauth2.
type bearer struct {
	tokens auth.TokenSource
}

func (b bearer) Token() (*oauth2.Token, error) {
	if b.tokens == nil {
		return nil, auth.ErrAuthenticationMissing
	}
	t, err := b.tokens.Token()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: t, TokenType: "Bearer"}, nil
}

func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := c.getJSON(ctx, "projects/"+url.PathEscape(projectID), &p)
	return p, err
}

func (c *Client) GetHypothesis(ctx context.Context, hypothesisID string) (fanout.Hypothesis, error) {
	var h fanout.Hypothesis
	err := c.getJSON(ctx, "hypotheses/"+url.PathEscape(hypothesisID), &h)
	return h, err
}

func (c *Client) ListHypotheses(ctx context.Context, projectID string) ([]fanout.Hypothesis, error) {
	var hs []fanout.Hypothesis
	err := c.getJSON(ctx, "projects/"+url.PathEscape(projectID)+"/hypotheses", &hs)
	return hs, err
}

// GetContent fetches the raw document shown for a view.
func (c *Client) GetContent(ctx context.Context, v fanout.Context) (json.RawMessage, error) {
	path, err := contentPath(v)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err = c.getJSON(ctx, path, &raw)
	return raw, err
}

func contentPath(v fanout.Context) (string, error) {
	switch v.View {
	case fanout.ViewProject, "":
		if v.ProjectID == "" {
			return "", errors.New("content: project id required")
		}
		return "projects/" + url.PathEscape(v.ProjectID), nil
	case fanout.ViewHypothesis:
		if v.HypothesisID == "" {
			return "", errors.New("content: hypothesis id required")
		}
		return "hypotheses/" + url.PathEscape(v.HypothesisID), nil
	case fanout.ViewCustomerSegments:
		if v.HypothesisID == "" {
			return "", errors.New("content: hypothesis id required")
		}
		return "hypotheses/" + url.PathEscape(v.HypothesisID) + "/customer-segments", nil
	case fanout.ViewGtmChannels:
		if v.HypothesisID == "" {
			return "", errors.New("content: hypothesis id required")
		}
		return "hypotheses/" + url.PathEscape(v.HypothesisID) + "/gtm-channels", nil
	default:
		return "", errors.Errorf("content: unknown view %q", v.View)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
