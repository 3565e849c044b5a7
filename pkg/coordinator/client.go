// Package coordinator wires the connection manager, the job kinds, the chat dispatcher and
// their completion refreshes into one client built from configuration.
package coordinator

import (
	"context"
	"io"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jobwire/pkg/appstate"
	"github.com/go-go-golems/jobwire/pkg/auth"
	"github.com/go-go-golems/jobwire/pkg/backendapi"
	"github.com/go-go-golems/jobwire/pkg/channel"
	"github.com/go-go-golems/jobwire/pkg/config"
	"github.com/go-go-golems/jobwire/pkg/connection"
	"github.com/go-go-golems/jobwire/pkg/dispatch"
	"github.com/go-go-golems/jobwire/pkg/fanout"
	"github.com/go-go-golems/jobwire/pkg/jobs"
	"github.com/go-go-golems/jobwire/pkg/persistence/jobstore"
	"github.com/go-go-golems/jobwire/pkg/statebus"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

const (
	ComponentConnection = "connection"
	ComponentJobs       = "jobs"
	ComponentDispatch   = "dispatch"
)

type (
	ProjectJob    = jobs.Job[wire.GenerateProjectRequest]
	HypothesisJob = jobs.Job[wire.GenerateHypothesisRequest]
)

type Option func(*options)

type options struct {
	factory channel.Factory
	clock   clock.Clock
	tokens  auth.TokenSource
	api     *backendapi.Client
}

// WithChannelFactory replaces the websocket transport.
func WithChannelFactory(f channel.Factory) Option {
	return func(o *options) { o.factory = f }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithTokenSource(t auth.TokenSource) Option {
	return func(o *options) { o.tokens = t }
}

func WithBackendAPI(c *backendapi.Client) Option {
	return func(o *options) { o.api = c }
}

type Client struct {
	SessionID string

	Conn       *connection.Manager
	Projects   *ProjectJob
	Hypotheses *HypothesisJob
	Chat       *dispatch.Dispatcher
	State      *appstate.Store
	API        *backendapi.Client
	Bus        *statebus.Bus
	Journal    jobstore.AttemptStore

	runner *fanout.Runner
	cancel context.CancelFunc
}

// TokenSource builds the token source described by cfg.
func TokenSource(cfg config.AuthConfig, clk clock.Clock) auth.TokenSource {
	var src auth.TokenSource
	switch {
	case strings.TrimSpace(cfg.Token) != "":
		src = auth.Static(cfg.Token)
	case cfg.TokenFile != "":
		src = auth.File(cfg.TokenFile)
	case cfg.TokenEnv != "":
		src = auth.Env(cfg.TokenEnv)
	default:
		src = auth.Static("")
	}
	if cfg.CheckExpiry {
		return auth.ExpiryChecked{Source: src, Clock: clk}
	}
	return src
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tokens == nil {
		o.tokens = TokenSource(cfg.Auth, o.clock)
	}
	if o.factory == nil {
		wsOpts := channel.DefaultOptions(cfg.Server.URL)
		wsOpts.ConnectTimeout = cfg.Connection.ConnectTimeout
		wsOpts.ReconnectAttempts = cfg.Connection.ReconnectAttempts
		wsOpts.ReconnectDelay = cfg.Connection.ReconnectDelay
		wsOpts.Reconnection = cfg.Connection.ReconnectAttempts > 0
		wsOpts.Clock = o.clock
		o.factory = channel.NewWebSocketFactory(wsOpts)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{SessionID: uuid.NewString(), cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	bus, err := statebus.New(ctx, cfg.StateBus)
	if err != nil {
		return nil, errors.Wrap(err, "state bus")
	}
	c.Bus = bus

	journal, err := OpenJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}
	c.Journal = journal

	c.API = o.api
	if c.API == nil && cfg.Server.APIURL != "" {
		c.API, err = backendapi.New(cfg.Server.APIURL, o.tokens)
		if err != nil {
			return nil, err
		}
	}
	var fetcher appstate.ContentFetcher
	if c.API != nil {
		fetcher = c.API
	}
	c.State = appstate.New(fetcher, cfg.Fanout.ContentTTL)

	c.runner = fanout.NewRunner(
		fanout.WithBaseContext(ctx),
		fanout.WithTimeout(cfg.Fanout.Timeout),
		fanout.WithAsync(true),
	)

	c.Conn = connection.NewManager(o.factory,
		connection.WithClock(o.clock),
		connection.WithInitDeadline(cfg.Connection.InitDeadline),
		connection.WithServerDisconnectDelay(cfg.Connection.ServerDisconnectDelay),
		connection.WithObserver(statebus.Observer[connection.State](bus, ComponentConnection)),
	)

	publishJob := statebus.Observer[jobs.State](bus, ComponentJobs)
	journalJob := func(jobs.State) {}
	if journal != nil {
		journalJob = jobstore.Observer(journal, c.SessionID)
	}

	c.Projects, err = jobs.New(jobs.ProjectKind(cfg.Jobs.ProjectTimeout), c.Conn, o.tokens,
		jobs.WithClock[wire.GenerateProjectRequest](o.clock),
		jobs.WithObserver[wire.GenerateProjectRequest](publishJob),
		jobs.WithObserver[wire.GenerateProjectRequest](journalJob),
		jobs.WithSuccessHook[wire.GenerateProjectRequest](c.onProjectGenerated),
	)
	if err != nil {
		return nil, err
	}

	hypothesisOpts := []jobs.Option[wire.GenerateHypothesisRequest]{
		jobs.WithClock[wire.GenerateHypothesisRequest](o.clock),
		jobs.WithObserver[wire.GenerateHypothesisRequest](publishJob),
		jobs.WithObserver[wire.GenerateHypothesisRequest](journalJob),
	}
	if c.API != nil {
		refresher := &fanout.HypothesisRefresher{Source: c.API, Store: c.State}
		hypothesisOpts = append(hypothesisOpts, jobs.WithSuccessHook[wire.GenerateHypothesisRequest](
			func(s jobs.State, req wire.GenerateHypothesisRequest) {
				c.runner.Run("hypotheses", func(ctx context.Context) error {
					_, err := refresher.Refresh(ctx, req.ProjectID, s.ResultRef)
					return err
				})
			}))
	}
	c.Hypotheses, err = jobs.New(jobs.HypothesisKind(cfg.Jobs.HypothesisTimeout), c.Conn, o.tokens, hypothesisOpts...)
	if err != nil {
		return nil, err
	}

	chatOpts := []dispatch.Option{
		dispatch.WithClock(o.clock),
		dispatch.WithWaitTimeout(cfg.Dispatch.WaitTimeout),
		dispatch.WithObserver(statebus.Observer[dispatch.State](bus, ComponentDispatch)),
	}
	if fetcher != nil {
		chatOpts = append(chatOpts, dispatch.WithFanout(c.runner, &fanout.ContentRefresher{Context: c.State, Store: c.State}))
	}
	c.Chat = dispatch.New(c.Conn, o.tokens, chatOpts...)

	ok = true
	log.Info().Str("component", "coordinator").Str("session", c.SessionID).
		Str("url", cfg.Server.URL).Bool("backend_api", c.API != nil).Msg("client ready")
	return c, nil
}

// onProjectGenerated points the current context at the new project.
func (c *Client) onProjectGenerated(s jobs.State, _ wire.GenerateProjectRequest) {
	if s.ResultRef == "" {
		return
	}
	c.State.SetContext(fanout.Context{ProjectID: s.ResultRef, View: fanout.ViewProject})
}

// OpenJournal opens the attempt journal selected by cfg. The "none" backend yields a nil store.
func OpenJournal(cfg config.JournalConfig) (jobstore.AttemptStore, error) {
	switch cfg.Backend {
	case "sqlite":
		dsn, err := jobstore.SQLiteDSNForFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		s, err := jobstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open journal")
		}
		return s, nil
	case "memory", "":
		return jobstore.NewInMemoryStore(cfg.MaxRecords), nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Errorf("unknown journal backend %q", cfg.Backend)
	}
}

func (c *Client) GenerateProject(ctx context.Context, req wire.GenerateProjectRequest) error {
	return c.Projects.Submit(ctx, req)
}

func (c *Client) GenerateHypothesis(ctx context.Context, req wire.GenerateHypothesisRequest) error {
	return c.Hypotheses.Submit(ctx, req)
}

func (c *Client) SendMessage(ctx context.Context, msg dispatch.Message) error {
	return c.Chat.Send(ctx, msg)
}

// WaitFanout blocks until started completion refreshes have finished.
func (c *Client) WaitFanout() {
	if c.runner != nil {
		c.runner.Wait()
	}
}

// Close releases everything in reverse order of construction. It is safe on a partially
// built client.
func (c *Client) Close() error {
	if c.Chat != nil {
		c.Chat.Close()
	}
	if c.Hypotheses != nil {
		c.Hypotheses.Close()
	}
	if c.Projects != nil {
		c.Projects.Close()
	}
	var errs []string
	collect := func(closer io.Closer) {
		if closer == nil {
			return
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Conn != nil {
		collect(c.Conn)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.WaitFanout()
	if c.Bus != nil {
		collect(c.Bus)
	}
	if c.Journal != nil {
		collect(c.Journal)
	}
	if len(errs) > 0 {
		return errors.Errorf("close client: %s", strings.Join(errs, "; "))
	}
	return nil
}
