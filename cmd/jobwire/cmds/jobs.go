package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jobwire/pkg/config"
	"github.com/go-go-golems/jobwire/pkg/coordinator"
	"github.com/go-go-golems/jobwire/pkg/fanout"
	"github.com/go-go-golems/jobwire/pkg/jobs"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

type ProjectGenerateCommand struct {
	*cmds.CommandDescription
}

type ProjectGenerateSettings struct {
	Info string `glazed:"info"`
	URL  string `glazed:"url"`
	Wait string `glazed:"wait"`
}

func NewProjectGenerateCommand() (*ProjectGenerateCommand, error) {
	sections, err := commandSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"generate",
		cmds.WithShort("Generate a project and wait for the result"),
		cmds.WithLong("Generate a project from a free-text description, or import it from a URL, and print the settled job state."),
		cmds.WithFlags(
			fields.New("info", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Free-text description of the project")),
			fields.New("url", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Import the project from this URL instead")),
			fields.New("wait", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Give up waiting after this long (empty uses the job timeout plus a margin)")),
		),
		cmds.WithSections(sections...),
	)
	return &ProjectGenerateCommand{CommandDescription: desc}, nil
}

func (c *ProjectGenerateCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ProjectGenerateSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg, err := config.Resolve(parsedLayers)
	if err != nil {
		return err
	}
	bound, err := waitBound(s.Wait, cfg.Jobs.ProjectTimeout)
	if err != nil {
		return err
	}

	client, err := coordinator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.GenerateProject(ctx, projectRequest(s)); err != nil {
		return err
	}
	waitCtx, cancel := withBound(ctx, bound)
	defer cancel()
	state, err := client.Projects.Wait(waitCtx)
	if err != nil {
		return errors.Wrap(err, "waiting for project")
	}
	return report(state, nil, rowsTo(ctx, gp))
}

func projectRequest(s *ProjectGenerateSettings) wire.GenerateProjectRequest {
	if s.URL != "" {
		return wire.GenerateProjectRequest{StartType: wire.URLImport, URL: s.URL, Info: s.Info}
	}
	return wire.GenerateProjectRequest{StartType: wire.StartFromScratch, Info: s.Info}
}

type HypothesisGenerateCommand struct {
	*cmds.CommandDescription
}

type HypothesisGenerateSettings struct {
	Project     string `glazed:"project"`
	Title       string `glazed:"title"`
	Description string `glazed:"description"`
	Wait        string `glazed:"wait"`
}

func NewHypothesisGenerateCommand() (*HypothesisGenerateCommand, error) {
	sections, err := commandSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"generate",
		cmds.WithShort("Generate a hypothesis for a project and wait for the result"),
		cmds.WithFlags(
			fields.New("project", fields.TypeString,
				fields.WithHelp("Project id"),
				fields.WithRequired(true)),
			fields.New("title", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Hypothesis title")),
			fields.New("description", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Hypothesis description")),
			fields.New("wait", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Give up waiting after this long (empty uses the job timeout plus a margin)")),
		),
		cmds.WithSections(sections...),
	)
	return &HypothesisGenerateCommand{CommandDescription: desc}, nil
}

func (c *HypothesisGenerateCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &HypothesisGenerateSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if s.Project == "" {
		return errors.New("--project is required")
	}
	cfg, err := config.Resolve(parsedLayers)
	if err != nil {
		return err
	}
	bound, err := waitBound(s.Wait, cfg.Jobs.HypothesisTimeout)
	if err != nil {
		return err
	}

	client, err := coordinator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	req := wire.GenerateHypothesisRequest{ProjectID: s.Project, Title: s.Title, Description: s.Description}
	if err := client.GenerateHypothesis(ctx, req); err != nil {
		return err
	}
	waitCtx, cancel := withBound(ctx, bound)
	defer cancel()
	state, err := client.Hypotheses.Wait(waitCtx)
	if err != nil {
		return errors.Wrap(err, "waiting for hypothesis")
	}
	client.WaitFanout()
	var active *fanout.Hypothesis
	if h, ok := client.State.ActiveHypothesis(req.ProjectID); ok {
		active = &h
	}
	return report(state, active, rowsTo(ctx, gp))
}

// report emits the settled state as one row and turns a failed or timed out attempt into an
// exit error.
func report(s jobs.State, active *fanout.Hypothesis, emit func(types.Row) error) error {
	pairs := []types.MapRowPair{
		types.MRP("kind", s.Kind),
		types.MRP("status", string(s.Status)),
		types.MRP("attempt", s.Attempt),
		types.MRP("submitted_at", formatTime(s.SubmittedAt)),
		types.MRP("settled_at", formatTime(s.SettledAt)),
		types.MRP("result_ref", s.ResultRef),
		types.MRP("error", s.ErrorMessage),
	}
	if active != nil {
		pairs = append(pairs,
			types.MRP("hypothesis_id", active.ID),
			types.MRP("hypothesis_title", active.Title),
		)
	}
	if err := emit(types.NewRow(pairs...)); err != nil {
		return err
	}
	switch s.Status {
	case jobs.StatusFailed, jobs.StatusTimedOut:
		return errors.Errorf("%s job %s: %s", s.Kind, s.Status, s.ErrorMessage)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

var _ cmds.GlazeCommand = &ProjectGenerateCommand{}
var _ cmds.GlazeCommand = &HypothesisGenerateCommand{}
