package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jobwire/pkg/config"
	"github.com/go-go-golems/jobwire/pkg/coordinator"
)

type HistoryCommand struct {
	*cmds.CommandDescription
}

type HistorySettings struct {
	Kind  string `glazed:"kind"`
	Limit int    `glazed:"limit"`
}

func NewHistoryCommand() (*HistoryCommand, error) {
	sections, err := commandSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("List journaled job attempts, newest first"),
		cmds.WithLong("List the job attempts recorded in the sqlite journal, newest first."),
		cmds.WithFlags(
			fields.New("kind", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only list attempts of this kind (project or hypothesis)")),
			fields.New("limit", fields.TypeInteger,
				fields.WithDefault(20),
				fields.WithHelp("Maximum number of attempts (0 = no limit)")),
		),
		cmds.WithSections(sections...),
	)
	return &HistoryCommand{CommandDescription: desc}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg, err := config.Resolve(parsedLayers)
	if err != nil {
		return err
	}
	return listHistory(ctx, cfg.Journal, s, rowsTo(ctx, gp))
}

func listHistory(ctx context.Context, cfg config.JournalConfig, s *HistorySettings, emit func(types.Row) error) error {
	if cfg.Backend != "sqlite" {
		return errors.Errorf("history needs a persistent journal, backend is %q", cfg.Backend)
	}
	journal, err := coordinator.OpenJournal(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	records, err := journal.List(ctx, s.Kind, s.Limit)
	if err != nil {
		return errors.Wrap(err, "list attempts")
	}
	for _, r := range records {
		row := types.NewRow(
			types.MRP("session_id", r.SessionID),
			types.MRP("kind", r.Kind),
			types.MRP("attempt", r.Attempt),
			types.MRP("status", r.Status),
			types.MRP("submitted_at_ms", r.SubmittedAtMs),
			types.MRP("settled_at_ms", r.SettledAtMs),
			types.MRP("result_ref", r.ResultRef),
			types.MRP("error", r.Error),
		)
		if err := emit(row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &HistoryCommand{}
