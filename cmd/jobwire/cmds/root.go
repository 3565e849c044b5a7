package cmds

import (
	"context"
	"time"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/jobwire/pkg/config"
	"github.com/go-go-golems/jobwire/pkg/statebus"
)

// NewRootCommand builds the jobwire command tree. The logging flags are glazed's.
func NewRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "jobwire",
		Short:         "jobwire submits generation jobs and chat turns to a job backend over a websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.InitLoggerFromCobra(cmd); err != nil {
				return err
			}
			config.LoadDotEnv()
			log.Debug().Str("command", cmd.CommandPath()).Msg("starting")
			return nil
		},
	}
	if err := clay.InitGlazed("jobwire", root); err != nil {
		return nil, err
	}
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	project := &cobra.Command{Use: "project", Short: "Project generation jobs"}
	hypothesis := &cobra.Command{Use: "hypothesis", Short: "Hypothesis generation jobs"}
	chat := &cobra.Command{Use: "chat", Short: "Chat turns about a project or hypothesis"}

	projectGenerate, err := NewProjectGenerateCommand()
	if err != nil {
		return nil, err
	}
	hypothesisGenerate, err := NewHypothesisGenerateCommand()
	if err != nil {
		return nil, err
	}
	chatSend, err := NewChatSendCommand()
	if err != nil {
		return nil, err
	}
	history, err := NewHistoryCommand()
	if err != nil {
		return nil, err
	}
	watch, err := NewWatchCommand()
	if err != nil {
		return nil, err
	}

	for _, c := range []struct {
		parent *cobra.Command
		cmd    cmds.Command
	}{
		{project, projectGenerate},
		{hypothesis, hypothesisGenerate},
		{chat, chatSend},
		{root, history},
		{root, watch},
	} {
		cobraCmd, err := cli.BuildCobraCommand(c.cmd, cli.WithCobraMiddlewaresFunc(jobwireMiddlewares))
		if err != nil {
			return nil, err
		}
		c.parent.AddCommand(cobraCmd)
	}
	root.AddCommand(project, hypothesis, chat)
	return root, nil
}

func jobwireMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("JOBWIRE",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

// commandSections are shared by every jobwire command: glazed output, command settings, the
// configuration overrides and the state bus.
func commandSections() ([]schema.Section, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	configSection, err := config.NewSection()
	if err != nil {
		return nil, err
	}
	busSection, err := statebus.NewSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{glazedSection, commandSettingsSection, configSection, busSection}, nil
}

// rowsTo adapts a glazed processor to the row callbacks the commands write to.
func rowsTo(ctx context.Context, gp middlewares.Processor) func(types.Row) error {
	return func(row types.Row) error {
		return gp.AddRow(ctx, row)
	}
}

// waitBound is how long a command waits for a terminal state. Zero means unbounded.
func waitBound(wait string, jobTimeout time.Duration) (time.Duration, error) {
	if wait != "" {
		d, err := time.ParseDuration(wait)
		if err != nil {
			return 0, errors.Wrap(err, "--wait")
		}
		if d > 0 {
			return d, nil
		}
	}
	if jobTimeout <= 0 {
		return 0, nil
	}
	return jobTimeout + 5*time.Second, nil
}

func withBound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
