package cmds

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jobwire/pkg/config"
	"github.com/go-go-golems/jobwire/pkg/coordinator"
	"github.com/go-go-golems/jobwire/pkg/dispatch"
	"github.com/go-go-golems/jobwire/pkg/fanout"
	"github.com/go-go-golems/jobwire/pkg/wire"
)

type ChatSendCommand struct {
	*cmds.CommandDescription
}

type ChatSendSettings struct {
	Message         string `glazed:"message"`
	Project         string `glazed:"project"`
	Hypothesis      string `glazed:"hypothesis"`
	Type            string `glazed:"type"`
	ID              string `glazed:"id"`
	CustomerSegment string `glazed:"customer-segment"`
	GtmChannel      string `glazed:"gtm-channel"`
	Refresh         bool   `glazed:"refresh"`
	View            string `glazed:"view"`
	Wait            string `glazed:"wait"`
}

func NewChatSendCommand() (*ChatSendCommand, error) {
	sections, err := commandSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"send",
		cmds.WithShort("Send a chat message and wait for the answer"),
		cmds.WithLong("Send a chat message and wait for the answer. Without a MESSAGE argument the message is read from piped standard input."),
		cmds.WithFlags(
			fields.New("project", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Project id")),
			fields.New("hypothesis", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Hypothesis id")),
			fields.New("type", fields.TypeString,
				fields.WithDefault("text"),
				fields.WithHelp("Message type")),
			fields.New("id", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Message id (generated when empty)")),
			fields.New("customer-segment", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Customer segment the message is about")),
			fields.New("gtm-channel", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Go-to-market channel the message is about")),
			fields.New("refresh", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Refresh the current view once the answer arrives")),
			fields.New("view", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Current view used by --refresh")),
			fields.New("wait", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Give up waiting after this long (empty uses the project timeout plus a margin)")),
		),
		cmds.WithArguments(
			fields.New("message", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Message text")),
		),
		cmds.WithSections(sections...),
	)
	return &ChatSendCommand{CommandDescription: desc}, nil
}

func (c *ChatSendCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ChatSendSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	text, err := messageText(s.Message, os.Stdin)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(parsedLayers)
	if err != nil {
		return err
	}
	// Answers are generated server side and take about as long as a project.
	bound, err := waitBound(s.Wait, cfg.Jobs.ProjectTimeout)
	if err != nil {
		return err
	}

	client, err := coordinator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	msg := chatMessage(s, text)
	if s.View != "" {
		client.State.SetContext(fanout.Context{
			ProjectID:    msg.ProjectID,
			HypothesisID: msg.ProjectHypothesisID,
			View:         fanout.View(s.View),
		})
	}
	if err := client.SendMessage(ctx, msg); err != nil {
		return err
	}
	waitCtx, cancel := withBound(ctx, bound)
	defer cancel()
	state, err := client.Chat.Wait(waitCtx)
	if err != nil {
		return errors.Wrap(err, "waiting for answer")
	}
	client.WaitFanout()

	var content []byte
	if view := client.State.CurrentContext(); msg.Refresh && view.View != "" {
		if raw, ok := client.State.Content(view); ok {
			content = raw
		}
	}
	return reportAnswer(state, content, rowsTo(ctx, gp))
}

func chatMessage(s *ChatSendSettings, text string) dispatch.Message {
	typ := s.Type
	if typ == "" {
		typ = "text"
	}
	return dispatch.Message{
		CreateMessageRequest: wire.CreateMessageRequest{
			ID:                     s.ID,
			Message:                text,
			MessageType:            typ,
			ProjectID:              s.Project,
			ProjectHypothesisID:    s.Hypothesis,
			CustomerSegmentID:      s.CustomerSegment,
			HypothesesGtmChannelID: s.GtmChannel,
		},
		Refresh: s.Refresh,
	}
}

// messageText returns arg, or the trimmed contents of stdin when arg is empty and stdin is piped.
func messageText(arg string, stdin *os.File) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if stdin == nil || isatty.IsTerminal(stdin.Fd()) || isatty.IsCygwinTerminal(stdin.Fd()) {
		return "", errors.New("no message given")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", errors.Wrap(err, "read message from stdin")
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", errors.New("no message given")
	}
	return text, nil
}

// reportAnswer emits the dispatcher state as one row. A chat error becomes the exit error.
func reportAnswer(s dispatch.State, content []byte, emit func(types.Row) error) error {
	pairs := []types.MapRowPair{
		types.MRP("sends", s.Sends),
		types.MRP("error", s.Error),
	}
	if s.LastAnswer != nil {
		pairs = append(pairs,
			types.MRP("answer_id", s.LastAnswer.ID),
			types.MRP("answer", s.LastAnswer.Message),
		)
	}
	if content != nil {
		pairs = append(pairs, types.MRP("content", string(content)))
	}
	if err := emit(types.NewRow(pairs...)); err != nil {
		return err
	}
	if s.Error != "" {
		return errors.New(s.Error)
	}
	return nil
}

var _ cmds.GlazeCommand = &ChatSendCommand{}
