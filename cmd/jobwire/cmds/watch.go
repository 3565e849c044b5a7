package cmds

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/jobwire/pkg/config"
	"github.com/go-go-golems/jobwire/pkg/coordinator"
	"github.com/go-go-golems/jobwire/pkg/statebus"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

type WatchSettings struct {
	Components []string `glazed:"component"`
}

func NewWatchCommand() (*WatchCommand, error) {
	sections, err := commandSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Follow state transitions published by other jobwire processes"),
		cmds.WithLong("Follow the state transitions other jobwire processes publish on the redis state bus. Each transition is one row."),
		cmds.WithFlags(
			fields.New("component", fields.TypeStringList,
				fields.WithDefault([]string{
					coordinator.ComponentConnection,
					coordinator.ComponentJobs,
					coordinator.ComponentDispatch,
				}),
				fields.WithHelp("Components to follow")),
		),
		cmds.WithSections(sections...),
	)
	return &WatchCommand{CommandDescription: desc}, nil
}

func (c *WatchCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &WatchSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg, err := config.Resolve(parsedLayers)
	if err != nil {
		return err
	}
	if err := needsRedis(cfg.StateBus); err != nil {
		return err
	}
	bus, err := statebus.New(ctx, cfg.StateBus)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()
	return follow(ctx, bus, s.Components, rowsTo(ctx, gp))
}

// An in-process bus only carries this process's own transitions.
func needsRedis(s statebus.Settings) error {
	if !s.Enabled {
		return errors.New("watch needs the redis state bus (statebus.redis_enabled, --redis-enabled or JOBWIRE_REDIS_ENABLED)")
	}
	return nil
}

type subscriber interface {
	Subscribe(ctx context.Context, component string) (<-chan *message.Message, error)
}

// follow emits a row per state message until ctx ends or every subscription closes.
func follow(ctx context.Context, bus subscriber, components []string, emit func(types.Row) error) error {
	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	for _, component := range components {
		msgs, err := bus.Subscribe(ctx, component)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					row := types.NewRow(
						types.MRP("component", component),
						types.MRP("message_id", msg.UUID),
						types.MRP("state", string(msg.Payload)),
					)
					msg.Ack()
					mu.Lock()
					err := emit(row)
					mu.Unlock()
					if err != nil {
						return err
					}
				}
			}
		})
	}
	return eg.Wait()
}

var _ cmds.GlazeCommand = &WatchCommand{}
