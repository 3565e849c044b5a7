package statebus

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "statebus"

// Settings selects the transport for state-change messages. With Enabled false the bus is an
// in-process gochannel.
type Settings struct {
	Enabled  bool   `yaml:"redis_enabled" glazed:"redis-enabled"`
	Addr     string `yaml:"redis_addr" glazed:"redis-addr"`
	Group    string `yaml:"redis_group" glazed:"redis-group"`
	Consumer string `yaml:"redis_consumer" glazed:"redis-consumer"`
	// Buffer is the per-subscriber buffer of the in-process transport.
	Buffer int64 `yaml:"buffer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "jobwire",
		Consumer: "jobwire-1",
		Buffer:   64,
	}
}

// NewSection returns the command-line section for the state bus. Its fields default to empty so
// that only values given on the command line or in JOBWIRE_REDIS_* variables override the
// configuration file.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for state-change messages",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Publish and follow state changes over Redis Streams")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Redis consumer name")),
		),
	)
}

// Merge returns s with the set fields of o applied. Enabled can only be switched on.
func (s Settings) Merge(o Settings) Settings {
	if o.Enabled {
		s.Enabled = true
	}
	if o.Addr != "" {
		s.Addr = o.Addr
	}
	if o.Group != "" {
		s.Group = o.Group
	}
	if o.Consumer != "" {
		s.Consumer = o.Consumer
	}
	if o.Buffer > 0 {
		s.Buffer = o.Buffer
	}
	return s
}
