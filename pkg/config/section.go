package config

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jobwire/pkg/statebus"
)

const SectionSlug = "jobwire"

// Overrides are the command-line and environment values layered over the YAML file. Empty
// fields leave the file value alone. Durations are Go duration strings.
type Overrides struct {
	ConfigPath          string `glazed:"config-path"`
	ServerURL           string `glazed:"server-url"`
	APIURL              string `glazed:"api-url"`
	Token               string `glazed:"token"`
	TokenFile           string `glazed:"token-file"`
	ProjectTimeout      string `glazed:"project-timeout"`
	HypothesisTimeout   string `glazed:"hypothesis-timeout"`
	DispatchWaitTimeout string `glazed:"dispatch-wait-timeout"`
	JournalBackend      string `glazed:"journal-backend"`
	JournalPath         string `glazed:"journal-path"`
}

// NewSection declares the overrides. With the JOBWIRE env prefix, server-url is read from
// JOBWIRE_SERVER_URL and so on.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"jobwire backend, job and journal settings",
		schema.WithFields(
			fields.New("config-path", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("YAML configuration file")),
			fields.New("server-url", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Websocket endpoint of the job backend")),
			fields.New("api-url", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("REST base used to refresh state after completions")),
			fields.New("token", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Session token")),
			fields.New("token-file", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("File holding the session token")),
			fields.New("project-timeout", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Give up on a pending project after this long (0s disables)")),
			fields.New("hypothesis-timeout", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Give up on a pending hypothesis after this long (0s disables)")),
			fields.New("dispatch-wait-timeout", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("How long a chat send waits for the connection")),
			fields.New("journal-backend", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Attempt journal: sqlite, memory or none")),
			fields.New("journal-path", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite file of the attempt journal")),
		),
	)
}

// Apply layers the set fields of o onto c.
func (o Overrides) Apply(c *Config) error {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.URL, o.ServerURL)
	set(&c.Server.APIURL, o.APIURL)
	set(&c.Auth.Token, o.Token)
	set(&c.Auth.TokenFile, o.TokenFile)
	set(&c.Journal.Backend, o.JournalBackend)
	set(&c.Journal.Path, o.JournalPath)

	for _, d := range []struct {
		name string
		v    string
		dst  *time.Duration
	}{
		{"project-timeout", o.ProjectTimeout, &c.Jobs.ProjectTimeout},
		{"hypothesis-timeout", o.HypothesisTimeout, &c.Jobs.HypothesisTimeout},
		{"dispatch-wait-timeout", o.DispatchWaitTimeout, &c.Dispatch.WaitTimeout},
	} {
		if d.v == "" {
			continue
		}
		v, err := time.ParseDuration(d.v)
		if err != nil {
			return errors.Wrapf(err, "--%s", d.name)
		}
		*d.dst = v
	}
	return nil
}

// Resolve builds the validated configuration of a command from its parsed sections: defaults,
// then the YAML file, then the overrides.
func Resolve(parsed *values.Values) (*Config, error) {
	var o Overrides
	if err := parsed.DecodeSectionInto(SectionSlug, &o); err != nil {
		return nil, err
	}
	var bus statebus.Settings
	if err := parsed.DecodeSectionInto(statebus.SectionSlug, &bus); err != nil {
		return nil, err
	}
	return Build(o, bus)
}

// Build is Resolve for already decoded overrides.
func Build(o Overrides, bus statebus.Settings) (*Config, error) {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := o.Apply(cfg); err != nil {
		return nil, err
	}
	cfg.StateBus = cfg.StateBus.Merge(bus)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
