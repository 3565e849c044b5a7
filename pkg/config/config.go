// Package config loads the coordinator settings from defaults and a YAML file. Command-line and
// JOBWIRE_* environment overrides arrive through the Overrides section in section.go.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/jobwire/pkg/statebus"
)

const EnvPrefix = "JOBWIRE_"

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Auth       AuthConfig        `yaml:"auth"`
	Connection ConnectionConfig  `yaml:"connection"`
	Jobs       JobsConfig        `yaml:"jobs"`
	Dispatch   DispatchConfig    `yaml:"dispatch"`
	Fanout     FanoutConfig      `yaml:"fanout"`
	StateBus   statebus.Settings `yaml:"statebus"`
	Journal    JournalConfig     `yaml:"journal"`
}

type ServerConfig struct {
	// URL is the websocket endpoint of the job backend.
	URL string `yaml:"url" validate:"required,url"`
	// APIURL is the REST base used to re-read state after completions.
	APIURL string `yaml:"api_url" validate:"omitempty,url"`
}

// AuthConfig names where the session token comes from. Token wins over TokenFile, which wins
// over TokenEnv.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`
	// CheckExpiry treats JWTs past their exp claim as missing.
	CheckExpiry bool `yaml:"check_expiry"`
}

type ConnectionConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	ReconnectAttempts     int           `yaml:"reconnect_attempts" validate:"gte=0"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay" validate:"gte=0"`
	InitDeadline          time.Duration `yaml:"init_deadline" validate:"gt=0"`
	ServerDisconnectDelay time.Duration `yaml:"server_disconnect_delay" validate:"gte=0"`
}

// JobsConfig bounds pending attempts per kind. Zero leaves a kind unbounded.
type JobsConfig struct {
	ProjectTimeout    time.Duration `yaml:"project_timeout" validate:"gte=0"`
	HypothesisTimeout time.Duration `yaml:"hypothesis_timeout" validate:"gte=0"`
}

type DispatchConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gt=0"`
}

type FanoutConfig struct {
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	ContentTTL time.Duration `yaml:"content_ttl" validate:"gte=0"`
}

type JournalConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=sqlite memory none"`
	Path       string `yaml:"path" validate:"required_if=Backend sqlite"`
	MaxRecords int    `yaml:"max_records" validate:"gte=0"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "ws://localhost:3000/ws"},
		Auth:   AuthConfig{TokenEnv: EnvPrefix + "TOKEN", CheckExpiry: true},
		Connection: ConnectionConfig{
			ConnectTimeout:        5 * time.Second,
			ReconnectAttempts:     5,
			ReconnectDelay:        time.Second,
			InitDeadline:          6 * time.Second,
			ServerDisconnectDelay: time.Second,
		},
		Jobs: JobsConfig{
			ProjectTimeout:    120 * time.Second,
			HypothesisTimeout: 120 * time.Second,
		},
		Dispatch: DispatchConfig{WaitTimeout: 10 * time.Second},
		Fanout:   FanoutConfig{Timeout: 30 * time.Second, ContentTTL: 10 * time.Minute},
		StateBus: statebus.DefaultSettings(),
		Journal:  JournalConfig{Backend: "memory", MaxRecords: 5000},
	}
}

// LoadDotEnv exports the variables of a .env file in the working directory. Variables that are
// already set win; a missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env")
	}
}

// Load reads defaults and the YAML file at path, which may be empty. The result is not validated
// so that overrides can still be applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer func() { _ = f.Close() }()
		if err := cfg.Decode(f); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(c)
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
