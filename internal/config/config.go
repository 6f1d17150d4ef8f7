// Package config parses the bridge command line and filter settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"mcpbridge/internal/filter"
)

// Config is the bridge configuration. The child command follows the options,
// optionally after "--".
type Config struct {
	Bind          string            `long:"bind" default:"127.0.0.1" description:"address to listen on"`
	Port          int               `long:"port" default:"3275" description:"port to listen on"`
	AllowCIDRs    []string          `long:"allow-cidr" description:"client network allowed to connect (repeatable)"`
	AllowOrigins  []string          `long:"allow-origin" description:"browser origin allowed by CORS (repeatable)"`
	BasePath      string            `long:"base-path" description:"directory the child working directory must stay within (default: home)"`
	Cwd           string            `long:"cwd" description:"child working directory, relative to the base path"`
	EnvPairs      []string          `long:"env" description:"extra child environment variable KEY=VALUE (repeatable)"`
	APIKey        string            `long:"api-key" env:"MCPBRIDGE_API_KEY" description:"require this bearer token on every request except /health"`
	Filters       string            `long:"filters" description:"YAML file configuring the built-in filters"`
	QueueSize     int               `long:"queue-size" default:"256" description:"outbound messages buffered per session"`
	InboundSize   int               `long:"inbound-size" default:"64" description:"submissions buffered per session before rejecting"`
	StartGrace    time.Duration     `long:"start-grace" default:"10s" description:"time allowed for the child to start"`
	ShutdownGrace time.Duration     `long:"shutdown-grace" default:"5s" description:"time a child gets to exit after SIGTERM"`
	Keepalive     time.Duration     `long:"keepalive" default:"15s" description:"interval between SSE keep-alive comments (0 disables)"`
	Transcript    bool              `long:"transcript" description:"record forwarded messages per session"`
	TranscriptDir string            `long:"transcript-dir" description:"directory for transcripts (default: a temporary directory)"`
	LogLevel      string            `long:"log-level" default:"info" description:"trace, debug, info, warn or error"`
	Pretty        bool              `long:"pretty" description:"human readable logs"`

	Command []string          `no-flag:"true"`
	Env     map[string]string `no-flag:"true"`

	networks []*net.IPNet
}

// ErrNoCommand is returned when no child command was given.
var ErrNoCommand = errors.New("a child command is required")

// Parse parses args (without the program name).
func Parse(args []string) (Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash|flags.PassAfterNonOption)
	parser.Usage = "[OPTIONS] [--] command [args...]"
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return Config{}, err
	}
	cfg.Command = rest
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsHelp reports whether err is the help text produced for --help.
func IsHelp(err error) bool {
	var fe *flags.Error
	return errors.As(err, &fe) && fe.Type == flags.ErrHelp
}

func (c *Config) validate() error {
	if len(c.Command) == 0 {
		return ErrNoCommand
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.QueueSize < 1 {
		return errors.New("queue-size must be positive")
	}
	if c.InboundSize < 1 {
		return errors.New("inbound-size must be positive")
	}
	if c.StartGrace <= 0 || c.ShutdownGrace <= 0 {
		return errors.New("grace periods must be positive")
	}
	if c.Keepalive < 0 {
		return errors.New("keepalive must not be negative")
	}
	env, err := ParseEnv(c.EnvPairs)
	if err != nil {
		return err
	}
	c.Env = env
	nets, err := ParseCIDRs(c.AllowCIDRs)
	if err != nil {
		return err
	}
	c.networks = nets
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// AuthMode is "bearer" when an API key is configured and "none" otherwise.
func (c Config) AuthMode() string {
	if c.APIKey != "" {
		return "bearer"
	}
	return "none"
}

// Networks returns the parsed allow-list.
func (c Config) Networks() []*net.IPNet {
	return c.networks
}

// ParseEnv splits KEY=VALUE pairs on the first '='. The value may be empty;
// the key may not.
func ParseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid env entry %q: want KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

// ParseCIDRs parses an allow-list.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR: %s", cidr)
		}
		out = append(out, network)
	}
	return out, nil
}

// IsAllowedClient reports whether ip may connect. Loopback clients are always
// allowed; an empty allow-list admits everyone.
func IsAllowedClient(ip net.IP, allow []*net.IPNet) bool {
	if ip == nil || ip.IsLoopback() || len(allow) == 0 {
		return true
	}
	for _, network := range allow {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// LoadFilterSettings reads filter settings from a YAML file. An empty path
// yields the defaults.
func LoadFilterSettings(path string) (filter.Settings, error) {
	if path == "" {
		return filter.Settings{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return filter.Settings{}, err
	}
	return DecodeFilterSettings(data)
}

// DecodeFilterSettings decodes YAML filter settings, rejecting unknown keys.
func DecodeFilterSettings(data []byte) (filter.Settings, error) {
	var s filter.Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return filter.Settings{}, fmt.Errorf("filter settings: %w", err)
	}
	return s, nil
}
