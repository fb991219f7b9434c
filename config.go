package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "HOTPOTATO"

// envAliases are extra environment variables a flag is read from, after the
// prefixed one.
var envAliases = map[string][]string{
	"port": {"PORT"},
}

type Config struct {
	allowedOrigins []string
	bind           string
	maxTime        int
	pingInterval   time.Duration
	port           int
	prefix         string
	profile        bool
	root           string
	strictPass     bool
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	logger zerolog.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxTime < 1 {
		return fmt.Errorf("invalid max time (must be at least 1 second): %d", c.maxTime)
	}
	if c.pingInterval <= 0 {
		return fmt.Errorf("invalid ping interval (must be positive): %s", c.pingInterval)
	}
	if c.root != "" {
		info, err := os.Stat(c.root)
		if err != nil {
			return fmt.Errorf("invalid static root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("invalid static root (not a directory): %s", c.root)
		}
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) sessionConfig() SessionConfig {
	return SessionConfig{
		MaxPlayers:    defaultMaxPlayers,
		MaxTime:       c.maxTime,
		TickInterval:  time.Second,
		RequireHolder: c.strictPass,
	}
}

func envName(flag string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "hotpotato",
		Short:         "A four-player game of hot potato, played over websockets.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			cfg.logger = newLogger(cfg, cmd.ErrOrStderr())
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringSliceVar(&cfg.allowedOrigins, "allowed-origins", nil, "origins allowed to connect, comma-separated; empty allows all (env: HOTPOTATO_ALLOWED_ORIGINS)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: HOTPOTATO_BIND)")
	fs.IntVar(&cfg.maxTime, "max-time", defaultMaxTime, "seconds on the clock once the game starts (env: HOTPOTATO_MAX_TIME)")
	fs.DurationVar(&cfg.pingInterval, "ping-interval", 30*time.Second, "interval between websocket keepalive pings (env: HOTPOTATO_PING_INTERVAL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: HOTPOTATO_PORT, PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: HOTPOTATO_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: HOTPOTATO_PROFILE)")
	fs.StringVar(&cfg.root, "root", "", "serve static files from this directory instead of the embedded client (env: HOTPOTATO_ROOT)")
	fs.BoolVar(&cfg.strictPass, "strict-pass", false, "only accept passes from the current potato holder (env: HOTPOTATO_STRICT_PASS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: HOTPOTATO_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: HOTPOTATO_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: HOTPOTATO_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: HOTPOTATO_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		if aliases, ok := envAliases[f.Name]; ok {
			_ = v.BindEnv(append([]string{f.Name, envName(f.Name)}, aliases...)...)
		} else {
			_ = v.BindEnv(f.Name)
		}
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, envValue(v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("hotpotato v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// envValue renders a viper value the way pflag expects to parse it.
func envValue(val any) string {
	if list, ok := val.([]string); ok {
		return strings.Join(list, ",")
	}
	return fmt.Sprintf("%v", val)
}
