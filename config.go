/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mborders/logmatic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "UMIGAME"

type Config struct {
	bind              string
	connectionTimeout time.Duration
	deliveryTimeout   time.Duration
	fanoutConcurrency int
	ledger            string
	metrics           bool
	port              int
	prefix            string
	profile           bool
	puzzles           string
	sessionScoped     bool
	tlsCert           string
	tlsKey            string
	verbose           bool
	version           bool
	watchPuzzles      bool

	logger *logmatic.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.connectionTimeout < time.Second {
		return fmt.Errorf("invalid connection timeout (must be at least 1s): %s", c.connectionTimeout)
	}
	if c.deliveryTimeout <= 0 {
		return fmt.Errorf("invalid delivery timeout (must be positive): %s", c.deliveryTimeout)
	}
	if c.fanoutConcurrency < 0 {
		return fmt.Errorf("invalid fan-out concurrency (must be 0 or greater): %d", c.fanoutConcurrency)
	}
	if c.watchPuzzles && c.puzzles == "" {
		return errors.New("--watch-puzzles requires --puzzles")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// bindFlags lets every flag in fs be set through an UMIGAME_ environment
// variable.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "umigame",
		Short:         "Real-time relay for lateral-thinking soup puzzles.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			cfg.logger = newLogger(cfg.verbose)

			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: UMIGAME_BIND)")
	fs.DurationVar(&cfg.connectionTimeout, "connection-timeout", 10*time.Minute, "time before silent connections are dropped (env: UMIGAME_CONNECTION_TIMEOUT)")
	fs.DurationVar(&cfg.deliveryTimeout, "delivery-timeout", 5*time.Second, "maximum time spent delivering one event to one connection (env: UMIGAME_DELIVERY_TIMEOUT)")
	fs.IntVar(&cfg.fanoutConcurrency, "fanout-concurrency", 16, "simultaneous deliveries per event, 0 for unlimited (env: UMIGAME_FANOUT_CONCURRENCY)")
	fs.StringVar(&cfg.ledger, "ledger", "", "path to judgment ledger database, in-memory if unset (env: UMIGAME_LEDGER)")
	fs.BoolVar(&cfg.metrics, "metrics", true, "serve prometheus metrics at /metrics (env: UMIGAME_METRICS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: UMIGAME_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: UMIGAME_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: UMIGAME_PROFILE)")
	fs.StringVar(&cfg.puzzles, "puzzles", "", "path to puzzle file (yaml, json or toml) (env: UMIGAME_PUZZLES)")
	fs.BoolVar(&cfg.sessionScoped, "session-scoped", true, "only deliver events to connections in the same session (env: UMIGAME_SESSION_SCOPED)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: UMIGAME_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: UMIGAME_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: UMIGAME_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: UMIGAME_VERSION)")
	fs.BoolVar(&cfg.watchPuzzles, "watch-puzzles", false, "reload the puzzle file when it changes (env: UMIGAME_WATCH_PUZZLES)")

	bindFlags(v, fs)

	cmd.AddCommand(newPlayCmd())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("umigame v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
