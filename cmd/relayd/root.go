package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	addr       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Chat relay between browser clients and an agent gateway",
		Long: `relayd keeps one authenticated connection to an agent gateway and relays
chat messages to and from any number of browser clients over websockets.
History is kept in a JSON state file or SQLite database.

Run 'relayd' without arguments to start the server.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file (default $RELAY_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override logging format (json, console)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "override HTTP listen address")

	root.AddCommand(newServeCmd(opts), newHistoryCmd(opts), newClearCmd(opts))
	return root
}

// load reads the configuration, applies flag overrides and initialises
// logging.
func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if o.addr != "" {
		cfg.HTTPAddr = o.addr
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, logging.Component("relayd"), nil
}
