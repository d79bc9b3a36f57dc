package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forechoandlook/stepflow/config"
)

type rootOptions struct {
	configFile string
	flowsDir   string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "stepflow",
		Short:         "Step-by-step flow engine with human confirmation gates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.flowsDir, "flows", "", "directory of flow definitions (overrides flows.dir)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides log.level)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newFlowsCmd(opts),
		newNodesCmd(opts),
		newMCPCmd(opts),
	)
	return cmd
}

// load reads the configuration and applies command line overrides
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.flowsDir != "" {
		cfg.Flows.Dir = o.flowsDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open builds the app for a command, logging to logOut
func (o *rootOptions) open(cmd *cobra.Command, logOut io.Writer) (*app, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return newApp(cmd.Context(), cfg, logOut)
}
