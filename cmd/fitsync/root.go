package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitsync/backend/internal/app"
	"github.com/kimhsiao/fitsync/backend/internal/config"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
)

// cli holds state shared by every subcommand.
type cli struct {
	cfgFile    string
	logLevel   string
	jsonOutput bool

	loader    *config.Loader
	cfg       *config.Config
	logCloser io.Closer

	// newApp is replaced in tests.
	newApp func(ctx context.Context, cfg *config.Config) (*app.App, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{
		newApp: func(ctx context.Context, cfg *config.Config) (*app.App, error) {
			return app.New(ctx, cfg, app.Options{})
		},
	}

	root := &cobra.Command{
		Use:               "fitsync",
		Short:             "FitSync offline sync core",
		Long:              "fitsync inspects and drives the local sync queue of a FitSync data directory.",
		Version:           Version,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logCloser != nil {
				c.logCloser.Close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: ./fitsync.yaml or the user config dir)")
	flags.StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flags.BoolVar(&c.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		c.statusCmd(),
		c.drainCmd(),
		c.clearFailedCmd(),
		c.serveCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	c.loader = config.NewLoader(c.cfgFile)
	cfg, err := c.loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.logCloser = logging.Setup(cfg.LoggingOptions())
	return nil
}

// withApp opens the sync core for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := c.newApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (c *cli) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
