package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/bsaid97/hexdensity/boundary"
	"github.com/bsaid97/hexdensity/config"
	"github.com/bsaid97/hexdensity/engine"
	"github.com/bsaid97/hexdensity/handlers"
	"github.com/bsaid97/hexdensity/hexgrid"
	"github.com/bsaid97/hexdensity/logging"
	"github.com/bsaid97/hexdensity/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// cli carries the configuration loaded by the root command to its
// subcommands.
type cli struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "hexdensity",
		Short: "Estimate population density on a hexagonal grid.",
		Long: `hexdensity spreads census tract population over H3 hexagons covering a
region boundary, weighting each tract by the area it shares with each hexagon.

Configuration is layered: built-in defaults, then the YAML file given with
--config, then HEXDENSITY_* environment variables (HEXDENSITY_MONGO__URI sets
mongo.uri).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			logging.Init(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "configuration file")

	root.AddCommand(c.runCmd(), c.serveCmd(), c.cellsCmd(), c.coverageCmd())
	return root
}

func (c *cli) runCmd() *cobra.Command {
	var (
		regions     []string
		resolutions []int
		workers     int
		mode        string
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute density for every configured region and resolution.",
		Long: `run computes one job per region and resolution. Jobs whose output already
exists are skipped unless --force is given. A failing job is logged and does
not stop the others; run exits non-zero if any job failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("region") {
				c.cfg.Regions = regions
			}
			if flags.Changed("resolution") {
				c.cfg.Resolutions = resolutions
			}
			if flags.Changed("workers") {
				c.cfg.Parallelism.Workers = workers
			}
			if flags.Changed("mode") {
				c.cfg.Parallelism.Mode = mode
			}
			if flags.Changed("force") {
				c.cfg.Checkpoint.Force = force
			}
			if err := c.cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			sinks, closeSinks, err := openSinks(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer closeSinks()

			e := engine.New(c.cfg, sinks...)
			jobs := e.Jobs()
			if len(jobs) == 0 {
				return fmt.Errorf("no jobs: set regions and resolutions")
			}

			failed := 0
			for _, out := range e.RunAll(ctx, jobs) {
				if out.Status == engine.StatusFailed {
					failed++
				}
			}
			logging.Info().Int("jobs", len(jobs)).Int("failed", failed).Msg("run finished")
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&regions, "region", nil, "region keys to process (overrides config)")
	flags.IntSliceVar(&resolutions, "resolution", nil, "H3 resolutions to process (overrides config)")
	flags.IntVar(&workers, "workers", 0, "worker count; 0 uses NumCPU-1")
	flags.StringVar(&mode, "mode", config.ModeChunks, "parallelism mode: chunks or jobs")
	flags.BoolVar(&force, "force", false, "recompute jobs that already have output")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the density API over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sinks, closeSinks, err := openSinks(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer closeSinks()

			srv := newServer(c.cfg, engine.New(c.cfg, sinks...))
			return srv.ListenAndServe(ctx)
		},
	}
}

func (c *cli) cellsCmd() *cobra.Command {
	var resolution int
	cmd := &cobra.Command{
		Use:   "cells BOUNDARY",
		Short: "Print the hexagon ids covering a GeoJSON boundary.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.readBoundary(args[0])
			if err != nil {
				return err
			}
			ids, err := hexgrid.Generate(b, resolution)
			if err != nil {
				return err
			}
			return writeJSON(cmd, ids)
		},
	}
	cmd.Flags().IntVar(&resolution, "resolution", 7, "H3 resolution")
	return cmd
}

func (c *cli) coverageCmd() *cobra.Command {
	var resolution int
	cmd := &cobra.Command{
		Use:   "coverage BOUNDARY",
		Short: "Check that the generated grid covers a GeoJSON boundary.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.readBoundary(args[0])
			if err != nil {
				return err
			}
			ids, err := hexgrid.Generate(b, resolution)
			if err != nil {
				return err
			}
			report, err := handlers.CheckCoverage(b, ids)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
			if !report.Covered {
				return fmt.Errorf("grid leaves %.3g of the boundary uncovered", report.UncoveredFraction)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&resolution, "resolution", 7, "H3 resolution")
	return cmd
}

func (c *cli) readBoundary(path string) (boundary.Boundary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return boundary.Boundary{}, err
	}
	return boundary.Normalize(data, boundary.Options{MultiPolygon: c.cfg.Boundary.MultiPolygon})
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// openSinks connects the optional external stores. The returned func closes
// whatever was opened.
func openSinks(ctx context.Context, cfg *config.Config) ([]store.Sink, func(), error) {
	var (
		sinks   []store.Sink
		closers []func(context.Context) error
	)
	closeAll := func() {
		for _, fn := range closers {
			if err := fn(context.Background()); err != nil {
				logging.Warn().Err(err).Msg("closing sink")
			}
		}
	}

	if cfg.Mongo.Enabled {
		s, err := store.NewMongoSink(ctx, store.MongoOptions{
			URI:          cfg.Mongo.URI,
			Database:     cfg.Mongo.Database,
			Collection:   cfg.Mongo.Collection,
			BatchCeiling: cfg.Mongo.BatchCeiling,
		})
		if err != nil {
			return nil, func() {}, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}

	if cfg.Postgres.Enabled {
		s, err := store.NewPostgresSink(ctx, store.PostgresOptions{
			DSN:          cfg.Postgres.DSN,
			Table:        cfg.Postgres.Table,
			BatchCeiling: cfg.Postgres.BatchCeiling,
		})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}

	return sinks, closeAll, nil
}
