package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wooks1998/simplessd/internal/config"
	"github.com/wooks1998/simplessd/internal/dram"
	"github.com/wooks1998/simplessd/internal/ftl"
	"github.com/wooks1998/simplessd/internal/pal"
	"github.com/wooks1998/simplessd/internal/sim"
	"github.com/wooks1998/simplessd/internal/types"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a warmup plus synthetic workload and report statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation()
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd, configCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runSimulation() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	runID := uuid.New()
	logger := newLogger().With(slog.String("run_id", runID.String()))

	engine := sim.NewEngine()
	param := cfg.Parameter()

	mapping, err := ftl.NewPageMapping(cfg, param, pal.New(cfg, param), dram.New(cfg), engine, logger)
	if err != nil {
		return err
	}

	logger.Info("initializing",
		slog.Uint64("physical_blocks", uint64(param.TotalPhysicalBlocks)),
		slog.Uint64("logical_pages", param.TotalLogicalPages()))

	if err := mapping.Initialize(); err != nil {
		return err
	}

	logger.Info("running workload",
		slog.Uint64("requests", cfg.Workload.RequestCount),
		slog.Float64("write_ratio", cfg.Workload.WriteRatio))

	workloadRng := newWorkloadSource(cfg.RandomSeed)
	totalLogicalPages := param.TotalLogicalPages()

	var tick uint64
	req := types.NewRequest(param.IOUnitInPage)
	req.IOFlag.SetAll()

	for i := uint64(0); i < cfg.Workload.RequestCount; i++ {
		req.LPN = uint64(workloadRng.Int63n(int64(totalLogicalPages)))
		if workloadRng.Float64() < cfg.Workload.WriteRatio {
			req.Op = types.OpWrite
		} else {
			req.Op = types.OpRead
		}

		if err := mapping.Dispatch(req, &tick); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}

		engine.RunUntil(tick)
	}

	logger.Info("workload finished", slog.Uint64("final_tick", tick))

	return renderStats(mapping.Stats())
}

func renderStats(entries []ftl.StatEntry) error {
	switch outputFormat {
	case "yaml":
		out, err := yaml.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to render stats: %w", err)
		}
		fmt.Print(string(out))
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVALUE\tDESCRIPTION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%g\t%s\n", e.Name, e.Value, e.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	return nil
}
