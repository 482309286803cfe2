package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags: output control and the configuration file path
	verbose      bool
	quiet        bool
	outputFormat string
	configPath   string
)

var rootCmd = &cobra.Command{
	Use:   "simplessd",
	Short: "Page-mapping FTL simulator for NAND SSDs",
	Long: `simplessd simulates the page-mapping flash translation layer of an SSD:
logical-to-physical mapping, garbage collection under configurable eviction
policies, wear-leveling, and a Bloom-filter-driven retention refresh engine
that rewrites data before its raw bit error rate exceeds the ECC limit.

Commands:
  simulate    Run a warmup plus synthetic workload and report statistics
  config      Print the effective configuration`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
}
