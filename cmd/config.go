package cmd

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wooks1998/simplessd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

// newWorkloadSource derives the workload generator from the configured seed,
// offset so it never correlates with the FTL's own generator.
func newWorkloadSource(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed + 1231))
}
