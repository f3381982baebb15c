package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crftune",
	Short: "Tune dense CRF hyperparameters against a validation set",
	Long: `crftune searches the nine CRF hyperparameters (positional and bilateral
standard deviations and kernel weights) that maximise the mean lesion Dice of
CRF-refined segmentations over a fixed set of validation volumes. Every candidate
is evaluated on all volumes in parallel on a fixed pool of workers.`,
	SilenceUsage: true,
}

// Global flags
var (
	configPath string
	workers    int
	maxTime    string
	logLevel   string
	previewAx  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "crftune.yaml", "Configuration file path")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Worker pool size (overrides config)")
	rootCmd.PersistentFlags().StringVar(&maxTime, "max-time", "", "Optimisation wall-clock budget, e.g. 12h (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&previewAx, "preview-axis", "", "Preview slices: lesion, x, y or z (overrides config)")

	rootCmd.AddCommand(runCmd, scoreCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
