package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

///////////////////////////////////////////////////////////////////////////////

var (
	configPath     string
	inputRoot      string
	outputRoot     string
	checkpointRoot string
)

func main() {
	cobra.OnInitialize()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults applied for anything omitted)")
	rootCmd.PersistentFlags().StringVar(&inputRoot, "input-root", "./data/input", "Root directory containing <symbol>/{trades,book_snapshots,book_deltas}")
	rootCmd.PersistentFlags().StringVar(&outputRoot, "output-root", "./data/output", "Root directory for the unified output event stream")
	rootCmd.PersistentFlags().StringVar(&checkpointRoot, "checkpoint-root", "./data/checkpoints", "Root directory for checkpoint files")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runSymbol, "symbol", "", "Symbol to reconstruct")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume from the latest verifiable checkpoint")
	runCmd.MarkFlagRequired("symbol")

	rootCmd.AddCommand(superviseCmd)
	superviseCmd.Flags().StringSliceVar(&superviseSymbols, "symbols", nil, "Symbols to supervise, overriding the \"symbols\" list in --config")
	superviseCmd.Flags().BoolVar(&superviseTUI, "tui", true, "Render a live terminal dashboard instead of plain log lines")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyManifest, "manifest", "", "Path to a manifest.json to verify")
	verifyCmd.MarkFlagRequired("manifest")

	requireNoError(rootCmd.Execute())
}

var rootCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "reconstruct replays exchange-local order book snapshots, deltas, and trades into a unified event stream.",
	Long:  "reconstruct replays exchange-local order book snapshots, deltas, and trades into a single chronologically-ordered, gap-repaired event stream for backtesting and RL environments.",
}

func requireNoError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}
