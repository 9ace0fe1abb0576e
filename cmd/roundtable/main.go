package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "roundtable",
		Short:        "Simulated jury deliberation for trial arguments",
		Long:         "Runs a panel of simulated jurors through a multi-round discussion of an argument, flags dissent, detects convergence, and turns the transcript into persona insights and attorney takeaways.",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("env-file", ".env", "Optional .env file loaded before the environment is read")
	root.PersistentFlags().String("backend", "", "Generation backend: openrouter, openai, gemini or mock (overrides ROUNDTABLE_BACKEND)")
	root.PersistentFlags().String("model", "", "Default model (overrides ROUNDTABLE_MODEL)")
	root.PersistentFlags().String("api-key", "", "Backend API key (overrides ROUNDTABLE_API_KEY)")
	root.PersistentFlags().String("tuning", "", "Tuning YAML file (overrides ROUNDTABLE_TUNING_FILE)")
	root.PersistentFlags().Int("max-rounds", 0, "Round cap (overrides the tuning file)")
	root.PersistentFlags().String("output-dir", "", "Output directory for results (overrides ROUNDTABLE_OUTPUT_DIR)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides ROUNDTABLE_LOG_LEVEL)")

	root.AddCommand(newSimulateCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSynthesizeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
