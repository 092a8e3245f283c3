package commands

import (
	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom — conversational AI orchestration kernel",
	Long: `Loom routes user messages into per-conversation engines that drive an
LLM loop, dispatch scoped sub-agents over a dependency DAG, and assemble
cache-optimized context under a four-level limit hierarchy.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default ~/.loom)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
