package cli

import (
	"fmt"

	"github.com/agentium/sandboxsup/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold operator configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sandboxctl.yaml scaffolded with the built-in defaults",
	Long: `init writes sandboxctl.yaml in the current directory, populated with
the same operator defaults sandboxctl falls back to when no config file is
present. Of its fields, "sandboxctl supervise" applies only
supervisor.agent_port; the timeout, restart/backoff and callback fields are
written and validated but not read by the supervisor or the builder. None of
them touch the per-sandbox environment contract that internal/supervisor
reads directly.`,
	RunE: runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().String("path", "sandboxctl.yaml", "output path")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")

	if err := config.WriteFile(config.Default(), path, force); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
