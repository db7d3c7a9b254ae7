package cli

import (
	"fmt"
	"os"

	"github.com/agentium/sandboxsup/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Operate ephemeral code-execution sandboxes",
	Long: `sandboxctl hosts the in-sandbox Supervisor and the asynchronous Image
Builder for ephemeral code-execution sandboxes.

  sandboxctl supervise   runs as PID 1 inside a sandbox: bootstraps the
                         workspace, launches the agent server and bridge,
                         and restarts them under a bounded backoff policy.

  sandboxctl build       provisions a one-shot build sandbox, waits for it
                         to finish, captures a snapshot, and reports the
                         outcome to a callback URL.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set version for --version flag
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sandboxctl.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName("sandboxctl")
	}

	viper.SetEnvPrefix("SANDBOXCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
