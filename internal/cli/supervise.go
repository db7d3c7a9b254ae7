package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentium/sandboxsup/internal/cloudlog"
	"github.com/agentium/sandboxsup/internal/config"
	"github.com/agentium/sandboxsup/internal/idgen"
	"github.com/agentium/sandboxsup/internal/procrunner"
	"github.com/agentium/sandboxsup/internal/secrets"
	"github.com/agentium/sandboxsup/internal/supervisor"
	"github.com/agentium/sandboxsup/internal/tokenissuer"
	"github.com/spf13/cobra"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run as PID 1 inside a sandbox",
	Long: `supervise bootstraps the sandbox workspace, launches the agent server
and the bridge, monitors their health, restarts them under a bounded
backoff policy, and shuts down gracefully on SIGTERM/SIGINT.

Per-sandbox configuration is read once from the environment (SANDBOX_ID,
SESSION_ID, CONTROL_PLANE_URL, REPO_OWNER, REPO_NAME, BRANCH, ...). Of the
operator defaults in sandboxctl.yaml, only supervisor.agent_port is applied
(in place of the default agent port); the timeout and restart fields are
validated but the Supervisor uses its built-in values for them.`,
	RunE: runSupervise,
}

func init() {
	rootCmd.AddCommand(superviseCmd)

	superviseCmd.Flags().String("workspace", "/workspace", "workspace directory")
	superviseCmd.Flags().Bool("local-mount", false, "treat the workspace as pre-mounted rather than cloned")
	superviseCmd.Flags().String("agent-binary", "opencode", "agent server executable")
	superviseCmd.Flags().StringSlice("agent-args", nil, "arguments forwarded to the agent executable")
	superviseCmd.Flags().String("bridge-binary", "sandbox-bridge", "bridge executable")
	superviseCmd.Flags().StringSlice("bridge-args", nil, "arguments forwarded to the bridge executable")
	superviseCmd.Flags().String("plugin-source", "", "path to the plugin script installed into .opencode/tool/")
	superviseCmd.Flags().String("global-modules", "", "global node_modules directory symlinked into .opencode/")
}

func runSupervise(cmd *cobra.Command, args []string) error {
	defaults, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading operator config: %w", err)
	}
	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("invalid operator config: %w", err)
	}

	cfg := supervisor.LoadConfigFromEnv()
	if cfg.AgentPort == supervisor.DefaultAgentPort && defaults.Supervisor.AgentPort != 0 {
		cfg.AgentPort = defaults.Supervisor.AgentPort
	}
	if cfg.SandboxID == "" {
		cfg.SandboxID = idgen.NewSandboxID()
	}

	cfg.WorkspaceDir, _ = cmd.Flags().GetString("workspace")
	cfg.LocalMount, _ = cmd.Flags().GetBool("local-mount")
	cfg.AgentBinary, _ = cmd.Flags().GetString("agent-binary")
	cfg.AgentArgs, _ = cmd.Flags().GetStringSlice("agent-args")
	cfg.BridgeBinary, _ = cmd.Flags().GetString("bridge-binary")
	cfg.BridgeArgs, _ = cmd.Flags().GetStringSlice("bridge-args")
	cfg.PluginSourcePath, _ = cmd.Flags().GetString("plugin-source")
	cfg.GlobalModulesDir, _ = cmd.Flags().GetString("global-modules")

	procrunner.Redactor = cloudlog.Redact

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cloudlog.New(ctx, cfg.SandboxID, cloudlog.WithLabels(map[string]string{"component": "supervisor"}))
	defer func() { _ = logger.Close() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var secretFetcher supervisor.SecretFetcher
	if sm, err := secrets.NewSecretManagerClient(ctx); err != nil {
		logger.LogWarning(fmt.Sprintf("Secret Manager unavailable, private keys must be inline PEM: %v", err))
	} else {
		defer func() { _ = sm.Close() }()
		secretFetcher = sm
	}

	sv := supervisor.New(cfg, logger, supervisor.WithDeps(supervisor.Deps{
		Issuer:        tokenissuer.New(),
		SecretFetcher: secretFetcher,
	}), supervisor.WithSignalChannel(sigCh))

	return sv.Run(ctx)
}
