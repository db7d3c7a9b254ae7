package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentium/sandboxsup/internal/builder"
	"github.com/agentium/sandboxsup/internal/callback"
	"github.com/agentium/sandboxsup/internal/cloudlog"
	"github.com/agentium/sandboxsup/internal/idgen"
	"github.com/agentium/sandboxsup/internal/sandbox"
	"github.com/agentium/sandboxsup/internal/tokenissuer"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Provision a one-shot build sandbox and report the outcome",
	Long: `build provisions a build sandbox for a repository, waits for it to
finish, captures a filesystem snapshot, and reports the outcome to a
callback URL with bounded retry. It is invoked by the control plane once
per image build; it does not retry the build itself.`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().String("build-id", "", "build request identifier (generated if omitted)")
	buildCmd.Flags().String("repo-owner", "", "repository owner")
	buildCmd.Flags().String("repo-name", "", "repository name")
	buildCmd.Flags().String("branch", "main", "default branch to build")
	buildCmd.Flags().String("callback-url", "", "success callback URL (.../build-complete)")
	buildCmd.Flags().String("image", "", "build sandbox container image")
	buildCmd.Flags().String("github-app-id", "", "GitHub App ID for minting a clone token")
	buildCmd.Flags().String("github-app-installation-id", "", "GitHub App installation ID")
	buildCmd.Flags().String("github-app-private-key", "", "GitHub App private key (PEM)")
	buildCmd.Flags().String("internal-token-secret", "", "HMAC secret for per-callback bearer tokens")
}

func runBuild(cmd *cobra.Command, args []string) error {
	buildID, _ := cmd.Flags().GetString("build-id")
	if buildID == "" {
		buildID = idgen.NewBuildID()
	}
	repoOwner, _ := cmd.Flags().GetString("repo-owner")
	repoName, _ := cmd.Flags().GetString("repo-name")
	branch, _ := cmd.Flags().GetString("branch")
	callbackURL, _ := cmd.Flags().GetString("callback-url")
	image, _ := cmd.Flags().GetString("image")
	appID, _ := cmd.Flags().GetString("github-app-id")
	installationIDStr, _ := cmd.Flags().GetString("github-app-installation-id")
	privateKey, _ := cmd.Flags().GetString("github-app-private-key")
	internalSecret, _ := cmd.Flags().GetString("internal-token-secret")

	var installationID int64
	if installationIDStr != "" {
		var err error
		installationID, err = strconv.ParseInt(installationIDStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid --github-app-installation-id: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1800*time.Second)
	defer cancel()

	logger := cloudlog.New(ctx, buildID, cloudlog.WithLabels(map[string]string{"component": "builder"}))
	defer func() { _ = logger.Close() }()

	provider := sandbox.NewDockerProvider(image, nil)
	cb := callback.New()
	issuer := tokenissuer.New()

	b := builder.New(provider, cb, issuer, logger, builder.WithInternalTokenSecret(internalSecret))

	req := builder.BuildRequest{
		BuildID:       buildID,
		RepoOwner:     repoOwner,
		RepoName:      repoName,
		DefaultBranch: branch,
		CallbackURL:   callbackURL,
		Credentials: builder.Credentials{
			AppID:          appID,
			PrivateKeyPEM:  []byte(privateKey),
			InstallationID: installationID,
		},
	}

	b.Build(ctx, req)
	return nil
}
