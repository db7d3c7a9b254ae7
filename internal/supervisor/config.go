// Package supervisor implements the in-sandbox Supervisor (PID 1): the
// multi-phase startup state machine, the restart-with-backoff monitoring
// loop, and signal-driven graceful shutdown.
package supervisor

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultAgentPort is used when AGENT_PORT is unset.
	DefaultAgentPort = 4096
	// DefaultSetupTimeout bounds the workspace setup hook when
	// SETUP_TIMEOUT_SECONDS is unset.
	DefaultSetupTimeout = 300 * time.Second

	// HealthCheckTimeoutRemote is the agent health-probe deadline when the
	// workspace is cloned fresh.
	HealthCheckTimeoutRemote = 30 * time.Second
	// HealthCheckTimeoutLocal is the agent health-probe deadline when the
	// workspace is a pre-mounted local directory.
	HealthCheckTimeoutLocal = 60 * time.Second

	// MaxRestarts is the maximum number of restart attempts tolerated for
	// either child before the Supervisor gives up and shuts down.
	MaxRestarts = 5
	// BackoffBase is the exponential backoff base in seconds for restart
	// delays.
	BackoffBase = 2
	// BackoffMax caps the restart backoff delay.
	BackoffMax = 60 * time.Second

	// BridgeTerminateTimeout bounds graceful bridge shutdown before a kill.
	BridgeTerminateTimeout = 5 * time.Second
	// AgentTerminateTimeout bounds graceful agent shutdown before a kill.
	AgentTerminateTimeout = 10 * time.Second
	// FatalReportTimeout bounds the best-effort fatal-error POST.
	FatalReportTimeout = 5 * time.Second

	// MonitorInterval is the monitoring loop's poll period.
	MonitorInterval = 1 * time.Second
)

// GitIdentity is the optional commit identity the Workspace Preparer
// configures in the cloned repository.
type GitIdentity struct {
	Name  string
	Email string
}

// Credentials describes how the Supervisor obtains a repository access
// token: either a pre-issued token, or the triple used to mint one from a
// GitHub App installation.
type Credentials struct {
	AccessToken    string // pre-issued token; takes precedence if set
	AppID          string
	PrivateKeyPEM  []byte
	InstallationID int64
}

// HasAppCredentials reports whether the app-credential triple is usable to
// mint a fresh installation token.
func (c Credentials) HasAppCredentials() bool {
	return c.AppID != "" && len(c.PrivateKeyPEM) > 0 && c.InstallationID > 0
}

// Config is the Supervisor's immutable configuration, populated from the
// environment once at process start into a constructed struct. It is never
// re-read from the environment.
type Config struct {
	SandboxID        string
	SessionID        string
	ControlPlaneURL  string // empty disables bridge and fatal-error reporting
	SandboxAuthToken string

	RepoOwner string
	RepoName  string
	Branch    string

	Provider string
	Model    string

	GitIdentity *GitIdentity
	Credentials Credentials

	AgentPort    int
	SetupTimeout time.Duration

	WorkspaceDir string
	LocalMount   bool // true when the workspace is pre-mounted

	// AgentBinary/AgentArgs and BridgeBinary/BridgeArgs name the black-box
	// child executables; their wire protocols are out of scope here.
	AgentBinary  string
	AgentArgs    []string
	BridgeBinary string
	BridgeArgs   []string

	// PluginSourcePath is the on-disk plugin script copied into
	// <workspace>/.opencode/tool/ before the agent starts.
	PluginSourcePath string
	// GlobalModulesDir, if non-empty and existing, is symlinked in as
	// <workspace>/.opencode/node_modules so the agent resolves plugin
	// imports without an install step at startup.
	GlobalModulesDir string
}

// HealthCheckTimeout returns the phase-appropriate agent health-probe
// deadline.
func (c Config) HealthCheckTimeout() time.Duration {
	if c.LocalMount {
		return HealthCheckTimeoutLocal
	}
	return HealthCheckTimeoutRemote
}

// BridgeEnabled reports whether P5 BridgeStart should run: both a control
// plane URL and a session ID must be present.
func (c Config) BridgeEnabled() bool {
	return c.ControlPlaneURL != "" && c.SessionID != ""
}

// LoadConfigFromEnv parses Config from the process environment. Absent
// optional values degrade gracefully; callers that
// need defaults for AgentBinary/BridgeBinary/PluginSourcePath/WorkspaceDir
// should set them after LoadConfigFromEnv returns, since those are
// deployment-specific rather than part of the per-sandbox env contract.
func LoadConfigFromEnv() Config {
	cfg := Config{
		SandboxID:        os.Getenv("SANDBOX_ID"),
		SessionID:        os.Getenv("SESSION_ID"),
		ControlPlaneURL:  os.Getenv("CONTROL_PLANE_URL"),
		SandboxAuthToken: os.Getenv("SANDBOX_AUTH_TOKEN"),
		RepoOwner:        os.Getenv("REPO_OWNER"),
		RepoName:         os.Getenv("REPO_NAME"),
		Branch:           os.Getenv("BRANCH"),
		Provider:         os.Getenv("PROVIDER"),
		Model:            os.Getenv("MODEL"),
		AgentPort:        DefaultAgentPort,
		SetupTimeout:     DefaultSetupTimeout,
	}

	if name, email := os.Getenv("GIT_USER_NAME"), os.Getenv("GIT_USER_EMAIL"); name != "" && email != "" {
		cfg.GitIdentity = &GitIdentity{Name: name, Email: email}
	}

	if token := os.Getenv("GITHUB_APP_TOKEN"); token != "" {
		cfg.Credentials.AccessToken = token
	} else {
		cfg.Credentials.AppID = os.Getenv("GITHUB_APP_ID")
		cfg.Credentials.PrivateKeyPEM = []byte(os.Getenv("GITHUB_APP_PRIVATE_KEY"))
		if instID := os.Getenv("GITHUB_APP_INSTALLATION_ID"); instID != "" {
			if v, err := strconv.ParseInt(instID, 10, 64); err == nil {
				cfg.Credentials.InstallationID = v
			}
		}
	}

	if port := os.Getenv("AGENT_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil && v > 0 {
			cfg.AgentPort = v
		}
	}

	if timeout := os.Getenv("SETUP_TIMEOUT_SECONDS"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil && v > 0 {
			cfg.SetupTimeout = time.Duration(v) * time.Second
		}
	}

	return cfg
}
