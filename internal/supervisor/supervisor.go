package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentium/sandboxsup/internal/cloudlog"
	"github.com/agentium/sandboxsup/internal/healthprobe"
	"github.com/agentium/sandboxsup/internal/procrunner"
	"github.com/agentium/sandboxsup/internal/tokenissuer"
	"github.com/agentium/sandboxsup/internal/workspace"
)

// SecretFetcher resolves a Secret Manager reference to its payload. Matches
// internal/secrets.SecretFetcher's method shape without importing it, so
// tests can substitute a fake without a real GCP client.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, secretPath string) (string, error)
}

// Deps are the Supervisor's collaborators, overridable in tests.
type Deps struct {
	CmdFunc       procrunner.CmdFunc
	HealthPoll    func(ctx context.Context, url string, deadline time.Duration, shutdown <-chan struct{}) error
	Issuer        tokenissuer.Issuer
	SecretFetcher SecretFetcher
	Sleep         func(time.Duration)
	BackoffWait   func(time.Duration) <-chan time.Time
	HTTPClient    *http.Client
	Stdout        *os.File
}

func defaultDeps() Deps {
	return Deps{
		CmdFunc:     procrunner.DefaultCmdFunc,
		HealthPoll:  healthprobe.Poll,
		Sleep:       time.Sleep,
		BackoffWait: time.After,
		HTTPClient:  &http.Client{Timeout: FatalReportTimeout},
	}
}

// Supervisor orchestrates the startup phase machine, the monitoring loop,
// and graceful shutdown for one sandbox.
type Supervisor struct {
	cfg   Config
	log   cloudlog.Logger
	state *State
	deps  Deps

	signals chan os.Signal
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDeps overrides the Supervisor's collaborators (used by tests).
func WithDeps(d Deps) Option {
	return func(s *Supervisor) {
		if d.CmdFunc != nil {
			s.deps.CmdFunc = d.CmdFunc
		}
		if d.HealthPoll != nil {
			s.deps.HealthPoll = d.HealthPoll
		}
		if d.Issuer != nil {
			s.deps.Issuer = d.Issuer
		}
		if d.SecretFetcher != nil {
			s.deps.SecretFetcher = d.SecretFetcher
		}
		if d.Sleep != nil {
			s.deps.Sleep = d.Sleep
		}
		if d.BackoffWait != nil {
			s.deps.BackoffWait = d.BackoffWait
		}
		if d.HTTPClient != nil {
			s.deps.HTTPClient = d.HTTPClient
		}
		if d.Stdout != nil {
			s.deps.Stdout = d.Stdout
		}
	}
}

// WithSignalChannel overrides the channel the Supervisor reads OS signals
// from (tests send synthetic signals without touching the real process).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(s *Supervisor) { s.signals = ch }
}

// New creates a Supervisor for cfg, logging lifecycle events to log.
func New(cfg Config, log cloudlog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:   cfg,
		log:   log,
		state: NewState(),
		deps:  defaultDeps(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State exposes the Supervisor's runtime state for tests and observability.
func (s *Supervisor) State() *State { return s.state }

// RequestShutdown latches shutdown_requested, observed by the monitor loop,
// the health prober, and any in-flight restart backoff sleep within one
// poll interval.
func (s *Supervisor) RequestShutdown() { s.state.RequestShutdown() }

// Run executes the full Supervisor lifecycle: startup phases, monitoring,
// and shutdown. It never lets an unhandled exception escape: any panic
// during startup or monitoring is recovered, reported fatal, and followed
// by the shutdown sequence. Run returns nil in every case (signal,
// bridge-code-zero, restart exhaustion, fatal startup error, or recovered
// panic); a shutdown that does not complete cleanly is not reported through
// the return value.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	s.log.LogInfo("supervisor.start")

	defer func() {
		if r := recover(); r != nil {
			s.reportFatal(ctx, fmt.Sprintf("panic: %v", r))
		}
		s.shutdown()
		s.state.setPhase(PhaseTerminated)
		s.log.LogInfo("supervisor.shutdown_complete")
	}()

	stopSignals := s.watchSignals(ctx)
	defer stopSignals()

	if startupErr := s.startup(ctx); startupErr != nil {
		s.log.LogError(fmt.Sprintf("startup failed: %v", startupErr))
		s.reportFatal(ctx, startupErr.Error())
		s.state.RequestShutdown()
		return nil
	}

	s.state.setPhase(PhaseMonitoring)
	s.monitor(ctx)

	return nil
}

func (s *Supervisor) watchSignals(ctx context.Context) func() {
	ch := s.signals
	if ch == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			s.log.LogInfo(fmt.Sprintf("supervisor.signal(%s)", sig))
			s.state.RequestShutdown()
		case <-done:
		case <-ctx.Done():
		}
	}()
	return func() { close(done) }
}

// startup runs phases P1-P5 strictly in order.
func (s *Supervisor) startup(ctx context.Context) error {
	if err := s.phaseWorkspaceSync(ctx); err != nil { // P1-P3: workspace sync, identity, setup hook
		return fmt.Errorf("P1 WorkspaceSync: %w", err)
	}

	if err := s.phaseAgentStart(ctx); err != nil {
		return fmt.Errorf("P4 AgentStart: %w", err)
	}

	if err := s.phaseBridgeStart(ctx); err != nil {
		return fmt.Errorf("P5 BridgeStart: %w", err)
	}

	return nil
}

// phaseWorkspaceSync runs the Workspace Preparer. Every failure inside it is
// logged and non-fatal, except the local-mount variant's missing-.git check:
// workspace.Prepare returns a non-nil error only for that case, and it is
// fatal to startup per the Workspace Preparer contract, so it propagates
// here instead of being swallowed. workspace_ready still latches first so
// the Supervisor's own shutdown path observes it regardless of outcome.
func (s *Supervisor) phaseWorkspaceSync(ctx context.Context) error {
	wsCfg := workspace.Config{
		Dir:          s.cfg.WorkspaceDir,
		RepoOwner:    s.cfg.RepoOwner,
		RepoName:     s.cfg.RepoName,
		Branch:       s.cfg.Branch,
		AccessToken:  s.resolveAccessToken(ctx),
		SetupTimeout: s.cfg.SetupTimeout,
		LocalMount:   s.cfg.LocalMount,
	}
	if s.cfg.GitIdentity != nil {
		wsCfg.GitIdentity = &workspace.GitIdentity{
			Name:  s.cfg.GitIdentity.Name,
			Email: s.cfg.GitIdentity.Email,
		}
	}

	result, err := workspace.Prepare(ctx, wsCfg, s.log)
	s.state.workspaceReady.Set()
	if err != nil {
		s.log.LogError(fmt.Sprintf("workspace preparation fatal: %v", err))
		return err
	}
	s.log.LogInfo(fmt.Sprintf("git.sync_complete head=%s", result.HeadSHA))
	return nil
}

// resolveAccessToken returns a pre-issued token if configured, otherwise
// mints one from GitHub App credentials if available, otherwise empty
// (public-repo / detached-sandbox path). Minting failure is non-fatal.
func (s *Supervisor) resolveAccessToken(ctx context.Context) string {
	if s.cfg.Credentials.AccessToken != "" {
		return s.cfg.Credentials.AccessToken
	}
	if s.deps.Issuer == nil || !s.cfg.Credentials.HasAppCredentials() {
		return ""
	}

	privateKey, err := s.resolvePrivateKey(ctx)
	if err != nil {
		s.log.LogWarning(fmt.Sprintf("failed to resolve GitHub App private key: %v", err))
		return ""
	}

	token, err := s.deps.Issuer.GenerateInstallationToken(
		s.cfg.Credentials.AppID, privateKey, s.cfg.Credentials.InstallationID)
	if err != nil {
		s.log.LogWarning(fmt.Sprintf("failed to mint installation token: %v", err))
		return ""
	}
	return token
}

// resolvePrivateKey returns the configured private key material directly,
// unless it names a Secret Manager reference ("projects/.../secrets/...")
// rather than inline PEM, in which case it is fetched through SecretFetcher.
func (s *Supervisor) resolvePrivateKey(ctx context.Context) ([]byte, error) {
	raw := s.cfg.Credentials.PrivateKeyPEM
	if strings.HasPrefix(string(raw), "-----BEGIN") || !strings.HasPrefix(string(raw), "projects/") {
		return raw, nil
	}
	if s.deps.SecretFetcher == nil {
		return nil, fmt.Errorf("private key names a Secret Manager reference but no SecretFetcher is configured")
	}
	pem, err := s.deps.SecretFetcher.FetchSecret(ctx, string(raw))
	if err != nil {
		return nil, err
	}
	return []byte(pem), nil
}

// phaseAgentStart installs plugin assets, spawns the agent, and blocks
// until its health probe succeeds or the deadline elapses.
func (s *Supervisor) phaseAgentStart(ctx context.Context) error {
	if err := installPluginAssets(s.cfg.WorkspaceDir, s.cfg.PluginSourcePath, s.cfg.GlobalModulesDir); err != nil {
		s.log.LogWarning(fmt.Sprintf("plugin asset install failed: %v", err))
	}

	proc, err := s.spawnAgent(ctx)
	if err != nil {
		return err
	}
	s.state.setAgentProc(proc)

	healthURL := fmt.Sprintf("http://localhost:%d/global/health", s.cfg.AgentPort)
	if err := s.deps.HealthPoll(ctx, healthURL, s.cfg.HealthCheckTimeout(), s.state.ShutdownRequested()); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}

	s.state.agentReady.Set()
	s.state.setPhase(PhaseAgentReady)
	s.log.LogInfo("agent.ready")
	return nil
}

func (s *Supervisor) spawnAgent(ctx context.Context) (*procrunner.Process, error) {
	env := s.agentEnv()
	stdout := s.stdout()
	return procrunner.Start(ctx, s.deps.CmdFunc, s.cfg.AgentBinary, s.cfg.AgentArgs, s.cfg.WorkspaceDir, env, "agent", stdout)
}

// agentEnv builds the merged environment forwarded to the agent process,
// merged into the inherited process environment.
func (s *Supervisor) agentEnv() []string {
	agentConfig, _ := json.Marshal(map[string]interface{}{
		"model": fmt.Sprintf("%s/%s", s.cfg.Provider, s.cfg.Model),
		"permission": map[string]interface{}{
			"*": map[string]interface{}{"*": "allow"},
		},
	})
	sessionConfig, _ := json.Marshal(map[string]interface{}{
		"sandbox_id": s.cfg.SandboxID,
		"session_id": s.cfg.SessionID,
		"repo_owner": s.cfg.RepoOwner,
		"repo_name":  s.cfg.RepoName,
		"branch":     s.cfg.Branch,
	})

	env := append(os.Environ(),
		"AGENT_CONFIG_CONTENT="+string(agentConfig),
		"SESSION_CONFIG="+string(sessionConfig),
		"AGENT_CLIENT=serve",
	)
	return env
}

// phaseBridgeStart spawns the bridge if a control plane and session are
// configured, waits 500ms, and classifies an immediate exit.
func (s *Supervisor) phaseBridgeStart(ctx context.Context) error {
	if !s.cfg.BridgeEnabled() {
		s.log.LogInfo("bridge.skipped no control plane configured")
		return nil
	}

	select {
	case <-s.state.AgentReadyDone():
	case <-s.state.ShutdownRequested():
		return fmt.Errorf("shutdown requested before bridge start")
	}

	proc, err := s.spawnBridge(ctx)
	if err != nil {
		return err
	}
	s.state.setBridgeProc(proc)
	s.log.LogInfo("bridge.started")

	s.deps.Sleep(500 * time.Millisecond)

	if code, exited := proc.ExitCode(); exited {
		if code == 0 {
			s.state.RequestShutdown()
			return nil
		}
		return fmt.Errorf("bridge exited immediately with code %d", code)
	}

	s.state.setPhase(PhaseBridgeReady)
	return nil
}

func (s *Supervisor) spawnBridge(ctx context.Context) (*procrunner.Process, error) {
	env := append(os.Environ(),
		"CONTROL_PLANE_URL="+s.cfg.ControlPlaneURL,
		"SANDBOX_AUTH_TOKEN="+s.cfg.SandboxAuthToken,
		"SANDBOX_ID="+s.cfg.SandboxID,
		"SESSION_ID="+s.cfg.SessionID,
	)
	return procrunner.Start(ctx, s.deps.CmdFunc, s.cfg.BridgeBinary, s.cfg.BridgeArgs, s.cfg.WorkspaceDir, env, "bridge", s.stdout())
}

func (s *Supervisor) stdout() *os.File {
	if s.deps.Stdout != nil {
		return s.deps.Stdout
	}
	return os.Stdout
}

// monitor runs the 1Hz restart/graceful-exit loop until shutdown_requested
// is observed.
func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.state.ShutdownRequested():
			return
		case <-ctx.Done():
			s.state.RequestShutdown()
			return
		case <-ticker.C:
			if s.checkAgent(ctx) {
				return
			}
			if s.checkBridge(ctx) {
				return
			}
		}
	}
}

// checkAgent handles the agent branch of the monitor loop. Returns true if
// the Supervisor should stop monitoring (shutdown was requested).
func (s *Supervisor) checkAgent(ctx context.Context) bool {
	proc := s.state.AgentProc()
	if proc == nil {
		return false
	}
	if _, exited := proc.ExitCode(); !exited {
		return false
	}

	restarts := s.state.IncAgentRestarts()
	if restarts > MaxRestarts {
		s.reportFatal(ctx, fmt.Sprintf("Agent crashed %d times, giving up", restarts))
		s.state.RequestShutdown()
		return true
	}

	delay := backoffDelay(restarts)
	s.log.LogWarning(fmt.Sprintf("agent crashed (restart %d), backing off %s", restarts, delay))
	if !s.sleepInterruptible(delay) {
		return true
	}

	s.state.agentReady.Clear()
	if err := s.phaseAgentStart(ctx); err != nil {
		s.log.LogWarning(fmt.Sprintf("agent restart failed: %v", err))
	}
	return false
}

// checkBridge handles the bridge branch of the monitor loop. Returns true
// if the Supervisor should stop monitoring.
func (s *Supervisor) checkBridge(ctx context.Context) bool {
	proc := s.state.BridgeProc()
	if proc == nil {
		return false
	}
	code, exited := proc.ExitCode()
	if !exited {
		return false
	}

	if code == 0 {
		s.log.LogInfo("bridge.graceful_exit")
		s.state.RequestShutdown()
		return true
	}

	restarts := s.state.IncBridgeRestarts()
	if restarts > MaxRestarts {
		s.reportFatal(ctx, fmt.Sprintf("Bridge crashed %d times, giving up", restarts))
		s.state.RequestShutdown()
		return true
	}

	delay := backoffDelay(restarts)
	s.log.LogWarning(fmt.Sprintf("bridge crashed (restart %d), backing off %s", restarts, delay))
	if !s.sleepInterruptible(delay) {
		return true
	}

	newProc, err := s.spawnBridge(ctx)
	if err != nil {
		s.log.LogWarning(fmt.Sprintf("bridge restart failed: %v", err))
		return false
	}
	s.state.setBridgeProc(newProc)
	return false
}

func backoffDelay(restarts int) time.Duration {
	d := time.Duration(1) * time.Second
	for i := 0; i < restarts; i++ {
		d *= BackoffBase
	}
	if d > BackoffMax {
		d = BackoffMax
	}
	return d
}

// sleepInterruptible waits for d (via deps.BackoffWait, real time.After in
// production) but wakes early if shutdown is requested, returning false in
// that case so the caller can bail out within the ≤1s cancellation-latency
// bound. Tests substitute an instant BackoffWait so a MAX_RESTARTS sequence
// of exponential delays doesn't actually take minutes to run.
func (s *Supervisor) sleepInterruptible(d time.Duration) bool {
	select {
	case <-s.deps.BackoffWait(d):
		return true
	case <-s.state.ShutdownRequested():
		return false
	}
}

// shutdown runs the terminate→wait→kill sequence for bridge then agent,
// every child is reaped or killed before Run returns.
func (s *Supervisor) shutdown() {
	s.state.setPhase(PhaseShuttingDown)

	if proc := s.state.BridgeProc(); proc != nil {
		proc.TerminateWaitKill(BridgeTerminateTimeout)
	}
	if proc := s.state.AgentProc(); proc != nil {
		proc.TerminateWaitKill(AgentTerminateTimeout)
	}
}

// reportFatal POSTs a best-effort fatal-error notification to the control
// plane. It is single-attempt and must not itself hang the shutdown path.
func (s *Supervisor) reportFatal(ctx context.Context, message string) {
	message = cloudlog.Redact(message)

	if s.cfg.ControlPlaneURL == "" {
		s.log.LogError(fmt.Sprintf("fatal (no control plane configured): %s", message))
		return
	}

	url := strings.TrimRight(s.cfg.ControlPlaneURL, "/") + "/sandbox/" + s.cfg.SandboxID + "/error"
	body, _ := json.Marshal(map[string]interface{}{
		"error": message,
		"fatal": true,
	})

	reqCtx, cancel := context.WithTimeout(ctx, FatalReportTimeout)
	defer cancel()

	req, err := newFatalRequest(reqCtx, url, body, s.cfg.SandboxAuthToken)
	if err != nil {
		s.log.LogError(fmt.Sprintf("failed to build fatal report request: %v", err))
		return
	}

	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		s.log.LogError(fmt.Sprintf("fatal report delivery failed: %v", err))
		return
	}
	defer resp.Body.Close()
	s.log.LogError(fmt.Sprintf("fatal: %s", message))
}
