// Package workspace prepares the git working copy the agent operates
// against: cloning or verifying it, authenticating the remote, rebasing
// onto the latest upstream branch, configuring commit identity, and running
// the repository's own setup hook.
package workspace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Logger is the subset of cloudlog.Logger the preparer needs.
type Logger interface {
	LogInfo(message string)
	LogWarning(message string)
	LogError(message string)
}

// GitIdentity is the optional commit identity configured in the workspace.
type GitIdentity struct {
	Name  string
	Email string
}

// Config describes one preparation run.
type Config struct {
	Dir            string // workspace directory
	RepoOwner      string
	RepoName       string
	Branch         string
	AccessToken    string // repo access token; empty disables authenticated clone/fetch
	GitIdentity    *GitIdentity
	SetupTimeout   time.Duration
	LocalMount     bool // true when the workspace is pre-mounted rather than cloned
}

// Result reports what happened during preparation, for the Supervisor to
// log; none of these fields being unset is fatal except LocalMount missing
// .git.
type Result struct {
	HeadSHA      string
	CloneSkipped bool
	SetupRan     bool
	SetupOutput  string
}

// Prepare runs the Workspace Preparer operations in order. For the
// local-mount variant, it only verifies that <Dir>/.git exists and returns
// an error if it does not — that failure is fatal to startup. For the cloned
// variant, every step past the existence check is best-effort: failures are
// logged and preparation continues so the operator can triage.
func Prepare(ctx context.Context, cfg Config, log Logger) (Result, error) {
	if cfg.LocalMount {
		return prepareLocalMount(cfg)
	}
	return prepareClone(ctx, cfg, log)
}

func prepareLocalMount(cfg Config) (Result, error) {
	gitDir := filepath.Join(cfg.Dir, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return Result{}, fmt.Errorf("workspace: local mount missing .git at %s: %w", gitDir, err)
	}
	sha, _ := revParseHead(context.Background(), cfg.Dir)
	return Result{HeadSHA: sha}, nil
}

func prepareClone(ctx context.Context, cfg Config, log Logger) (Result, error) {
	var result Result

	if _, err := os.Stat(filepath.Join(cfg.Dir, ".git")); os.IsNotExist(err) {
		if cfg.RepoOwner != "" && cfg.RepoName != "" {
			if err := cloneRepo(ctx, cfg); err != nil {
				log.LogWarning(fmt.Sprintf("clone failed, continuing: %v", err))
			}
		} else {
			result.CloneSkipped = true
			log.LogInfo("no repo configured, skipping clone")
		}
	} else {
		if cfg.AccessToken != "" {
			if err := authenticateRemote(ctx, cfg); err != nil {
				log.LogWarning(fmt.Sprintf("failed to authenticate remote: %v", err))
			}
		}
		if err := fetchAndRebase(ctx, cfg); err != nil {
			log.LogWarning(fmt.Sprintf("fetch/rebase failed, continuing: %v", err))
		}
	}

	if sha, err := revParseHead(ctx, cfg.Dir); err != nil {
		log.LogWarning(fmt.Sprintf("failed to read HEAD: %v", err))
	} else {
		result.HeadSHA = sha
		log.LogInfo(fmt.Sprintf("workspace HEAD is %s", sha))
	}

	if cfg.GitIdentity != nil {
		if err := configureIdentity(ctx, cfg); err != nil {
			log.LogWarning(fmt.Sprintf("failed to configure git identity: %v", err))
		}
	}

	setupRan, output, err := runSetupHook(ctx, cfg)
	result.SetupRan = setupRan
	result.SetupOutput = output
	if err != nil {
		log.LogWarning(fmt.Sprintf("setup hook failed: %v", err))
	}

	return result, nil
}

func authenticatedURL(owner, name, token string) string {
	url := fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
	if token == "" {
		return url
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, name)
}

func cloneRepo(ctx context.Context, cfg Config) error {
	url := authenticatedURL(cfg.RepoOwner, cfg.RepoName, cfg.AccessToken)
	args := []string{"clone", "--depth", "1"}
	if cfg.Branch != "" {
		args = append(args, "--branch", cfg.Branch)
	}
	args = append(args, url, cfg.Dir)
	return runGit(ctx, "", args...)
}

func authenticateRemote(ctx context.Context, cfg Config) error {
	url := authenticatedURL(cfg.RepoOwner, cfg.RepoName, cfg.AccessToken)
	return runGit(ctx, cfg.Dir, "remote", "set-url", "origin", url)
}

func fetchAndRebase(ctx context.Context, cfg Config) error {
	if err := runGit(ctx, cfg.Dir, "fetch", "origin"); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	rebaseErr := runGit(ctx, cfg.Dir, "rebase", "origin/"+branch)
	if rebaseErr == nil {
		return nil
	}

	if rebaseInProgress(cfg.Dir) {
		_ = runGit(ctx, cfg.Dir, "rebase", "--abort")
	}
	return fmt.Errorf("rebase: %w", rebaseErr)
}

func rebaseInProgress(dir string) bool {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(dir, ".git", name)); err == nil {
			return true
		}
	}
	return false
}

func revParseHead(ctx context.Context, dir string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func configureIdentity(ctx context.Context, cfg Config) error {
	if err := runGit(ctx, cfg.Dir, "config", "--local", "user.name", cfg.GitIdentity.Name); err != nil {
		return fmt.Errorf("user.name: %w", err)
	}
	if err := runGit(ctx, cfg.Dir, "config", "--local", "user.email", cfg.GitIdentity.Email); err != nil {
		return fmt.Errorf("user.email: %w", err)
	}
	return nil
}

const setupHookPath = ".openinspect/setup.sh"
const maxSetupOutputLines = 50

// runSetupHook runs the repository's setup.sh under bash with a bounded
// timeout, capturing the last maxSetupOutputLines lines of merged output if
// it times out or fails.
func runSetupHook(ctx context.Context, cfg Config) (ran bool, output string, err error) {
	hookPath := filepath.Join(cfg.Dir, setupHookPath)
	if _, statErr := os.Stat(hookPath); statErr != nil {
		return false, "", nil
	}

	timeout := cfg.SetupTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", setupHookPath)
	cmd.Dir = cfg.Dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	tail := lastLines(buf.String(), maxSetupOutputLines)

	if runCtx.Err() == context.DeadlineExceeded {
		return true, tail, fmt.Errorf("setup hook timed out after %s", timeout)
	}
	if runErr != nil {
		return true, tail, fmt.Errorf("setup hook failed: %w", runErr)
	}
	return true, tail, nil
}

func lastLines(s string, n int) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
