// Package sandbox implements the Sandbox Provider interface consumed by
// the Image Builder: creating an isolated build environment, waiting for
// it to finish, running commands inside it, and capturing a filesystem
// snapshot. The reference implementation drives the Docker CLI.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Image is an opaque, provider-side filesystem snapshot.
type Image struct {
	ObjectID string
}

// Handle is a running or exited build sandbox.
type Handle interface {
	// Wait blocks until the sandbox's entrypoint process exits.
	Wait(ctx context.Context) error
	// ReturnCode reports the exit code observed after Wait returns.
	ReturnCode() int
	// Exec runs argv inside the sandbox and returns its standard output.
	Exec(ctx context.Context, argv ...string) (string, error)
	// SnapshotFilesystem captures the sandbox's current filesystem state.
	SnapshotFilesystem(ctx context.Context) (Image, error)
	// Close releases any resources held by the handle (the container itself).
	Close(ctx context.Context) error
}

// Provider creates build sandboxes.
type Provider interface {
	CreateBuildSandbox(ctx context.Context, repoOwner, repoName, defaultBranch, cloneToken string) (Handle, error)
}

// CmdFunc builds the *exec.Cmd used to talk to the provider backend.
// Injected so tests can substitute a fake docker binary.
type CmdFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultCmdFunc(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// DockerProvider creates build sandboxes as detached Docker containers
// ("docker run -d --entrypoint bash") whose main process clones the
// repository and runs .openinspect/build.sh; Exec goes through "docker exec".
type DockerProvider struct {
	image  string
	cmdFn  CmdFunc
}

// NewDockerProvider creates a Provider backed by the Docker CLI. image is
// the build-sandbox container image.
func NewDockerProvider(image string, cmdFn CmdFunc) *DockerProvider {
	if cmdFn == nil {
		cmdFn = defaultCmdFunc
	}
	return &DockerProvider{image: image, cmdFn: cmdFn}
}

func (p *DockerProvider) CreateBuildSandbox(ctx context.Context, repoOwner, repoName, defaultBranch, cloneToken string) (Handle, error) {
	cloneURL := fmt.Sprintf("https://github.com/%s/%s.git", repoOwner, repoName)
	if cloneToken != "" {
		cloneURL = fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", cloneToken, repoOwner, repoName)
	}

	entrypointCmd := fmt.Sprintf(
		"git clone --depth 1 --branch %s %s /workspace && cd /workspace && bash /workspace/.openinspect/build.sh",
		shellQuote(defaultBranch), shellQuote(cloneURL),
	)

	args := []string{
		"run", "-d",
		"--entrypoint", "bash",
		p.image, "-c", entrypointCmd,
	}

	cmd := p.cmdFn(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sandbox: docker run: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	containerID := strings.TrimSpace(stdout.String())
	if containerID == "" {
		return nil, fmt.Errorf("sandbox: docker run returned empty container ID")
	}

	return &dockerHandle{containerID: containerID, cmdFn: p.cmdFn, returnCode: -1}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type dockerHandle struct {
	containerID string
	cmdFn       CmdFunc
	returnCode  int
}

func (h *dockerHandle) Wait(ctx context.Context) error {
	cmd := h.cmdFn(ctx, "docker", "wait", h.containerID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox: docker wait: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	code, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil {
		return fmt.Errorf("sandbox: parsing docker wait exit code: %w", err)
	}
	h.returnCode = code
	return nil
}

func (h *dockerHandle) ReturnCode() int {
	return h.returnCode
}

func (h *dockerHandle) Exec(ctx context.Context, argv ...string) (string, error) {
	args := append([]string{"exec", h.containerID}, argv...)
	cmd := h.cmdFn(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sandbox: docker exec %v: %w (%s)", argv, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (h *dockerHandle) SnapshotFilesystem(ctx context.Context) (Image, error) {
	tag := fmt.Sprintf("build-snapshot-%s-%d", h.containerID[:12], time.Now().UnixNano())
	cmd := h.cmdFn(ctx, "docker", "commit", h.containerID, tag)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Image{}, fmt.Errorf("sandbox: docker commit: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	objectID := strings.TrimSpace(stdout.String())
	if objectID == "" {
		objectID = tag
	}
	return Image{ObjectID: objectID}, nil
}

func (h *dockerHandle) Close(ctx context.Context) error {
	cmd := h.cmdFn(ctx, "docker", "rm", "-f", h.containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox: docker rm: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

var _ Provider = (*DockerProvider)(nil)
var _ Handle = (*dockerHandle)(nil)
