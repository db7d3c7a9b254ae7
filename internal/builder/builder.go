// Package builder implements the asynchronous Image Builder: it provisions
// a one-shot build sandbox, awaits its termination, captures a filesystem
// snapshot, and reports the outcome to the caller over an authenticated
// HTTPS callback with bounded retries.
package builder

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentium/sandboxsup/internal/callback"
	"github.com/agentium/sandboxsup/internal/cloudlog"
	"github.com/agentium/sandboxsup/internal/sandbox"
	"github.com/agentium/sandboxsup/internal/tokenissuer"
)

// Credentials describes how the Builder obtains a repository clone token:
// either a pre-issued token, or the triple used to mint one from a GitHub
// App installation. A missing token is non-fatal — public repos still work.
type Credentials struct {
	AccessToken    string
	AppID          string
	PrivateKeyPEM  []byte
	InstallationID int64
}

// HasAppCredentials reports whether the app-credential triple is usable to
// mint a fresh installation token.
func (c Credentials) HasAppCredentials() bool {
	return c.AppID != "" && len(c.PrivateKeyPEM) > 0 && c.InstallationID > 0
}

// BuildRequest is one invocation of the Image Builder.
type BuildRequest struct {
	BuildID       string // required, non-empty
	RepoOwner     string
	RepoName      string
	DefaultBranch string
	CallbackURL   string
	EnvOverrides  map[string]string
	Credentials   Credentials
}

// SuccessOutcome is the payload delivered to CallbackURL when the build
// sandbox exits cleanly and a snapshot is captured.
type SuccessOutcome struct {
	BuildID              string  `json:"build_id"`
	ProviderImageID      string  `json:"provider_image_id"`
	BaseSHA              string  `json:"base_sha"`
	BuildDurationSeconds float64 `json:"build_duration_seconds"`
}

// FailureOutcome is the payload delivered to the failure callback URL
// (CallbackURL with its "/build-complete" suffix replaced by
// "/build-failed") when any step of the build raises.
type FailureOutcome struct {
	BuildID string `json:"build_id"`
	Error   string `json:"error"`
}

// Builder runs the Image Builder lifecycle for one BuildRequest at a time.
// Builders are independent top-level tasks; a caller spawns one per
// invocation with no shared state between them.
type Builder struct {
	provider sandbox.Provider
	cb       *callback.Client
	issuer   tokenissuer.Issuer
	log      cloudlog.Logger

	internalTokenSecret string
	now                 func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithNowFunc overrides the clock used for build-duration measurement
// (tests substitute a deterministic sequence).
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Builder) { b.now = fn }
}

// WithInternalTokenSecret sets the HMAC secret used to mint per-callback
// bearer tokens via the Token Issuer's internal-token method.
func WithInternalTokenSecret(secret string) Option {
	return func(b *Builder) { b.internalTokenSecret = secret }
}

// New creates a Builder. provider creates and drives build sandboxes; cb
// delivers the outcome callback with bounded retry; issuer mints both the
// repo clone token and the per-attempt callback bearer token.
func New(provider sandbox.Provider, cb *callback.Client, issuer tokenissuer.Issuer, log cloudlog.Logger, opts ...Option) *Builder {
	b := &Builder{
		provider: provider,
		cb:       cb,
		issuer:   issuer,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs the full Image Builder flow for req and fires exactly one of
// the success/failure callbacks: success iff the snapshot step returned an
// image id, failure iff any prior step raised. Build never returns an error
// to its caller; every failure is routed to the failure callback instead.
func (b *Builder) Build(ctx context.Context, req BuildRequest) {
	if req.BuildID == "" {
		b.log.LogError("builder: BuildRequest.BuildID must be non-empty")
		return
	}

	start := b.now()
	b.log.LogInfo(fmt.Sprintf("build.start %s", req.BuildID))

	outcome, err := b.execute(ctx, req, start)
	if err != nil {
		b.log.LogError(fmt.Sprintf("build.failed %s: %v", req.BuildID, err))
		b.deliverFailure(ctx, req, err)
		return
	}

	b.log.LogInfo(fmt.Sprintf("build.success %s image=%s duration=%.2fs", req.BuildID, outcome.ProviderImageID, outcome.BuildDurationSeconds))
	b.deliverSuccess(ctx, req, outcome)
}

// execute drives the sandbox from provisioning through snapshot capture.
// Any error here routes the caller to the failure callback; nothing past
// this function runs on error.
func (b *Builder) execute(ctx context.Context, req BuildRequest, start time.Time) (SuccessOutcome, error) {
	cloneToken := b.resolveCloneToken(req.Credentials)

	handle, err := b.provider.CreateBuildSandbox(ctx, req.RepoOwner, req.RepoName, req.DefaultBranch, cloneToken)
	if err != nil {
		return SuccessOutcome{}, fmt.Errorf("create build sandbox: %w", err)
	}
	defer func() { _ = handle.Close(ctx) }()

	if err := handle.Wait(ctx); err != nil {
		return SuccessOutcome{}, fmt.Errorf("wait for build sandbox: %w", err)
	}
	if code := handle.ReturnCode(); code != 0 {
		return SuccessOutcome{}, fmt.Errorf("Build sandbox exited with code %d", code)
	}

	baseSHA, err := handle.Exec(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		// Observability only: failure here is non-fatal to the build.
		b.log.LogWarning(fmt.Sprintf("failed to read HEAD in build sandbox: %v", err))
		baseSHA = ""
	}

	image, err := handle.SnapshotFilesystem(ctx)
	if err != nil {
		return SuccessOutcome{}, fmt.Errorf("snapshot filesystem: %w", err)
	}

	return SuccessOutcome{
		BuildID:              req.BuildID,
		ProviderImageID:      image.ObjectID,
		BaseSHA:              baseSHA,
		BuildDurationSeconds: round2(b.now().Sub(start).Seconds()),
	}, nil
}

// resolveCloneToken mints a repo-access token from app credentials if no
// pre-issued token was supplied. Minting failure is non-fatal; public
// repositories still clone without a token.
func (b *Builder) resolveCloneToken(creds Credentials) string {
	if creds.AccessToken != "" {
		return creds.AccessToken
	}
	if b.issuer == nil || !creds.HasAppCredentials() {
		return ""
	}
	token, err := b.issuer.GenerateInstallationToken(creds.AppID, creds.PrivateKeyPEM, creds.InstallationID)
	if err != nil {
		b.log.LogWarning(fmt.Sprintf("failed to mint clone token: %v", err))
		return ""
	}
	return token
}

func (b *Builder) deliverSuccess(ctx context.Context, req BuildRequest, outcome SuccessOutcome) {
	if req.CallbackURL == "" {
		return
	}
	if !b.cb.Deliver(ctx, req.CallbackURL, outcome, b.mintCallbackToken) {
		b.log.LogError(fmt.Sprintf("build.callback_failed %s (success callback)", req.BuildID))
	}
}

func (b *Builder) deliverFailure(ctx context.Context, req BuildRequest, buildErr error) {
	if req.CallbackURL == "" {
		return
	}
	url := failureCallbackURL(req.CallbackURL)
	payload := FailureOutcome{BuildID: req.BuildID, Error: buildErr.Error()}
	if !b.cb.Deliver(ctx, url, payload, b.mintCallbackToken) {
		b.log.LogError(fmt.Sprintf("build.callback_failed %s (failure callback)", req.BuildID))
	}
}

func (b *Builder) mintCallbackToken() (string, error) {
	if b.issuer == nil {
		return "", nil
	}
	return b.issuer.GenerateInternalToken(b.internalTokenSecret)
}

// failureCallbackURL synthesizes the failure callback URL by replacing the
// success URL's "/build-complete" suffix with "/build-failed".
func failureCallbackURL(callbackURL string) string {
	return strings.Replace(callbackURL, "/build-complete", "/build-failed", 1)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
