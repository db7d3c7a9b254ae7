// Package tokenissuer implements the Token Issuer external interface:
// minting short-lived repository-access credentials from long-lived GitHub
// App credentials, and minting per-callback internal bearer tokens.
//
// Installation-token minting is a thin facade over internal/github's JWT
// generator and token exchanger; it exists so callers (Workspace Preparer,
// Image Builder) depend on a narrow two-method interface instead of the
// GitHub-specific types.
package tokenissuer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agentium/sandboxsup/internal/github"
)

// Issuer is the Token Issuer interface consumed by the Supervisor's
// Workspace Preparer and by the Image Builder.
type Issuer interface {
	// GenerateInstallationToken mints a short-lived repository access token
	// from GitHub App credentials.
	GenerateInstallationToken(appID string, privateKeyPEM []byte, installationID int64) (string, error)

	// GenerateInternalToken mints a bearer token for authenticating to the
	// control plane's callback endpoints. Called fresh on every callback
	// attempt so a retry never reuses a stale token.
	GenerateInternalToken(secret string) (string, error)
}

// GitHubIssuer implements Issuer using GitHub App JWT + installation token
// exchange for repository access, and HMAC-SHA256 signed tokens for
// internal control-plane callbacks. Installation tokens are cached per
// (appID, installationID) through an internal/github.TokenManager so a
// GitHubIssuer reused across multiple mint calls (e.g. a control plane's
// build worker fielding several builds for the same installation) only
// exchanges a fresh JWT once the cached token is within its refresh
// buffer, instead of on every call.
type GitHubIssuer struct {
	exchanger *github.TokenExchanger

	mu       sync.Mutex
	managers map[string]*github.TokenManager
}

// New creates a GitHubIssuer using the default GitHub API base URL.
func New() *GitHubIssuer {
	return &GitHubIssuer{exchanger: github.NewTokenExchanger()}
}

// NewWithExchanger injects a custom TokenExchanger (used in tests to point
// at an httptest server instead of api.github.com).
func NewWithExchanger(exchanger *github.TokenExchanger) *GitHubIssuer {
	return &GitHubIssuer{exchanger: exchanger}
}

// GenerateInstallationToken returns a cached installation token for
// (appID, installationID) if it is still valid, minting and caching a
// fresh one otherwise.
func (i *GitHubIssuer) GenerateInstallationToken(appID string, privateKeyPEM []byte, installationID int64) (string, error) {
	tm, err := i.tokenManager(appID, privateKeyPEM, installationID)
	if err != nil {
		return "", err
	}
	return tm.Token()
}

// tokenManager returns the cached TokenManager for (appID, installationID),
// creating one if this is the first call for that installation.
func (i *GitHubIssuer) tokenManager(appID string, privateKeyPEM []byte, installationID int64) (*github.TokenManager, error) {
	key := fmt.Sprintf("%s:%d", appID, installationID)

	i.mu.Lock()
	defer i.mu.Unlock()

	if tm, ok := i.managers[key]; ok {
		return tm, nil
	}

	tm, err := github.NewTokenManager(appID, installationID, privateKeyPEM, github.WithTokenExchanger(i.exchanger))
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	if i.managers == nil {
		i.managers = make(map[string]*github.TokenManager)
	}
	i.managers[key] = tm

	return tm, nil
}

// GenerateInternalToken mints a bearer token authenticating this process to
// the control plane: a timestamp and an HMAC-SHA256 signature over it,
// keyed by secret. If secret is empty, the timestamp is returned unsigned
// (used in local/detached-sandbox deployments with no control plane).
func (i *GitHubIssuer) GenerateInternalToken(secret string) (string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if secret == "" {
		return ts, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(ts)); err != nil {
		return "", fmt.Errorf("failed to sign internal token: %w", err)
	}

	return ts + "." + hex.EncodeToString(mac.Sum(nil)), nil
}
