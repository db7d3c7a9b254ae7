package builder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentium/sandboxsup/internal/callback"
	"github.com/agentium/sandboxsup/internal/cloudlog"
	"github.com/agentium/sandboxsup/internal/sandbox"
)

func testLog() cloudlog.Logger {
	return cloudlog.NewFallbackLogger(discardWriter{}, "test")
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeHandle struct {
	returnCode  int
	waitErr     error
	headSHA     string
	execErr     error
	snapshot    sandbox.Image
	snapshotErr error
	closed      bool
}

func (h *fakeHandle) Wait(ctx context.Context) error { return h.waitErr }
func (h *fakeHandle) ReturnCode() int                { return h.returnCode }
func (h *fakeHandle) Exec(ctx context.Context, argv ...string) (string, error) {
	if h.execErr != nil {
		return "", h.execErr
	}
	return h.headSHA, nil
}
func (h *fakeHandle) SnapshotFilesystem(ctx context.Context) (sandbox.Image, error) {
	if h.snapshotErr != nil {
		return sandbox.Image{}, h.snapshotErr
	}
	return h.snapshot, nil
}
func (h *fakeHandle) Close(ctx context.Context) error { h.closed = true; return nil }

type fakeProvider struct {
	handle *fakeHandle
	err    error
}

func (p *fakeProvider) CreateBuildSandbox(ctx context.Context, owner, name, branch, token string) (sandbox.Handle, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.handle, nil
}

func noopSleep(time.Duration) {}

func TestBuild_Success_DeliversSuccessCallbackOnly(t *testing.T) {
	var successCalls, failureCalls int32
	var deliveredBody SuccessOutcome

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/builds/b-1/build-complete":
			atomic.AddInt32(&successCalls, 1)
			_ = json.NewDecoder(r.Body).Decode(&deliveredBody)
			if r.Header.Get("Authorization") == "" {
				t.Error("expected Authorization header on success callback")
			}
			w.WriteHeader(http.StatusOK)
		case "/builds/b-1/build-failed":
			atomic.AddInt32(&failureCalls, 1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	handle := &fakeHandle{
		returnCode: 0,
		headSHA:    "abc123",
		snapshot:   sandbox.Image{ObjectID: "img-xyz"},
	}
	provider := &fakeProvider{handle: handle}

	var tick int
	times := []time.Time{time.Unix(0, 0), time.Unix(42, 350_000_000)}
	now := func() time.Time {
		t := times[tick]
		if tick < len(times)-1 {
			tick++
		}
		return t
	}

	cb := callback.New(callback.WithSleepFunc(noopSleep))
	b := New(provider, cb, nil, testLog(), WithNowFunc(now))

	req := BuildRequest{
		BuildID:       "b-1",
		RepoOwner:     "acme",
		RepoName:      "widget",
		DefaultBranch: "main",
		CallbackURL:   srv.URL + "/builds/b-1/build-complete",
	}

	b.Build(context.Background(), req)

	if successCalls != 1 {
		t.Errorf("success callback called %d times, want 1", successCalls)
	}
	if failureCalls != 0 {
		t.Errorf("failure callback called %d times, want 0", failureCalls)
	}
	if deliveredBody.ProviderImageID != "img-xyz" {
		t.Errorf("ProviderImageID = %q, want img-xyz", deliveredBody.ProviderImageID)
	}
	if deliveredBody.BaseSHA != "abc123" {
		t.Errorf("BaseSHA = %q, want abc123", deliveredBody.BaseSHA)
	}
	if deliveredBody.BuildDurationSeconds != 42.35 {
		t.Errorf("BuildDurationSeconds = %v, want 42.35", deliveredBody.BuildDurationSeconds)
	}
	if !handle.closed {
		t.Error("expected build sandbox handle to be closed")
	}
}

func TestBuild_SandboxNonZeroExit_DeliversFailureOnly(t *testing.T) {
	var successCalls, failureCalls int32
	var deliveredBody FailureOutcome

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/builds/b-1/build-complete":
			atomic.AddInt32(&successCalls, 1)
		case "/builds/b-1/build-failed":
			atomic.AddInt32(&failureCalls, 1)
			_ = json.NewDecoder(r.Body).Decode(&deliveredBody)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	handle := &fakeHandle{returnCode: 7}
	provider := &fakeProvider{handle: handle}

	cb := callback.New(callback.WithSleepFunc(noopSleep))
	b := New(provider, cb, nil, testLog())

	req := BuildRequest{
		BuildID:     "b-1",
		CallbackURL: srv.URL + "/builds/b-1/build-complete",
	}
	b.Build(context.Background(), req)

	if successCalls != 0 {
		t.Errorf("success callback called %d times, want 0", successCalls)
	}
	if failureCalls != 1 {
		t.Errorf("failure callback called %d times, want 1", failureCalls)
	}
	wantErr := "Build sandbox exited with code 7"
	if deliveredBody.Error != wantErr {
		t.Errorf("Error = %q, want %q", deliveredBody.Error, wantErr)
	}
	if !handle.closed {
		t.Error("expected build sandbox handle to be closed even on failure")
	}
}

func TestBuild_CallbackRetriesThenSucceeds(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	handle := &fakeHandle{returnCode: 7}
	provider := &fakeProvider{handle: handle}

	cb := callback.New(callback.WithSleepFunc(noopSleep))
	b := New(provider, cb, nil, testLog())

	req := BuildRequest{
		BuildID:     "b-1",
		CallbackURL: srv.URL + "/builds/b-1/build-complete",
	}
	b.Build(context.Background(), req)

	if attempts != 3 {
		t.Errorf("callback attempts = %d, want 3", attempts)
	}
}

func TestBuild_MissingBuildID_NoCallback(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	handle := &fakeHandle{returnCode: 0, snapshot: sandbox.Image{ObjectID: "img"}}
	provider := &fakeProvider{handle: handle}
	cb := callback.New(callback.WithSleepFunc(noopSleep))
	b := New(provider, cb, nil, testLog())

	b.Build(context.Background(), BuildRequest{CallbackURL: srv.URL + "/build-complete"})

	if called != 0 {
		t.Errorf("callback called %d times for an invalid request, want 0", called)
	}
}

func TestFailureCallbackURL_ReplacesSuffix(t *testing.T) {
	got := failureCallbackURL("https://cp/builds/b-1/build-complete")
	want := "https://cp/builds/b-1/build-failed"
	if got != want {
		t.Errorf("failureCallbackURL() = %q, want %q", got, want)
	}
}

func TestRound2(t *testing.T) {
	cases := map[float64]float64{
		42.341: 42.34,
		42.346: 42.35,
		1.0:    1.0,
	}
	for in, want := range cases {
		if got := round2(in); got != want {
			t.Errorf("round2(%v) = %v, want %v", in, got, want)
		}
	}
}
