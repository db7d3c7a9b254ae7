// Package cloudlog provides structured logging for the Supervisor and the
// Image Builder, shaped as JSON compatible with GCP Cloud Logging. On a GCP
// VM the Cloud Logging agent tails stderr and parses these entries directly;
// off GCP (local runs, other sandbox providers) it falls back to the same
// JSON shape on stdout.
package cloudlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"cloud.google.com/go/logging"
)

// Severity levels for structured logs, matching GCP Cloud Logging's
// severity enum.
type Severity string

const (
	SeverityDefault  Severity = "DEFAULT"
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// LogEntry is a single structured log line. ComponentID identifies the
// sandbox or build request the entry belongs to (the Supervisor logs under
// its sandbox_id, the Builder under its build request_id).
type LogEntry struct {
	Severity    Severity               `json:"severity"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	ComponentID string                 `json:"component_id"`
	Labels      map[string]string      `json:"labels,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// Logger is the interface consumed by the Supervisor and Image Builder for
// all diagnostic output.
type Logger interface {
	Log(severity Severity, message string, fields map[string]interface{})
	LogInfo(message string)
	LogWarning(message string)
	LogError(message string)
	Flush() error
	Close() error
}

// CloudLogger writes structured JSON to stderr, where the GCP Cloud Logging
// agent picks it up and forwards it with the right severity and labels.
type CloudLogger struct {
	writer      io.Writer
	componentID string
	labels      map[string]string
	mu          sync.Mutex
	closed      bool
	flushFn     func() error
}

// Option configures a CloudLogger (and, through New, the labels of an
// APILogger). FallbackLogger takes no options.
type Option func(*CloudLogger)

// WithLabels merges custom labels into every log entry (e.g. component:
// "supervisor" or component: "builder").
func WithLabels(labels map[string]string) Option {
	return func(cl *CloudLogger) {
		for k, v := range labels {
			cl.labels[k] = v
		}
	}
}

// WithWriter overrides the default stderr writer.
func WithWriter(w io.Writer) Option {
	return func(cl *CloudLogger) {
		cl.writer = w
	}
}

// WithFlushFunc sets a custom flush function for buffered writers.
func WithFlushFunc(fn func() error) Option {
	return func(cl *CloudLogger) {
		cl.flushFn = fn
	}
}

// NewCloudLogger creates a CloudLogger scoped to componentID (a sandbox_id
// or build request_id).
func NewCloudLogger(componentID string, opts ...Option) *CloudLogger {
	cl := &CloudLogger{
		writer:      os.Stderr,
		componentID: componentID,
		labels: map[string]string{
			"component_id": componentID,
		},
	}

	for _, opt := range opts {
		opt(cl)
	}

	return cl
}

// Log writes a structured log entry.
func (cl *CloudLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return
	}

	entry := LogEntry{
		Severity:    severity,
		Message:     message,
		Timestamp:   time.Now().UTC(),
		ComponentID: cl.componentID,
		Labels:      cl.labels,
		Fields:      fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(cl.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(cl.writer, "%s\n", data)
}

func (cl *CloudLogger) LogInfo(message string)    { cl.Log(SeverityInfo, message, nil) }
func (cl *CloudLogger) LogWarning(message string) { cl.Log(SeverityWarning, message, nil) }
func (cl *CloudLogger) LogError(message string)   { cl.Log(SeverityError, message, nil) }

// Flush ensures all buffered logs are written.
func (cl *CloudLogger) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil
	}
	if cl.flushFn != nil {
		return cl.flushFn()
	}
	if syncer, ok := cl.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close flushes remaining logs and marks the logger closed.
func (cl *CloudLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil
	}
	cl.closed = true

	if cl.flushFn != nil {
		return cl.flushFn()
	}
	return nil
}

// FallbackLogger writes the same structured JSON shape to an arbitrary
// writer, for use off GCP where there's no logging agent to parse stderr.
type FallbackLogger struct {
	writer      io.Writer
	componentID string
	labels      map[string]string
	mu          sync.Mutex
}

// NewFallbackLogger creates a logger that writes structured JSON to writer.
func NewFallbackLogger(writer io.Writer, componentID string) *FallbackLogger {
	return &FallbackLogger{
		writer:      writer,
		componentID: componentID,
		labels: map[string]string{
			"component_id": componentID,
		},
	}
}

func (fl *FallbackLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	entry := LogEntry{
		Severity:    severity,
		Message:     message,
		Timestamp:   time.Now().UTC(),
		ComponentID: fl.componentID,
		Labels:      fl.labels,
		Fields:      fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(fl.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(fl.writer, "%s\n", data)
}

func (fl *FallbackLogger) LogInfo(message string)    { fl.Log(SeverityInfo, message, nil) }
func (fl *FallbackLogger) LogWarning(message string) { fl.Log(SeverityWarning, message, nil) }
func (fl *FallbackLogger) LogError(message string)   { fl.Log(SeverityError, message, nil) }
func (fl *FallbackLogger) Flush() error              { return nil }
func (fl *FallbackLogger) Close() error              { return nil }

// New creates the appropriate logger for the environment: an APILogger
// writing directly to Cloud Logging's API when a GCP project is configured
// (GOOGLE_CLOUD_PROJECT/GCP_PROJECT/GCLOUD_PROJECT), a CloudLogger on GCP
// otherwise (detected via the metadata server, for environments that run
// the legacy logging agent), or a FallbackLogger to stdout everywhere else.
func New(ctx context.Context, componentID string, opts ...Option) Logger {
	if projectID := resolveProjectID(); projectID != "" {
		if api, err := NewAPILogger(ctx, projectID, "sandboxsup", componentID, labelsFromOptions(componentID, opts...)); err == nil {
			return api
		}
	}
	if isRunningOnGCP(ctx) {
		return NewCloudLogger(componentID, opts...)
	}
	return NewFallbackLogger(os.Stdout, componentID)
}

func resolveProjectID() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func labelsFromOptions(componentID string, opts ...Option) map[string]string {
	cl := &CloudLogger{labels: map[string]string{"component_id": componentID}}
	for _, opt := range opts {
		opt(cl)
	}
	return cl.labels
}

// APILogger writes structured log entries directly to Cloud Logging via the
// API client, for environments (Cloud Run, Cloud Functions, locally-run
// binaries with application-default credentials) that have no logging
// agent tailing stderr to pick up CloudLogger's plain JSON lines.
type APILogger struct {
	client      *logging.Client
	logger      *logging.Logger
	componentID string
	labels      map[string]string
	mu          sync.Mutex
	closed      bool
}

// NewAPILogger creates a logger that writes entries under logID in the
// given GCP project.
func NewAPILogger(ctx context.Context, projectID, logID, componentID string, labels map[string]string) (*APILogger, error) {
	client, err := logging.NewClient(ctx, "projects/"+projectID)
	if err != nil {
		return nil, fmt.Errorf("creating cloud logging client: %w", err)
	}
	if labels == nil {
		labels = map[string]string{"component_id": componentID}
	}
	return &APILogger{
		client:      client,
		logger:      client.Logger(logID),
		componentID: componentID,
		labels:      labels,
	}, nil
}

// Log writes severity/message/fields as a structured Entry payload.
func (al *APILogger) Log(severity Severity, message string, fields map[string]interface{}) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.closed {
		return
	}

	entry := LogEntry{
		Severity:    severity,
		Message:     message,
		Timestamp:   time.Now().UTC(),
		ComponentID: al.componentID,
		Labels:      al.labels,
		Fields:      fields,
	}
	al.logger.Log(logging.Entry{
		Timestamp: entry.Timestamp,
		Severity:  toAPISeverity(severity),
		Payload:   entry,
		Labels:    al.labels,
	})
}

func (al *APILogger) LogInfo(message string)    { al.Log(SeverityInfo, message, nil) }
func (al *APILogger) LogWarning(message string) { al.Log(SeverityWarning, message, nil) }
func (al *APILogger) LogError(message string)   { al.Log(SeverityError, message, nil) }

// Flush blocks until all buffered entries are sent.
func (al *APILogger) Flush() error {
	return al.logger.Flush()
}

// Close flushes remaining entries and releases the underlying client.
func (al *APILogger) Close() error {
	al.mu.Lock()
	if al.closed {
		al.mu.Unlock()
		return nil
	}
	al.closed = true
	al.mu.Unlock()
	return al.client.Close()
}

func toAPISeverity(s Severity) logging.Severity {
	switch s {
	case SeverityDebug:
		return logging.Debug
	case SeverityInfo:
		return logging.Info
	case SeverityWarning:
		return logging.Warning
	case SeverityError:
		return logging.Error
	case SeverityCritical:
		return logging.Critical
	default:
		return logging.Default
	}
}

var _ Logger = (*APILogger)(nil)

func isRunningOnGCP(ctx context.Context) bool {
	client := &http.Client{Timeout: 1 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

var _ Logger = (*CloudLogger)(nil)
var _ Logger = (*FallbackLogger)(nil)

// secretPatterns matches secret shapes a sandboxed agent or bridge process
// might echo to stdout: GitHub App tokens, bearer tokens, and PEM private
// keys. Checked before every forwarded child log line and every fatal-error
// report body.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[aprsu]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-./+=]{10,}`),
	regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----[\s\S]+?-----END\s+(?:RSA\s+)?PRIVATE\s+KEY-----`),
}

// Redact removes common secret shapes from a string before it is logged.
func Redact(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
