package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Supervisor.AgentPort != 4096 {
		t.Errorf("AgentPort = %d, want 4096", cfg.Supervisor.AgentPort)
	}
	if cfg.Supervisor.SetupTimeoutSeconds != 300 {
		t.Errorf("SetupTimeoutSeconds = %d, want 300", cfg.Supervisor.SetupTimeoutSeconds)
	}
	if cfg.Supervisor.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want 5", cfg.Supervisor.MaxRestarts)
	}
	if cfg.Callback.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Callback.MaxRetries)
	}
	if cfg.Callback.BackoffBaseSeconds != 2 {
		t.Errorf("BackoffBaseSeconds = %d, want 2", cfg.Callback.BackoffBaseSeconds)
	}
}

func TestApplyDefaults_PreservesOverrides(t *testing.T) {
	cfg := &Config{Supervisor: SupervisorDefaults{AgentPort: 9000, MaxRestarts: 1}}
	applyDefaults(cfg)

	if cfg.Supervisor.AgentPort != 9000 {
		t.Errorf("AgentPort overridden: %d, want 9000", cfg.Supervisor.AgentPort)
	}
	if cfg.Supervisor.MaxRestarts != 1 {
		t.Errorf("MaxRestarts overridden: %d, want 1", cfg.Supervisor.MaxRestarts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "defaults are valid",
			cfg: func() Config {
				c := Config{}
				applyDefaults(&c)
				return c
			}(),
			wantErr: false,
		},
		{
			name:    "bad port",
			cfg:     Config{Supervisor: SupervisorDefaults{AgentPort: -1, HealthCheckTimeout: "30s", HealthCheckTimeoutLocal: "60s"}, Callback: CallbackDefaults{MaxRetries: 3}},
			wantErr: true,
		},
		{
			name:    "bad health check timeout",
			cfg:     Config{Supervisor: SupervisorDefaults{AgentPort: 4096, HealthCheckTimeout: "not-a-duration", HealthCheckTimeoutLocal: "60s"}, Callback: CallbackDefaults{MaxRetries: 3}},
			wantErr: true,
		},
		{
			name:    "zero retries",
			cfg:     Config{Supervisor: SupervisorDefaults{AgentPort: 4096, HealthCheckTimeout: "30s", HealthCheckTimeoutLocal: "60s"}, Callback: CallbackDefaults{MaxRetries: 0}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxctl.yaml")

	if err := WriteFile(Default(), path, false); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}

	var got Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling written file: %v", err)
	}
	if got.Supervisor.AgentPort != 4096 {
		t.Errorf("AgentPort = %d, want 4096", got.Supervisor.AgentPort)
	}
	if got.Callback.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", got.Callback.MaxRetries)
	}
}

func TestWriteFile_RefusesToOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxctl.yaml")
	if err := WriteFile(Default(), path, false); err != nil {
		t.Fatalf("initial WriteFile() error: %v", err)
	}

	if err := WriteFile(Default(), path, false); err == nil {
		t.Error("expected WriteFile() to refuse overwriting an existing file without force")
	}
	if err := WriteFile(Default(), path, true); err != nil {
		t.Errorf("WriteFile() with force = %v, want nil", err)
	}
}
