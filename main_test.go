package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/tumido/insights-smokerun/pkg/config"
	"github.com/tumido/insights-smokerun/pkg/smoke"
)

const validConfig = `upstreamRepo: https://github.com/redhatinsights/insights-puptoo
run:
  ocDeployerBuilderPath: buildfactory/puptoo
  ocDeployerComponentPath: puptoo
  ocDeployerServiceSets: puptoo,platform
  pytestMarker: puptoo_smoke
pool:
  name: puptoo
  projects:
    - puptoo-smoke-1
    - puptoo-smoke-2
  leaseNamespace: smoke-locks
worker:
  image: quay.io/cloudservices/iqe-tests:latest
`

func TestValidateConfig(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "smokerun-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	tests := []struct {
		name          string
		setupFunc     func() (string, error)
		expectError   bool
		errorContains string
	}{
		{
			name: "valid config",
			setupFunc: func() (string, error) {
				configFile := filepath.Join(tmpDir, "valid-config.yaml")
				if err := os.WriteFile(configFile, []byte(validConfig), 0o600); err != nil {
					return "", err
				}
				return configFile, nil
			},
			expectError: false,
		},
		{
			name: "config file not found",
			setupFunc: func() (string, error) {
				return filepath.Join(tmpDir, "nonexistent.yaml"), nil
			},
			expectError:   true,
			errorContains: "configuration file not found",
		},
		{
			name: "missing upstream repository",
			setupFunc: func() (string, error) {
				configFile := filepath.Join(tmpDir, "no-upstream.yaml")
				configContent := strings.Replace(validConfig, "upstreamRepo: https://github.com/redhatinsights/insights-puptoo\n", "", 1)
				if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
					return "", err
				}
				return configFile, nil
			},
			expectError:   true,
			errorContains: "upstreamRepo must be set",
		},
		{
			name: "missing test marker",
			setupFunc: func() (string, error) {
				configFile := filepath.Join(tmpDir, "no-marker.yaml")
				configContent := strings.Replace(validConfig, "  pytestMarker: puptoo_smoke\n", "", 1)
				if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
					return "", err
				}
				return configFile, nil
			},
			expectError:   true,
			errorContains: "pytestMarker is required",
		},
		{
			name: "unknown pool backend",
			setupFunc: func() (string, error) {
				configFile := filepath.Join(tmpDir, "bad-backend.yaml")
				configContent := strings.Replace(validConfig, "  leaseNamespace: smoke-locks\n", "  leaseNamespace: smoke-locks\n  backend: zookeeper\n", 1)
				if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
					return "", err
				}
				return configFile, nil
			},
			expectError:   true,
			errorContains: "is not lease or redis",
		},
		{
			name: "pod worker without image",
			setupFunc: func() (string, error) {
				configFile := filepath.Join(tmpDir, "no-image.yaml")
				configContent := strings.Replace(validConfig, "worker:\n  image: quay.io/cloudservices/iqe-tests:latest\n", "worker:\n  kind: pod\n", 1)
				if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
					return "", err
				}
				return configFile, nil
			},
			expectError:   true,
			errorContains: "requires an image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile, err := tt.setupFunc()
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}

			app := &cli.App{
				Commands: []*cli.Command{
					{
						Name:   "validate-config",
						Action: validateConfig,
					},
				},
			}

			args := []string{"test", "validate-config", configFile}
			err = app.Run(args)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error containing %q, got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}

	t.Run("configuration file not specified", func(t *testing.T) {
		app := &cli.App{
			Commands: []*cli.Command{
				{
					Name:   "validate-config",
					Action: validateConfig,
				},
			},
		}

		err := app.Run([]string{"test", "validate-config"})
		if err == nil {
			t.Errorf("Expected error but got none")
		} else if !strings.Contains(err.Error(), "configuration file not specified") {
			t.Errorf("Expected error containing %q, got: %v", "configuration file not specified", err)
		}
	})
}

func TestWipeRequiresProject(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "smokerun-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(validConfig), 0o600); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	app := &cli.App{
		Commands: []*cli.Command{
			{
				Name: "wipe",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}},
				},
				Action: wipeProject,
			},
		},
	}

	err = app.Run([]string{"test", "wipe", "--config", configFile})
	if err == nil {
		t.Errorf("Expected error but got none")
	} else if !strings.Contains(err.Error(), "project name not specified") {
		t.Errorf("Expected error containing %q, got: %v", "project name not specified", err)
	}
}

func loadAndBuild(configFile string) (*smoke.Orchestrator, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	orch, cleanup, err := buildOrchestrator(context.Background(), cfg, "42")
	if err != nil {
		return nil, err
	}
	cleanup()
	return orch, nil
}

func TestBuildOrchestratorLocalWorkerRedisPool(t *testing.T) {
	// The one backend combination that needs no cluster and no credentials.
	tmpDir, err := os.MkdirTemp("", "smokerun-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `upstreamRepo: https://github.com/redhatinsights/insights-puptoo
artifactDirectory: ` + filepath.Join(tmpDir, "artifacts") + `
run:
  ocDeployerBuilderPath: buildfactory/puptoo
  ocDeployerComponentPath: puptoo
  ocDeployerServiceSets: puptoo,platform
  pytestMarker: puptoo_smoke
pool:
  name: puptoo
  backend: redis
  redisAddress: 127.0.0.1:6379
  projects:
    - puptoo-smoke-1
worker:
  kind: local
`
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	orch, err := loadAndBuild(configFile)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if orch.Pool == nil || orch.Workers == nil || orch.Resolver == nil || orch.Deployer == nil || orch.Tests == nil || orch.Store == nil {
		t.Errorf("Expected a fully wired orchestrator, got %+v", orch)
	}
	if orch.Collector != nil {
		t.Errorf("Expected no log collector without a kubeconfig")
	}
	if len(orch.Sinks) != 0 {
		t.Errorf("Expected no sinks, got %d", len(orch.Sinks))
	}
}

func TestBuildOrchestratorLeasePoolNeedsKubeconfig(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "smokerun-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := strings.Replace(validConfig, "worker:\n  image: quay.io/cloudservices/iqe-tests:latest\n", "artifactDirectory: "+filepath.Join(tmpDir, "artifacts")+"\nworker:\n  kind: local\n", 1)
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	_, err = loadAndBuild(configFile)
	if err == nil {
		t.Errorf("Expected error but got none")
	} else if !strings.Contains(err.Error(), "requires a kubeconfig") {
		t.Errorf("Expected error containing %q, got: %v", "requires a kubeconfig", err)
	}
}
