package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/tumido/insights-smokerun/pkg/prober"
	"github.com/tumido/insights-smokerun/pkg/types"
)

const (
	PoolBackendLease = "lease"
	PoolBackendRedis = "redis"

	WorkerKindPod   = "pod"
	WorkerKindLocal = "local"
)

const (
	defaultArtifactDir           = "artifacts"
	defaultAcquireTimeoutSeconds = 1800
	defaultSlotTTLSeconds        = 7200
	defaultPodTimeoutSeconds     = 300
	defaultDeployTimeoutSeconds  = 1800
	defaultTestTimeoutSeconds    = 3600
	defaultDeployPackage         = "ocdeployer"
	defaultBuilderTemplateDir    = "buildfactory"
	defaultSecretsSrcProject     = "secrets"
	defaultSmokeLabel            = "smoke-test=true"
	defaultRunnerPackage         = "iqe-integration-tests"
	defaultCorePlugin            = "iqe-red-hat-internal-envs-plugin"
	defaultTargetEnv             = "smoke"
	defaultPushgatewayJob        = "insights-smokerun"
)

// Config is the single file handed to the CLI. One file describes one smoke
// test job: which change to test is supplied separately per invocation.
type Config struct {
	Run          types.RunParameters `json:"run"`
	UpstreamRepo string              `json:"upstreamRepo"`
	Kubeconfig   string              `json:"kubeconfig,omitempty"`
	ArtifactDir  string              `json:"artifactDirectory,omitempty"`
	Pool         PoolConfig          `json:"pool"`
	Worker       WorkerConfig        `json:"worker"`
	Deploy       DeployConfig        `json:"deploy,omitempty"`
	IQE          IQEConfig           `json:"iqe,omitempty"`
	Readiness    []prober.Probe      `json:"readinessProbes,omitempty"`
	Sinks        SinksConfig         `json:"sinks,omitempty"`
}

// PoolConfig names the finite set of projects smoke runs may reserve and the
// backend that serializes access to them.
type PoolConfig struct {
	Name                  string   `json:"name"`
	Backend               string   `json:"backend,omitempty"` // default lease
	Projects              []string `json:"projects"`
	LeaseNamespace        string   `json:"leaseNamespace,omitempty"`
	RedisAddress          string   `json:"redisAddress,omitempty"`
	RedisDB               int      `json:"redisDB,omitempty"`
	AcquireTimeoutSeconds int      `json:"acquireTimeoutSeconds,omitempty"` // default 1800
	SlotTTLSeconds        int      `json:"slotTTLSeconds,omitempty"`        // default 7200
}

type WorkerConfig struct {
	Kind              string `json:"kind,omitempty"` // default pod
	Image             string `json:"image,omitempty"`
	WorkDir           string `json:"workDirectory,omitempty"`
	PreserveWorkDir   bool   `json:"preserveWorkDirectory,omitempty"`
	ImagesDir         string `json:"imagesDirectory,omitempty"`
	RegistriesFile    string `json:"registriesFile,omitempty"`
	DockerConfigFile  string `json:"dockerConfigFile,omitempty"`
	PodTimeoutSeconds int    `json:"podTimeoutSeconds,omitempty"` // default 300
}

type DeployConfig struct {
	Package            string `json:"package,omitempty"`            // default ocdeployer
	PipIndexURL        string `json:"pipIndexUrl,omitempty"`        // default PyPI
	BuilderTemplateDir string `json:"builderTemplateDir,omitempty"` // default buildfactory
	SecretsSrcProject  string `json:"secretsSrcProject,omitempty"`  // default secrets
	Label              string `json:"label,omitempty"`              // default smoke-test=true
	TimeoutSeconds     int    `json:"timeoutSeconds,omitempty"`     // default 1800
}

type IQEConfig struct {
	RunnerPackage  string `json:"runnerPackage,omitempty"` // default iqe-integration-tests
	CorePlugin     string `json:"corePlugin,omitempty"`    // default iqe-red-hat-internal-envs-plugin
	PipIndexURL    string `json:"pipIndexUrl,omitempty"`
	TargetEnv      string `json:"targetEnv,omitempty"`      // default smoke
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"` // default 3600
}

// SinksConfig lists the optional run-record destinations. All of them are
// best-effort at run end and never change the run's terminal status.
type SinksConfig struct {
	ObjectStore *ObjectStoreSink `json:"objectStore,omitempty"`
	Postgres    *PostgresSink    `json:"postgres,omitempty"`
	AMQP        *AMQPSink        `json:"amqp,omitempty"`
	Pushgateway *PushgatewaySink `json:"pushgateway,omitempty"`
}

// carryCredentials reports whether any configured sink embeds a secret in
// the configuration file itself.
func (s SinksConfig) carryCredentials() bool {
	if s.ObjectStore != nil && s.ObjectStore.SecretKey != "" {
		return true
	}
	if s.Postgres != nil {
		return true
	}
	if s.AMQP != nil && strings.Contains(s.AMQP.URL, "@") {
		return true
	}
	return false
}

type ObjectStoreSink struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	UseSSL    bool   `json:"useSSL,omitempty"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
}

type PostgresSink struct {
	DSN string `json:"dsn"`
}

type AMQPSink struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routingKey,omitempty"`
}

type PushgatewaySink struct {
	URL string `json:"url"`
	Job string `json:"job,omitempty"` // default insights-smokerun
}

// Parse decodes the file at path into result, selecting the decoder by file
// extension.
func Parse(path string, result interface{}) error {
	if path == "" {
		return fmt.Errorf("empty file passed")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file %s: %w", path, err)
	}
	defer f.Close()

	file := filepath.Base(path)
	switch {
	case strings.Contains(file, ".json"):
		return json.NewDecoder(f).Decode(result)
	case strings.Contains(file, ".yaml"), strings.Contains(file, ".yml"):
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(b, result)
	default:
		return fmt.Errorf("file %s was not a JSON or YAML file", file)
	}
}

// Load parses, defaults and validates a job configuration. Configurations
// that embed sink credentials must be private to the invoking user.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := Parse(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	if cfg.Sinks.carryCredentials() {
		if err := ensurePrivate(path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.ArtifactDir == "" {
		c.ArtifactDir = defaultArtifactDir
	}
	if c.Pool.Backend == "" {
		c.Pool.Backend = PoolBackendLease
	}
	if c.Pool.AcquireTimeoutSeconds == 0 {
		c.Pool.AcquireTimeoutSeconds = defaultAcquireTimeoutSeconds
	}
	if c.Pool.SlotTTLSeconds == 0 {
		c.Pool.SlotTTLSeconds = defaultSlotTTLSeconds
	}
	if c.Worker.Kind == "" {
		c.Worker.Kind = WorkerKindPod
	}
	if c.Worker.PodTimeoutSeconds == 0 {
		c.Worker.PodTimeoutSeconds = defaultPodTimeoutSeconds
	}
	if c.Deploy.Package == "" {
		c.Deploy.Package = defaultDeployPackage
	}
	if c.Deploy.BuilderTemplateDir == "" {
		c.Deploy.BuilderTemplateDir = defaultBuilderTemplateDir
	}
	if c.Deploy.SecretsSrcProject == "" {
		c.Deploy.SecretsSrcProject = defaultSecretsSrcProject
	}
	if c.Deploy.Label == "" {
		c.Deploy.Label = defaultSmokeLabel
	}
	if c.Deploy.TimeoutSeconds == 0 {
		c.Deploy.TimeoutSeconds = defaultDeployTimeoutSeconds
	}
	if c.IQE.RunnerPackage == "" {
		c.IQE.RunnerPackage = defaultRunnerPackage
	}
	if c.IQE.CorePlugin == "" {
		c.IQE.CorePlugin = defaultCorePlugin
	}
	if c.IQE.TargetEnv == "" {
		c.IQE.TargetEnv = defaultTargetEnv
	}
	if c.IQE.TimeoutSeconds == 0 {
		c.IQE.TimeoutSeconds = defaultTestTimeoutSeconds
	}
	if c.Sinks.Pushgateway != nil && c.Sinks.Pushgateway.Job == "" {
		c.Sinks.Pushgateway.Job = defaultPushgatewayJob
	}
}

func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if c.UpstreamRepo == "" {
		return fmt.Errorf("upstreamRepo must be set")
	}
	if c.Pool.Name == "" {
		return fmt.Errorf("pool name must be set")
	}
	if len(c.Pool.Projects) == 0 {
		return fmt.Errorf("pool %s has no projects", c.Pool.Name)
	}
	switch c.Pool.Backend {
	case PoolBackendLease:
		if c.Pool.LeaseNamespace == "" {
			return fmt.Errorf("pool backend %s requires leaseNamespace", PoolBackendLease)
		}
	case PoolBackendRedis:
		if c.Pool.RedisAddress == "" {
			return fmt.Errorf("pool backend %s requires redisAddress", PoolBackendRedis)
		}
	default:
		return fmt.Errorf("pool backend %s is not %s or %s", c.Pool.Backend, PoolBackendLease, PoolBackendRedis)
	}
	switch c.Worker.Kind {
	case WorkerKindPod:
		if c.Worker.Image == "" {
			return fmt.Errorf("worker kind %s requires an image", WorkerKindPod)
		}
	case WorkerKindLocal:
	default:
		return fmt.Errorf("worker kind %s is not %s or %s", c.Worker.Kind, WorkerKindPod, WorkerKindLocal)
	}
	for i, probe := range c.Readiness {
		if probe.HTTPGetAction.URL == "" {
			return fmt.Errorf("readiness probe %d (%s) has no url", i, probe.Name)
		}
	}
	if s := c.Sinks.ObjectStore; s != nil {
		if s.Endpoint == "" || s.Bucket == "" {
			return fmt.Errorf("objectStore sink requires endpoint and bucket")
		}
	}
	if s := c.Sinks.Postgres; s != nil && s.DSN == "" {
		return fmt.Errorf("postgres sink requires dsn")
	}
	if s := c.Sinks.AMQP; s != nil && s.URL == "" {
		return fmt.Errorf("amqp sink requires url")
	}
	if s := c.Sinks.Pushgateway; s != nil && s.URL == "" {
		return fmt.Errorf("pushgateway sink requires url")
	}
	return nil
}
