package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tumido/insights-smokerun/pkg/artifacts"
	"github.com/tumido/insights-smokerun/pkg/config"
	"github.com/tumido/insights-smokerun/pkg/deployer"
	"github.com/tumido/insights-smokerun/pkg/gitref"
	"github.com/tumido/insights-smokerun/pkg/history"
	"github.com/tumido/insights-smokerun/pkg/image"
	"github.com/tumido/insights-smokerun/pkg/iqe"
	"github.com/tumido/insights-smokerun/pkg/logcollect"
	"github.com/tumido/insights-smokerun/pkg/metrics"
	"github.com/tumido/insights-smokerun/pkg/notify"
	"github.com/tumido/insights-smokerun/pkg/reservation"
	"github.com/tumido/insights-smokerun/pkg/smoke"
	"github.com/tumido/insights-smokerun/pkg/worker"
)

// clients bundles the cluster access handles. Both stay nil when no
// kubeconfig is configured, which is fine for redis pools and local workers.
type clients struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
}

func buildClients(cfg *config.Config) (*clients, error) {
	if cfg.Kubeconfig == "" {
		return &clients{}, nil
	}

	data, err := os.ReadFile(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("error reading kubeconfig %s: %w", cfg.Kubeconfig, err)
	}
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing kubeconfig %s: %w", cfg.Kubeconfig, err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, err
	}
	return &clients{clientset: clientset, restConfig: restConfig}, nil
}

// buildOrchestrator assembles the full run pipeline from the configuration.
// The returned cleanup closes any long-lived sink and pool connections and
// must run after the orchestrator is done.
func buildOrchestrator(ctx context.Context, cfg *config.Config, changeID string) (*smoke.Orchestrator, func(), error) {
	store, err := artifacts.NewStore(cfg.ArtifactDir)
	if err != nil {
		return nil, nil, err
	}

	cl, err := buildClients(cfg)
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pool, poolCloser, err := buildPool(cfg, cl)
	if err != nil {
		return nil, nil, err
	}
	if poolCloser != nil {
		closers = append(closers, poolCloser)
	}

	workers, err := buildWorkers(cfg, cl)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	sinks, sinkClosers, err := buildSinks(ctx, cfg)
	closers = append(closers, sinkClosers...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	orch := &smoke.Orchestrator{
		Pool:     pool,
		Workers:  workers,
		Resolver: &gitref.Resolver{Repo: cfg.UpstreamRepo, ChangeID: changeID},
		Deployer: buildDeployer(cfg),
		Tests: iqe.New(cfg.Run, iqe.Options{
			RunnerPackage: cfg.IQE.RunnerPackage,
			CorePlugin:    cfg.IQE.CorePlugin,
			PipIndexURL:   cfg.IQE.PipIndexURL,
			TargetEnv:     cfg.IQE.TargetEnv,
			Timeout:       time.Duration(cfg.IQE.TimeoutSeconds) * time.Second,
		}, store),
		Probes: cfg.Readiness,
		Store:  store,
		Sinks:  sinks,
	}
	if cl.clientset != nil {
		orch.Collector = logcollect.New(cl.clientset)
	}
	return orch, cleanup, nil
}

func buildPool(cfg *config.Config, cl *clients) (reservation.Pool, func(), error) {
	ttl := time.Duration(cfg.Pool.SlotTTLSeconds) * time.Second
	timeout := time.Duration(cfg.Pool.AcquireTimeoutSeconds) * time.Second

	switch cfg.Pool.Backend {
	case config.PoolBackendLease:
		if cl.clientset == nil {
			return nil, nil, fmt.Errorf("pool backend %s requires a kubeconfig", config.PoolBackendLease)
		}
		return reservation.NewLeasePool(cl.clientset, cfg.Pool.LeaseNamespace, cfg.Pool.Name, cfg.Pool.Projects, ttl, timeout), nil, nil
	case config.PoolBackendRedis:
		pool := reservation.NewRedisPool(cfg.Pool.RedisAddress, cfg.Pool.RedisDB, cfg.Pool.Name, cfg.Pool.Projects, ttl, timeout)
		closer := func() {
			if err := pool.Close(); err != nil {
				logrus.Errorf("error closing redis pool: %v", err)
			}
		}
		return pool, closer, nil
	}
	return nil, nil, fmt.Errorf("pool backend %s is not supported", cfg.Pool.Backend)
}

func buildWorkers(cfg *config.Config, cl *clients) (worker.Provider, error) {
	switch cfg.Worker.Kind {
	case config.WorkerKindPod:
		if cl.clientset == nil || cl.restConfig == nil {
			return nil, fmt.Errorf("worker kind %s requires a kubeconfig", config.WorkerKindPod)
		}
		return &worker.PodProvider{
			Client:  cl.clientset,
			Config:  cl.restConfig,
			Image:   cfg.Worker.Image,
			Timeout: time.Duration(cfg.Worker.PodTimeoutSeconds) * time.Second,
		}, nil
	case config.WorkerKindLocal:
		provider := &worker.LocalProvider{
			WorkDir:  cfg.Worker.WorkDir,
			Preserve: cfg.Worker.PreserveWorkDir,
			Image:    cfg.Worker.Image,
		}
		if cfg.Worker.Image != "" {
			provider.Images = image.NewUtility(cfg.Worker.ImagesDir, cfg.Worker.RegistriesFile, cfg.Worker.DockerConfigFile)
		}
		return provider, nil
	}
	return nil, fmt.Errorf("worker kind %s is not supported", cfg.Worker.Kind)
}

func buildDeployer(cfg *config.Config) *deployer.Driver {
	return deployer.New(cfg.Run, deployer.Options{
		Package:            cfg.Deploy.Package,
		PipIndexURL:        cfg.Deploy.PipIndexURL,
		BuilderTemplateDir: cfg.Deploy.BuilderTemplateDir,
		SecretsSrcProject:  cfg.Deploy.SecretsSrcProject,
		Label:              cfg.Deploy.Label,
		Timeout:            time.Duration(cfg.Deploy.TimeoutSeconds) * time.Second,
	})
}

func buildSinks(ctx context.Context, cfg *config.Config) ([]smoke.Sink, []func(), error) {
	var sinks []smoke.Sink
	var closers []func()

	if s := cfg.Sinks.ObjectStore; s != nil {
		uploader, err := artifacts.NewUploader(s.Endpoint, s.AccessKey, s.SecretKey, s.UseSSL, s.Bucket, s.Prefix)
		if err != nil {
			return nil, closers, err
		}
		sinks = append(sinks, uploader)
	}
	if s := cfg.Sinks.Postgres; s != nil {
		recorder, err := history.Open(ctx, s.DSN)
		if err != nil {
			return nil, closers, err
		}
		sinks = append(sinks, recorder)
		closers = append(closers, recorder.Close)
	}
	if s := cfg.Sinks.AMQP; s != nil {
		sinks = append(sinks, notify.New(s.URL, s.Exchange, s.RoutingKey))
	}
	if s := cfg.Sinks.Pushgateway; s != nil {
		sinks = append(sinks, metrics.New(s.URL, s.Job))
	}
	return sinks, closers, nil
}
