package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tumido/insights-smokerun/pkg/artifacts"
	"github.com/tumido/insights-smokerun/pkg/gitref"
	"github.com/tumido/insights-smokerun/pkg/prober"
	"github.com/tumido/insights-smokerun/pkg/reservation"
	"github.com/tumido/insights-smokerun/pkg/types"
	"github.com/tumido/insights-smokerun/pkg/worker"
)

// callLog records the order phases touched their collaborators in, across
// all fakes of one fixture.
type callLog struct {
	calls []string
}

func (l *callLog) add(name string) {
	l.calls = append(l.calls, name)
}

type fakePool struct {
	log      *callLog
	project  string
	err      error
	acquired int
	released int
}

func (p *fakePool) Acquire(_ context.Context) (*reservation.Token, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	p.log.add("acquire")
	return reservation.NewToken(p.project, "smoke", "test-holder", func(context.Context) error {
		p.released++
		p.log.add("release")
		return nil
	}), nil
}

type fakeResolver struct {
	log *callLog
	ref gitref.Ref
	err error
}

func (r *fakeResolver) Resolve(_ context.Context, _ worker.Worker) (gitref.Ref, error) {
	r.log.add("resolve")
	if r.err != nil {
		return gitref.Ref{}, r.err
	}
	return r.ref, nil
}

type fakeDeployer struct {
	log        *callLog
	wipeErr    error
	toolingErr error
	builderErr error
	compErr    error
	wipes      int
}

func (d *fakeDeployer) InstallTooling(_ context.Context, _ worker.Worker) error {
	d.log.add("install-tooling")
	return d.toolingErr
}

func (d *fakeDeployer) Wipe(_ context.Context, _ worker.Worker, _ string) error {
	d.wipes++
	d.log.add("wipe")
	return d.wipeErr
}

func (d *fakeDeployer) DeployBuilder(_ context.Context, _ worker.Worker, _, refspec string) error {
	d.log.add("deploy-builder " + refspec)
	return d.builderErr
}

func (d *fakeDeployer) DeployComponents(_ context.Context, _ worker.Worker, project string) error {
	d.log.add("deploy-components " + project)
	return d.compErr
}

type fakeRunner struct {
	log        *callLog
	installErr error
	outcome    *types.TestOutcome
	runErr     error
}

func (r *fakeRunner) InstallPlugins(_ context.Context, _ worker.Worker) error {
	r.log.add("install-plugins")
	return r.installErr
}

func (r *fakeRunner) Run(_ context.Context, _ worker.Worker, _ string) (*types.TestOutcome, error) {
	r.log.add("run-tests")
	return r.outcome, r.runErr
}

type fakeCollector struct {
	log *callLog
	err error
}

func (c *fakeCollector) Collect(_ context.Context, _, _ string) error {
	c.log.add("collect")
	return c.err
}

type fakeSink struct {
	name    string
	err     error
	records []*types.RunResult
}

func (s *fakeSink) Name() string {
	return s.name
}

func (s *fakeSink) Record(_ context.Context, result *types.RunResult) error {
	s.records = append(s.records, result)
	return s.err
}

type fixture struct {
	log       *callLog
	pool      *fakePool
	provider  *worker.FakeProvider
	resolver  *fakeResolver
	deployer  *fakeDeployer
	runner    *fakeRunner
	collector *fakeCollector
	sink      *fakeSink
	store     *artifacts.Store
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	log := &callLog{}
	store, err := artifacts.NewStore(t.TempDir())
	assert.NoError(t, err)

	f := &fixture{
		log:      log,
		pool:     &fakePool{log: log, project: "advisor-smoke-1"},
		provider: &worker.FakeProvider{Worker: worker.NewFake()},
		resolver: &fakeResolver{log: log, ref: gitref.Ref{Refspec: "refs/pull/42/merge", Commit: "663ca59ae02e79b9d97cd92dc1c81fb2dfb4ea9f"}},
		deployer: &fakeDeployer{log: log},
		runner: &fakeRunner{log: log, outcome: &types.TestOutcome{
			Artifacts:  []types.Artifact{{Name: "junit.xml", Path: "/artifacts/junit.xml"}},
			ReportPath: "/artifacts/junit.xml",
		}},
		collector: &fakeCollector{log: log},
		sink:      &fakeSink{name: "test"},
		store:     store,
	}
	f.orch = &Orchestrator{
		Pool:      f.pool,
		Workers:   f.provider,
		Resolver:  f.resolver,
		Deployer:  f.deployer,
		Tests:     f.runner,
		Collector: f.collector,
		Store:     store,
		Sinks:     []Sink{f.sink},
	}
	return f
}

func phaseNames(result *types.RunResult) []string {
	names := make([]string, 0, len(result.Phases))
	for _, p := range result.Phases {
		names = append(names, p.Name)
	}
	return names
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Equal(t, "advisor-smoke-1", result.Project)
	assert.Equal(t, "refs/pull/42/merge", result.Refspec)
	assert.Equal(t, "663ca59ae02e79b9d97cd92dc1c81fb2dfb4ea9f", result.Commit)
	assert.Equal(t, "/artifacts/junit.xml", result.TestReport)

	assert.Equal(t, []string{
		"acquire",
		"resolve",
		"wipe",
		"install-tooling",
		"deploy-builder refs/pull/42/merge",
		"deploy-components advisor-smoke-1",
		"install-plugins",
		"run-tests",
		"wipe",
		"release",
	}, f.log.calls)
	assert.Equal(t, []string{
		"reserve", "worker", "resolve", "wipe-before", "install-tooling",
		"deploy-builder", "deploy-components", "install-plugins", "test", "wipe-after",
	}, phaseNames(result))

	assert.Equal(t, []string{"advisor-smoke-1"}, f.provider.Projects)
	assert.True(t, f.provider.Worker.Closed)
	assert.Len(t, f.sink.records, 1)
	assert.Empty(t, result.Diagnostics)

	if _, err := os.Stat(f.store.Path("run.json")); err != nil {
		t.Errorf("expected run record to be written: %v", err)
	}
}

func TestRunReleasesReservationOnTestFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.outcome = &types.TestOutcome{
		ExitCode:   1,
		Artifacts:  []types.Artifact{{Name: "pytest-stdout.log", Path: "/artifacts/pytest-stdout.log"}},
		ReportPath: "/artifacts/junit.xml",
	}

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "smoke tests failed with exit code 1")
	assert.Equal(t, types.StatusFailure, result.Status)

	assert.Equal(t, 1, f.pool.acquired)
	assert.Equal(t, 1, f.pool.released)
	assert.Equal(t, 2, f.deployer.wipes)
	assert.Equal(t, "/artifacts/junit.xml", result.TestReport)
	assert.Equal(t, []types.Artifact{{Name: "pytest-stdout.log", Path: "/artifacts/pytest-stdout.log"}}, result.Artifacts)
}

func TestRunRefspecNotFoundSkipsDeploy(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = fmt.Errorf("%w: repo has no refs/pull/42/merge", gitref.ErrRefspecNotFound)

	result, err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, gitref.ErrRefspecNotFound)
	assert.Equal(t, types.StatusFailure, result.Status)

	// No wipe and no deploy may happen on a change that does not exist.
	assert.Equal(t, []string{"acquire", "resolve", "release"}, f.log.calls)
	assert.Equal(t, 0, f.deployer.wipes)
	assert.Equal(t, 1, f.pool.released)
}

func TestRunBuilderFailureCollectsBeforeWipe(t *testing.T) {
	f := newFixture(t)
	f.deployer.builderErr = errors.New("builder template rejected")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "builder template rejected")

	assert.Equal(t, []string{
		"acquire",
		"resolve",
		"wipe",
		"install-tooling",
		"deploy-builder refs/pull/42/merge",
		"collect",
		"wipe",
		"release",
	}, f.log.calls)
	assert.Equal(t, []types.Artifact{{Name: "cluster-logs", Path: f.store.Path("cluster-logs")}}, result.Artifacts)
}

func TestRunComponentFailureCollectsBeforeWipe(t *testing.T) {
	f := newFixture(t)
	f.deployer.compErr = errors.New("deploy exploded")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "deploy exploded")
	assert.Equal(t, types.StatusFailure, result.Status)

	assert.Equal(t, []string{
		"acquire",
		"resolve",
		"wipe",
		"install-tooling",
		"deploy-builder refs/pull/42/merge",
		"deploy-components advisor-smoke-1",
		"collect",
		"wipe",
		"release",
	}, f.log.calls)
}

func TestRunCollectorFailureIsDiagnosticOnly(t *testing.T) {
	f := newFixture(t)
	f.deployer.compErr = errors.New("deploy exploded")
	f.collector.err = errors.New("cluster unreachable")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "deploy exploded")
	assert.Empty(t, result.Artifacts)

	found := false
	for _, d := range result.Diagnostics {
		if d == "collect cluster logs: cluster unreachable" {
			found = true
		}
	}
	assert.True(t, found, "collector failure should land in diagnostics: %v", result.Diagnostics)
}

func TestRunWithoutCollectorSkipsCollection(t *testing.T) {
	f := newFixture(t)
	f.orch.Collector = nil
	f.deployer.compErr = errors.New("deploy exploded")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "deploy exploded")
	assert.Empty(t, result.Artifacts)
	assert.Empty(t, result.Diagnostics)
}

func TestRunPluginInstallFailureSkipsTests(t *testing.T) {
	f := newFixture(t)
	f.runner.installErr = errors.New("error installing test plugin iqe-advisor-plugin")

	_, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "iqe-advisor-plugin")

	assert.NotContains(t, f.log.calls, "run-tests")
	assert.NotContains(t, f.log.calls, "collect")
	assert.Equal(t, 2, f.deployer.wipes)
}

func TestRunTestExecutionFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.outcome = nil
	f.runner.runErr = errors.New("error executing test runner")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "error executing test runner")
	assert.Equal(t, types.StatusFailure, result.Status)
	assert.Empty(t, result.TestReport)
	assert.Equal(t, 2, f.deployer.wipes)
	assert.Equal(t, 1, f.pool.released)
}

func TestRunPoolExhausted(t *testing.T) {
	f := newFixture(t)
	f.pool.err = reservation.ErrPoolExhausted

	result, err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, reservation.ErrPoolExhausted)
	assert.Equal(t, types.StatusFailure, result.Status)
	assert.Empty(t, result.Project)
	assert.Empty(t, f.provider.Projects)
	assert.Equal(t, 0, f.pool.released)
}

func TestRunWorkerAcquisitionFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.Err = errors.New("pod did not become ready")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "pod did not become ready")
	assert.Equal(t, types.StatusFailure, result.Status)
	assert.Equal(t, 1, f.pool.released)
	assert.Equal(t, 0, f.deployer.wipes)
}

func TestRunWipeFailureSurfacesInDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.deployer.wipeErr = errors.New("wipe refused")

	result, err := f.orch.Run(context.Background())
	assert.ErrorContains(t, err, "wipe refused")

	// The before-wipe is the primary failure, the after-wipe failure is a
	// diagnostic on top of it.
	assert.Contains(t, result.Diagnostics, "wipe after run: wipe refused")
	assert.Equal(t, 2, f.deployer.wipes)
	assert.Equal(t, 1, f.pool.released)
}

func TestRunSinkFailureIsDiagnosticOnly(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("connection refused")

	result, err := f.orch.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Contains(t, result.Diagnostics, "sink test: connection refused")
}

func TestRunReadinessGate(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t)
		f.orch.Probes = []prober.Probe{{
			Name:          "api",
			HTTPGetAction: prober.HTTPGetAction{URL: healthy.URL},
		}}

		result, err := f.orch.Run(context.Background())
		assert.NoError(t, err)
		assert.Contains(t, phaseNames(result), "readiness")
	})

	t.Run("unhealthy", func(t *testing.T) {
		f := newFixture(t)
		f.orch.Probes = []prober.Probe{{
			Name:             "api",
			FailureThreshold: 1,
			HTTPGetAction:    prober.HTTPGetAction{URL: broken.URL},
		}}

		result, err := f.orch.Run(context.Background())
		assert.ErrorContains(t, err, "failed 1 consecutive checks")
		assert.Equal(t, types.StatusFailure, result.Status)
		assert.Contains(t, f.log.calls, "collect")
		assert.NotContains(t, f.log.calls, "run-tests")
	})
}
