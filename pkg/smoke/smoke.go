// Package smoke sequences one smoke-test run end to end: reserve a project,
// acquire a worker, resolve the change under test, cycle the environment,
// run the tests, and always wipe on the way out.
package smoke

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/artifacts"
	"github.com/tumido/insights-smokerun/pkg/gitref"
	"github.com/tumido/insights-smokerun/pkg/prober"
	"github.com/tumido/insights-smokerun/pkg/reservation"
	"github.com/tumido/insights-smokerun/pkg/types"
	"github.com/tumido/insights-smokerun/pkg/worker"
)

const (
	phaseReserve    = "reserve"
	phaseWorker     = "worker"
	phaseResolve    = "resolve"
	phaseWipeBefore = "wipe-before"
	phaseTooling    = "install-tooling"
	phaseBuilder    = "deploy-builder"
	phaseComponents = "deploy-components"
	phaseReadiness  = "readiness"
	phaseInstall    = "install-plugins"
	phaseTest       = "test"
	phaseWipeAfter  = "wipe-after"
)

// Resolver turns the change under test into a concrete source reference.
type Resolver interface {
	Resolve(ctx context.Context, w worker.Worker) (gitref.Ref, error)
}

// Deployer cycles the reserved project's environment.
type Deployer interface {
	InstallTooling(ctx context.Context, w worker.Worker) error
	Wipe(ctx context.Context, w worker.Worker, project string) error
	DeployBuilder(ctx context.Context, w worker.Worker, project, refspec string) error
	DeployComponents(ctx context.Context, w worker.Worker, project string) error
}

// TestRunner installs the test plugins and runs the suite.
type TestRunner interface {
	InstallPlugins(ctx context.Context, w worker.Worker) error
	Run(ctx context.Context, w worker.Worker, project string) (*types.TestOutcome, error)
}

// LogCollector grabs cluster state from the project for post-mortems of
// failed deploys.
type LogCollector interface {
	Collect(ctx context.Context, project, destDir string) error
}

// Sink receives the finished run record. Sinks are best effort: a failing
// sink lands in the run's diagnostics, never in its status.
type Sink interface {
	Name() string
	Record(ctx context.Context, result *types.RunResult) error
}

// Orchestrator wires the phases of a run together. Collector, Probes and
// Sinks are optional; everything else is required.
type Orchestrator struct {
	Pool      reservation.Pool
	Workers   worker.Provider
	Resolver  Resolver
	Deployer  Deployer
	Tests     TestRunner
	Collector LogCollector
	Probes    []prober.Probe
	Store     *artifacts.Store
	Sinks     []Sink
}

// Run executes one smoke-test cycle. The returned result is always non-nil
// and carries a terminal status; the error is the folded primary failure,
// nil only when every phase succeeded.
func (o *Orchestrator) Run(ctx context.Context) (*types.RunResult, error) {
	result := types.NewRunResult(uuid.NewString())
	logrus.Infof("[smoke] starting run %s", result.ID)
	o.execute(ctx, result)
	return result, o.finish(ctx, result)
}

func (o *Orchestrator) execute(ctx context.Context, result *types.RunResult) {
	started := time.Now()
	token, err := o.Pool.Acquire(ctx)
	result.RecordPhase(phaseReserve, started, err)
	if err != nil {
		return
	}
	defer func() {
		if err := token.Release(context.WithoutCancel(ctx)); err != nil {
			result.AddDiagnostic("release reservation: %v", err)
			logrus.Errorf("[smoke] error releasing project %s: %v", token.Project, err)
		}
	}()
	result.Project = token.Project
	result.Status = types.StatusReserved

	started = time.Now()
	w, err := o.Workers.Acquire(ctx, token.Project)
	result.RecordPhase(phaseWorker, started, err)
	if err != nil {
		return
	}
	defer func() {
		if err := w.Close(context.WithoutCancel(ctx)); err != nil {
			result.AddDiagnostic("close worker: %v", err)
			logrus.Errorf("[smoke] error closing worker: %v", err)
		}
	}()

	// Resolve before touching the environment: a closed pull request must
	// not cost the project a wipe and deploy cycle.
	started = time.Now()
	ref, err := o.Resolver.Resolve(ctx, w)
	result.RecordPhase(phaseResolve, started, err)
	if err != nil {
		return
	}
	result.Refspec = ref.Refspec
	result.Commit = ref.Commit
	result.Status = types.StatusProvisioned

	o.runLifecycle(ctx, w, token.Project, ref.Refspec, result)
}

// runLifecycle is everything that dirties the reserved project. Once
// entered, the final wipe runs whatever else happens.
func (o *Orchestrator) runLifecycle(ctx context.Context, w worker.Worker, project, refspec string, result *types.RunResult) {
	defer func() {
		started := time.Now()
		if err := o.Deployer.Wipe(context.WithoutCancel(ctx), w, project); err != nil {
			result.AddDiagnostic("wipe after run: %v", err)
			logrus.Errorf("[smoke] error wiping project %s after run: %v", project, err)
		}
		result.RecordPhase(phaseWipeAfter, started, nil)
		result.Status = types.StatusWiped
	}()

	started := time.Now()
	err := o.Deployer.Wipe(ctx, w, project)
	result.RecordPhase(phaseWipeBefore, started, err)
	if err != nil {
		return
	}

	started = time.Now()
	err = o.Deployer.InstallTooling(ctx, w)
	result.RecordPhase(phaseTooling, started, err)
	if err != nil {
		return
	}

	started = time.Now()
	err = o.Deployer.DeployBuilder(ctx, w, project, refspec)
	result.RecordPhase(phaseBuilder, started, err)
	if err != nil {
		o.collectLogs(ctx, project, result)
		return
	}

	started = time.Now()
	err = o.Deployer.DeployComponents(ctx, w, project)
	result.RecordPhase(phaseComponents, started, err)
	if err != nil {
		o.collectLogs(ctx, project, result)
		return
	}

	if len(o.Probes) > 0 {
		started = time.Now()
		err = prober.WaitReady(ctx, o.Probes)
		result.RecordPhase(phaseReadiness, started, err)
		if err != nil {
			o.collectLogs(ctx, project, result)
			return
		}
	}
	result.Status = types.StatusDeployed

	started = time.Now()
	err = o.Tests.InstallPlugins(ctx, w)
	result.RecordPhase(phaseInstall, started, err)
	if err != nil {
		return
	}

	started = time.Now()
	outcome, err := o.Tests.Run(ctx, w, project)
	if outcome != nil {
		result.Artifacts = append(result.Artifacts, outcome.Artifacts...)
		result.TestReport = outcome.ReportPath
		result.Status = types.StatusTested
		if err == nil && outcome.Failed() {
			err = fmt.Errorf("smoke tests failed with exit code %d", outcome.ExitCode)
		}
	}
	result.RecordPhase(phaseTest, started, err)
}

// collectLogs captures the project's cluster state before a deploy failure
// propagates. Collection is best effort and must not mask the failure.
func (o *Orchestrator) collectLogs(ctx context.Context, project string, result *types.RunResult) {
	if o.Collector == nil {
		logrus.Debugf("[smoke] no log collector configured, skipping collection for project %s", project)
		return
	}
	dest := o.Store.Path("cluster-logs")
	if err := o.Collector.Collect(context.WithoutCancel(ctx), project, dest); err != nil {
		result.AddDiagnostic("collect cluster logs: %v", err)
		logrus.Errorf("[smoke] error collecting logs from project %s: %v", project, err)
		return
	}
	result.AddArtifact("cluster-logs", dest)
}

// finish finalizes the result, fans it out to the sinks, and writes the run
// record. Sink failures never mask the run's own outcome.
func (o *Orchestrator) finish(ctx context.Context, result *types.RunResult) error {
	ctx = context.WithoutCancel(ctx)
	err := result.Finalize()
	logrus.Infof("[smoke] run %s finished with status %s in %s", result.ID, result.Status, result.FinishedAt.Sub(result.StartedAt))

	for _, sink := range o.Sinks {
		if sinkErr := sink.Record(ctx, result); sinkErr != nil {
			result.AddDiagnostic("sink %s: %v", sink.Name(), sinkErr)
			logrus.Errorf("[smoke] error recording run %s to sink %s: %v", result.ID, sink.Name(), sinkErr)
		}
	}
	if _, saveErr := o.Store.SaveResult(result); saveErr != nil {
		result.AddDiagnostic("write run record: %v", saveErr)
		logrus.Errorf("[smoke] error writing run record for %s: %v", result.ID, saveErr)
	}
	return err
}
