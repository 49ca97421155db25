// Package iqe installs the test plugins and runs the marked smoke tests
// inside the worker, bringing everything the runner produced back out.
package iqe

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/artifacts"
	"github.com/tumido/insights-smokerun/pkg/types"
	"github.com/tumido/insights-smokerun/pkg/worker"
)

const (
	stdoutLog  = "pytest-stdout.log"
	runnerLog  = "iqe.log"
	reportFile = "junit.xml"
)

// Dynaconf settings the runner picks up from its environment.
const (
	envTarget  = "ENV_FOR_DYNACONF"
	envProject = "DYNACONF_OCPROJECT"
	envLogging = "DYNACONF_LOGGING"
)

const loggingConfig = `@json {"log_file": "iqe.log", "log_level": "DEBUG"}`

// Options carries the runner selection knobs that do not change per run.
type Options struct {
	RunnerPackage string
	CorePlugin    string
	PipIndexURL   string
	TargetEnv     string
	Timeout       time.Duration
}

// Runner executes IQE inside a worker and archives what it produced.
type Runner struct {
	params types.RunParameters
	opts   Options
	store  *artifacts.Store
}

func New(params types.RunParameters, opts Options, store *artifacts.Store) *Runner {
	return &Runner{params: params, opts: opts, store: store}
}

// InstallPlugins installs the runner, the core plugin, and then the per-run
// plugins in their declared order. Any failure aborts; running tests with a
// partial plugin set would report misleading results.
func (r *Runner) InstallPlugins(ctx context.Context, w worker.Worker) error {
	packages := append([]string{r.opts.RunnerPackage, r.opts.CorePlugin}, r.params.IQEPlugins...)
	for _, pkg := range packages {
		logrus.Infof("[iqe] installing %s", pkg)
		args := []string{"pip", "install", "--upgrade", pkg}
		if r.opts.PipIndexURL != "" {
			args = append(args, "--index-url", r.opts.PipIndexURL)
		}
		if _, err := w.Exec(ctx, worker.Command{Name: "install-" + pkg, Args: args}); err != nil {
			return fmt.Errorf("error installing test plugin %s: %w", pkg, err)
		}
	}
	return nil
}

// Run executes the marked tests against the deployed project. A non-zero
// runner exit is not an error here: the outcome carries the exit code and
// the caller decides what it means, after all output is safely archived.
func (r *Runner) Run(ctx context.Context, w worker.Worker, project string) (*types.TestOutcome, error) {
	ctx, cancel := r.execCtx(ctx)
	defer cancel()

	env := []string{
		fmt.Sprintf("%s=%s", envTarget, r.opts.TargetEnv),
		fmt.Sprintf("%s=%s", envProject, project),
		fmt.Sprintf("%s=%s", envLogging, loggingConfig),
	}
	// extra variables go into the process environment directly; exporting
	// them in a shell would scope them to that shell and nothing else
	names := make([]string, 0, len(r.params.ExtraEnvVars))
	for name := range r.params.ExtraEnvVars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, fmt.Sprintf("%s=%s", name, r.params.ExtraEnvVars[name]))
	}

	logrus.Infof("[iqe] running tests marked %s against project %s", r.params.PytestMarker, project)
	res, err := w.Exec(ctx, worker.Command{
		Name: "iqe",
		Args: []string{"iqe", "tests", "all", "-s", "-m", r.params.PytestMarker, "--junitxml", reportFile},
		Env:  env,
	})
	var exitErr *worker.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("error executing test runner: %w", err)
	}

	// from here on the exit code is data: archive everything before anyone
	// decides the run failed
	outcome := &types.TestOutcome{ExitCode: res.ExitCode}

	p, err := r.store.Save(stdoutLog, res.Stdout)
	if err != nil {
		return outcome, err
	}
	outcome.Artifacts = append(outcome.Artifacts, types.Artifact{Name: stdoutLog, Path: p})

	if err := r.retrieve(ctx, w, runnerLog, outcome, false); err != nil {
		return outcome, err
	}
	if err := r.retrieve(ctx, w, reportFile, outcome, true); err != nil {
		return outcome, err
	}

	logrus.Infof("[iqe] test runner exited with code %d", outcome.ExitCode)
	return outcome, nil
}

// retrieve copies a file the runner left in the workdir into the artifact
// store. Absence in the worker is expected when the runner crashed early and
// only gets logged; a store failure is a real error.
func (r *Runner) retrieve(ctx context.Context, w worker.Worker, name string, outcome *types.TestOutcome, isReport bool) error {
	data, err := w.ReadFile(ctx, path.Join(w.Workdir(), name))
	if err != nil {
		logrus.Warnf("[iqe] could not retrieve %s: %v", name, err)
		return nil
	}
	p, err := r.store.Save(name, data)
	if err != nil {
		return fmt.Errorf("error archiving %s: %w", name, err)
	}
	outcome.Artifacts = append(outcome.Artifacts, types.Artifact{Name: name, Path: p})
	if isReport {
		outcome.ReportPath = p
	}
	return nil
}

func (r *Runner) execCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}
