package types

import (
	"fmt"
	"time"
)

// Status tracks how far a run has progressed. Transitions are strictly
// forward except that any status from StatusProvisioned onward may jump to
// StatusFailure once cleanup has run.
type Status string

const (
	StatusPending     Status = "pending"
	StatusReserved    Status = "reserved"
	StatusProvisioned Status = "provisioned"
	StatusDeployed    Status = "deployed"
	StatusTested      Status = "tested"
	StatusWiped       Status = "wiped"
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// RunParameters is the immutable input bundle for one smoke-test cycle.
// It is constructed once at entry and read-only afterwards.
type RunParameters struct {
	OCDeployerBuilderPath   string            `json:"ocDeployerBuilderPath"`
	OCDeployerComponentPath string            `json:"ocDeployerComponentPath"`
	OCDeployerServiceSets   string            `json:"ocDeployerServiceSets"`
	PytestMarker            string            `json:"pytestMarker"`
	IQEPlugins              []string          `json:"iqePlugins,omitempty"`
	ExtraEnvVars            map[string]string `json:"extraEnvVars,omitempty"`
}

// Validate checks the required deployer and test selection fields.
func (p RunParameters) Validate() error {
	if p.OCDeployerBuilderPath == "" {
		return fmt.Errorf("ocDeployerBuilderPath is required")
	}
	if p.OCDeployerComponentPath == "" {
		return fmt.Errorf("ocDeployerComponentPath is required")
	}
	if p.OCDeployerServiceSets == "" {
		return fmt.Errorf("ocDeployerServiceSets is required")
	}
	if p.PytestMarker == "" {
		return fmt.Errorf("pytestMarker is required")
	}
	return nil
}

// TestOutcome captures what the test runner produced, independent of whether
// the surrounding infrastructure held up. A non-zero exit code means failing
// tests, not an execution error.
type TestOutcome struct {
	ExitCode   int        `json:"exitCode"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	ReportPath string     `json:"reportPath,omitempty"`
}

// Failed reports whether the runner exited non-zero.
func (o *TestOutcome) Failed() bool {
	return o.ExitCode != 0
}

// PhaseResult records the outcome of a single phase of the run.
type PhaseResult struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	err error
}

// Artifact is a produced file registered with the run.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunResult accumulates what happened during a run. Phases append to it as
// they complete; Finalize folds the per-phase outcomes into the terminal
// status. There is no ambient global state: the result is the only carrier
// of pass/fail information.
type RunResult struct {
	ID         string        `json:"id"`
	Project    string        `json:"project,omitempty"`
	Refspec    string        `json:"refspec,omitempty"`
	Commit     string        `json:"commit,omitempty"`
	Status     Status        `json:"status"`
	Phases     []PhaseResult `json:"phases,omitempty"`
	Artifacts  []Artifact    `json:"artifacts,omitempty"`
	TestReport string        `json:"testReport,omitempty"`
	// Diagnostics carries failures of best-effort steps (log collection,
	// final wipe, result sinks). They surface in the run record but never
	// replace the primary error.
	Diagnostics []string  `json:"diagnostics,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

// NewRunResult starts a result in the pending state.
func NewRunResult(id string) *RunResult {
	return &RunResult{
		ID:        id,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
}

// RecordPhase appends the outcome of a named phase.
func (r *RunResult) RecordPhase(name string, startedAt time.Time, err error) {
	pr := PhaseResult{
		Name:      name,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
		err:       err,
	}
	if err != nil {
		pr.Error = err.Error()
	}
	r.Phases = append(r.Phases, pr)
}

// AddArtifact registers a produced file with the run.
func (r *RunResult) AddArtifact(name, path string) {
	r.Artifacts = append(r.Artifacts, Artifact{Name: name, Path: path})
}

// AddDiagnostic records a best-effort step failure without failing the run.
func (r *RunResult) AddDiagnostic(format string, args ...interface{}) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

// Err folds the phase outcomes, latest failure wins. It returns nil only if
// every recorded phase succeeded.
func (r *RunResult) Err() error {
	var last error
	for _, p := range r.Phases {
		if p.err != nil {
			last = p.err
		}
	}
	return last
}

// Failed reports whether any phase recorded an error.
func (r *RunResult) Failed() bool {
	return r.Err() != nil
}

// Finalize stamps the finish time and fixes the terminal status. It returns
// the folded error so callers observe failure even when an intermediate step
// swallowed its own.
func (r *RunResult) Finalize() error {
	r.FinishedAt = time.Now()
	if err := r.Err(); err != nil {
		r.Status = StatusFailure
		return fmt.Errorf("smoke test run %s failed: %w", r.ID, err)
	}
	r.Status = StatusSuccess
	return nil
}
