package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tumido/insights-smokerun/pkg/image"
)

const (
	scratchDateCodeLayout = "20060102-150405"
	executionPwdEnvKey    = "SMOKERUN_EXECUTION_PWD"
)

// LocalProvider runs commands directly on the invoking host inside a scratch
// directory. It suits CI agents that already carry the deploy and test
// tooling on their PATH.
type LocalProvider struct {
	// WorkDir is the parent for per-run scratch directories. Empty means the
	// system temp directory.
	WorkDir string
	// Preserve keeps the scratch directory after Close, for debugging.
	Preserve bool
	// Image optionally seeds the scratch directory with the contents of an
	// OCI image before any command runs.
	Image  string
	Images *image.Utility
}

func (p *LocalProvider) Acquire(ctx context.Context, project string) (Worker, error) {
	base := p.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, fmt.Sprintf("smokerun-%s-%s", project, time.Now().Format(scratchDateCodeLayout)))

	if p.Image == "" {
		logrus.Debugf("[worker] creating empty scratch directory %s", dir)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("error creating scratch directory %s: %w", dir, err)
		}
	} else {
		logrus.Infof("[worker] extracting image %s to scratch directory %s", p.Image, dir)
		if err := p.Images.Stage(dir, p.Image); err != nil {
			return nil, fmt.Errorf("error staging image %s: %w", p.Image, err)
		}
	}

	return &Local{dir: dir, preserve: p.Preserve}, nil
}

// Local is a worker backed by a scratch directory on the invoking host.
type Local struct {
	dir      string
	preserve bool
}

func (w *Local) Workdir() string {
	return w.dir
}

func (w *Local) Exec(ctx context.Context, command Command) (*Result, error) {
	if len(command.Args) == 0 {
		return nil, fmt.Errorf("command %s has no argv", command.Name)
	}

	cmd := exec.CommandContext(ctx, command.Args[0], command.Args[1:]...)
	logrus.Infof("[worker] running command: %v", command.Args)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, command.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", executionPwdEnvKey, w.dir))
	cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH")+":"+w.dir)
	cmd.Dir = command.Dir
	if cmd.Dir == "" {
		cmd.Dir = w.dir
	}
	cmd.Stdin = command.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error setting up stdout pipe: %w", err)
	}
	defer stdout.Close()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error setting up stderr pipe: %w", err)
	}
	defer stderr.Close()

	var (
		eg              = errgroup.Group{}
		stdoutWriteLock sync.Mutex
		stderrWriteLock sync.Mutex
		stdoutBuffer    bytes.Buffer
		stderrBuffer    bytes.Buffer
	)

	eg.Go(func() error {
		return streamLogs("["+command.Name+":stdout]", &stdoutBuffer, stdout, &stdoutWriteLock)
	})
	eg.Go(func() error {
		return streamLogs("["+command.Name+":stderr]", &stderrBuffer, stderr, &stderrWriteLock)
	})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting command %s: %w", command.Name, err)
	}

	// Wait for I/O to complete before calling cmd.Wait() because cmd.Wait()
	// will close the I/O pipes.
	_ = eg.Wait()

	result := &Result{}
	if err := cmd.Wait(); err != nil {
		ee, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("error running command %s: %w", command.Name, err)
		}
		result.ExitCode = ee.ExitCode()
	}
	result.Stdout = stdoutBuffer.Bytes()
	result.Stderr = stderrBuffer.Bytes()

	logrus.Debugf("[worker] command %s finished with exit code %d", command.Name, result.ExitCode)
	if result.ExitCode != 0 {
		return result, &ExitError{Cmd: command.Name, Code: result.ExitCode}
	}
	return result, nil
}

func (w *Local) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		logrus.Debugf("[worker] file %s does not need to be written", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, mode)
}

func (w *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (w *Local) Close(_ context.Context) error {
	if w.preserve {
		logrus.Infof("[worker] preserving scratch directory %s", w.dir)
		return nil
	}
	logrus.Debugf("[worker] removing scratch directory %s", w.dir)
	return os.RemoveAll(w.dir)
}
