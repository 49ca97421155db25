package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/utils/exec"
)

const (
	podContainerName = "worker"
	podWorkdir       = "/tmp/smokerun"
	podPollInterval  = 2 * time.Second
)

// PodProvider runs commands inside a pod created in the reserved project.
// The pod idles on sleep and every command travels over the exec
// subresource, so the target cluster needs nothing beyond the worker image.
type PodProvider struct {
	Client  kubernetes.Interface
	Config  *rest.Config
	Image   string
	Timeout time.Duration
}

func (p *PodProvider) Acquire(ctx context.Context, project string) (Worker, error) {
	name := fmt.Sprintf("smokerun-worker-%s", uuid.NewString()[:8])
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: project,
			Labels: map[string]string{
				"app.kubernetes.io/name":      "insights-smokerun",
				"app.kubernetes.io/component": "worker",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    podContainerName,
				Image:   p.Image,
				Command: []string{"sleep", "infinity"},
			}},
		},
	}

	logrus.Infof("[worker] creating worker pod %s/%s", project, name)
	if _, err := p.Client.CoreV1().Pods(project).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("error creating worker pod %s/%s: %w", project, name, err)
	}

	w := &Pod{client: p.Client, config: p.Config, namespace: project, name: name}
	if err := w.waitRunning(ctx, p.Timeout); err != nil {
		w.teardown(context.WithoutCancel(ctx))
		return nil, err
	}
	return w, nil
}

// Pod is a worker backed by a long-lived pod in the reserved project.
type Pod struct {
	client    kubernetes.Interface
	config    *rest.Config
	namespace string
	name      string
}

func (w *Pod) Workdir() string {
	return podWorkdir
}

func (w *Pod) waitRunning(ctx context.Context, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, podPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := w.client.CoreV1().Pods(w.namespace).Get(ctx, w.name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, fmt.Errorf("worker pod %s/%s terminated with phase %s", w.namespace, w.name, pod.Status.Phase)
		default:
			logrus.Debugf("[worker] pod %s/%s is %s", w.namespace, w.name, pod.Status.Phase)
			return false, nil
		}
	})
	if err != nil {
		return fmt.Errorf("worker pod %s/%s did not become ready: %w", w.namespace, w.name, err)
	}
	return nil
}

// argv builds the command line delivered to the exec subresource. The
// environment and working directory have to travel inside the argv because
// the subresource carries neither.
func (w *Pod) argv(command Command) []string {
	argv := command.Args
	if len(command.Env) > 0 {
		argv = append(append([]string{"env"}, command.Env...), argv...)
	}
	dir := command.Dir
	if dir == "" {
		dir = podWorkdir
	}
	return append([]string{"sh", "-c", fmt.Sprintf(`mkdir -p %s && cd %s && exec "$@"`, dir, dir), "sh"}, argv...)
}

func (w *Pod) stream(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	req := w.client.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(w.name).
		Namespace(w.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: podContainerName,
			Command:   argv,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(w.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("error building executor for pod %s/%s: %w", w.namespace, w.name, err)
	}
	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
}

func (w *Pod) Exec(ctx context.Context, command Command) (*Result, error) {
	if len(command.Args) == 0 {
		return nil, fmt.Errorf("command %s has no argv", command.Name)
	}
	logrus.Infof("[worker] running command in pod %s/%s: %v", w.namespace, w.name, command.Args)

	var (
		eg              = errgroup.Group{}
		stdoutWriteLock sync.Mutex
		stderrWriteLock sync.Mutex
		stdoutBuffer    bytes.Buffer
		stderrBuffer    bytes.Buffer
	)
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	eg.Go(func() error {
		return streamLogs("["+command.Name+":stdout]", &stdoutBuffer, stdoutReader, &stdoutWriteLock)
	})
	eg.Go(func() error {
		return streamLogs("["+command.Name+":stderr]", &stderrBuffer, stderrReader, &stderrWriteLock)
	})

	streamErr := w.stream(ctx, w.argv(command), command.Stdin, stdoutWriter, stderrWriter)
	_ = stdoutWriter.Close()
	_ = stderrWriter.Close()
	_ = eg.Wait()

	result := &Result{Stdout: stdoutBuffer.Bytes(), Stderr: stderrBuffer.Bytes()}
	if streamErr != nil {
		var exitErr utilexec.ExitError
		if !errors.As(streamErr, &exitErr) {
			return nil, fmt.Errorf("error running command %s in pod %s/%s: %w", command.Name, w.namespace, w.name, streamErr)
		}
		result.ExitCode = exitErr.ExitStatus()
		logrus.Debugf("[worker] command %s finished with exit code %d", command.Name, result.ExitCode)
		return result, &ExitError{Cmd: command.Name, Code: result.ExitCode}
	}
	return result, nil
}

func (w *Pod) WriteFile(ctx context.Context, filePath string, data []byte, mode os.FileMode) error {
	dir := path.Dir(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s", dir, filePath, mode.Perm(), filePath)
	_, err := w.run(ctx, []string{"sh", "-c", script}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error writing %s to pod %s/%s: %w", filePath, w.namespace, w.name, err)
	}
	return nil
}

func (w *Pod) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	out, err := w.run(ctx, []string{"cat", filePath}, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading %s from pod %s/%s: %w", filePath, w.namespace, w.name, err)
	}
	return out, nil
}

// run executes argv without streaming its output to the log. File transfer
// goes through here so artifact contents do not flood the CI log.
func (w *Pod) run(ctx context.Context, argv []string, stdin io.Reader) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	if err := w.stream(ctx, argv, stdin, &stdout, &stderr); err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s (exit code %d)", bytes.TrimSpace(stderr.Bytes()), exitErr.ExitStatus())
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (w *Pod) Close(ctx context.Context) error {
	logrus.Infof("[worker] deleting worker pod %s/%s", w.namespace, w.name)
	err := w.client.CoreV1().Pods(w.namespace).Delete(ctx, w.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("error deleting worker pod %s/%s: %w", w.namespace, w.name, err)
	}
	return nil
}

func (w *Pod) teardown(ctx context.Context) {
	if err := w.Close(ctx); err != nil {
		logrus.Errorf("[worker] %v", err)
	}
}
