// Package logcollect dumps pod logs and namespace events after a failed
// deploy, so the environment can be wiped without losing the evidence.
package logcollect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

type Collector struct {
	client kubernetes.Interface
}

func New(client kubernetes.Interface) *Collector {
	return &Collector{client: client}
}

// Collect writes one log file per container plus an events listing into
// destDir. A pod that refuses to yield logs does not stop the others; all
// failures come back joined.
func (c *Collector) Collect(ctx context.Context, project, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("error creating log directory %s: %w", destDir, err)
	}

	pods, err := c.client.CoreV1().Pods(project).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("error listing pods in %s: %w", project, err)
	}

	var errs []error
	for _, pod := range pods.Items {
		for _, container := range pod.Spec.Containers {
			if err := c.dumpLogs(ctx, project, pod.Name, container.Name, destDir); err != nil {
				logrus.Errorf("[collect] %v", err)
				errs = append(errs, err)
			}
		}
	}
	if err := c.dumpEvents(ctx, project, destDir); err != nil {
		logrus.Errorf("[collect] %v", err)
		errs = append(errs, err)
	}

	logrus.Infof("[collect] stored logs of %d pods from project %s in %s", len(pods.Items), project, destDir)
	return errors.Join(errs...)
}

func (c *Collector) dumpLogs(ctx context.Context, project, podName, containerName, destDir string) error {
	req := c.client.CoreV1().Pods(project).GetLogs(podName, &corev1.PodLogOptions{Container: containerName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("error streaming logs of %s/%s: %w", podName, containerName, err)
	}
	defer stream.Close()

	target := filepath.Join(destDir, fmt.Sprintf("%s_%s.log", podName, containerName))
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", target, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, stream); err != nil {
		return fmt.Errorf("error writing %s: %w", target, err)
	}
	return nil
}

func (c *Collector) dumpEvents(ctx context.Context, project, destDir string) error {
	events, err := c.client.CoreV1().Events(project).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("error listing events in %s: %w", project, err)
	}

	target := filepath.Join(destDir, "events.txt")
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", target, err)
	}
	defer f.Close()

	for _, ev := range events.Items {
		fmt.Fprintf(f, "%s %s %s %s/%s: %s\n",
			ev.LastTimestamp.Time.Format(time.RFC3339),
			ev.Type, ev.Reason,
			ev.InvolvedObject.Kind, ev.InvolvedObject.Name,
			ev.Message)
	}
	return nil
}
