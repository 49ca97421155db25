package prober

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	k8sprobe "k8s.io/kubernetes/pkg/probe"
	k8shttp "k8s.io/kubernetes/pkg/probe/http"
)

type HTTPGetAction struct {
	URL      string `json:"url"`
	Insecure bool   `json:"insecure,omitempty"`
}

// Probe describes one HTTP readiness check against the freshly deployed
// environment. Checks run after the component deploy and gate the test phase.
type Probe struct {
	Name                string        `json:"name,omitempty"`
	InitialDelaySeconds int           `json:"initialDelaySeconds,omitempty"` // default 0
	PeriodSeconds       int           `json:"periodSeconds,omitempty"`       // default 5
	TimeoutSeconds      int           `json:"timeoutSeconds,omitempty"`      // default 1
	SuccessThreshold    int           `json:"successThreshold,omitempty"`    // default 1
	FailureThreshold    int           `json:"failureThreshold,omitempty"`    // default 3
	HTTPGetAction       HTTPGetAction `json:"httpGet"`
}

type ProbeStatus struct {
	Healthy      bool `json:"healthy,omitempty"`
	SuccessCount int  `json:"successCount,omitempty"`
	FailureCount int  `json:"failureCount,omitempty"`
}

// DoProbe runs a single check and folds the result into probeStatus. Healthy
// flips true after SuccessThreshold consecutive successes; FailureCount only
// grows across consecutive failures.
func DoProbe(probe Probe, probeStatus *ProbeStatus, initial bool) error {
	logrus.Tracef("running probe %v", probe)
	if initial && probe.InitialDelaySeconds > 0 {
		logrus.Debugf("[prober] sleeping for %d seconds before running probe %s", probe.InitialDelaySeconds, probe.Name)
		time.Sleep(time.Duration(probe.InitialDelaySeconds) * time.Second)
	}
	var k8sProber k8shttp.Prober
	if strings.HasPrefix(probe.HTTPGetAction.URL, "https://") {
		caCertPool, err := GetSystemCertPool(probe.Name)
		if err != nil {
			return err
		}
		k8sProber = k8shttp.NewWithTLSConfig(&tls.Config{
			RootCAs:            caCertPool,
			InsecureSkipVerify: probe.HTTPGetAction.Insecure,
		}, false)
	} else {
		k8sProber = k8shttp.New(false)
	}

	probeURL, err := url.Parse(probe.HTTPGetAction.URL)
	if err != nil {
		return err
	}

	timeout := time.Duration(probe.TimeoutSeconds) * time.Second
	if probe.TimeoutSeconds == 0 {
		timeout = time.Second
	}

	probeRequest, err := k8shttp.NewProbeRequest(probeURL, http.Header{})
	if err != nil {
		return err
	}

	probeResult, _, err := k8sProber.Probe(probeRequest, timeout)
	if err != nil {
		return err
	}

	successThreshold := probe.SuccessThreshold
	if successThreshold == 0 {
		successThreshold = 1
	}

	failureThreshold := probe.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 3
	}

	switch probeResult {
	case k8sprobe.Success:
		logrus.Debugf("[prober] probe %s was successful", probe.Name)
		if probeStatus.SuccessCount < successThreshold {
			probeStatus.SuccessCount = probeStatus.SuccessCount + 1
			if probeStatus.SuccessCount >= successThreshold {
				probeStatus.Healthy = true
			}
		}
		probeStatus.FailureCount = 0
	default:
		logrus.Debugf("[prober] probe %s failed", probe.Name)
		if probeStatus.FailureCount < failureThreshold {
			probeStatus.FailureCount = probeStatus.FailureCount + 1
		}
		probeStatus.SuccessCount = 0
	}

	return nil
}

// GetSystemCertPool returns a x509.CertPool that contains the
// root CA certificates if they are present at runtime
func GetSystemCertPool(probeName string) (*x509.CertPool, error) {
	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
		logrus.Errorf("[prober] error loading system cert pool for probe (%s): %v", probeName, err)
	}
	return caCertPool, nil
}

// WaitReady blocks until every probe reports healthy. A probe that reaches
// its failure threshold fails the gate; so does context cancellation.
func WaitReady(ctx context.Context, probes []Probe) error {
	for _, probe := range probes {
		if err := waitOne(ctx, probe); err != nil {
			return err
		}
	}
	return nil
}

func waitOne(ctx context.Context, probe Probe) error {
	period := time.Duration(probe.PeriodSeconds) * time.Second
	if period <= 0 {
		period = 5 * time.Second
	}

	failureThreshold := probe.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 3
	}

	var status ProbeStatus
	initial := true
	for {
		if err := DoProbe(probe, &status, initial); err != nil {
			return fmt.Errorf("probe %s: %w", probe.Name, err)
		}
		initial = false
		if status.Healthy {
			logrus.Infof("[prober] probe %s is healthy", probe.Name)
			return nil
		}
		if status.FailureCount >= failureThreshold {
			return fmt.Errorf("probe %s failed %d consecutive checks against %s", probe.Name, status.FailureCount, probe.HTTPGetAction.URL)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("probe %s: %w", probe.Name, ctx.Err())
		case <-time.After(period):
		}
	}
}
