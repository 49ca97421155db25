// Package metrics pushes per-run measurements to a Prometheus Pushgateway.
// A batch job cannot be scraped, so the run delivers its own numbers on the
// way out.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/types"
)

type Pusher struct {
	url string
	job string
}

func New(url, job string) *Pusher {
	return &Pusher{url: url, job: job}
}

func (p *Pusher) Name() string {
	return "pushgateway"
}

func (p *Pusher) Record(ctx context.Context, result *types.RunResult) error {
	phaseDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smokerun",
		Name:      "phase_duration_seconds",
		Help:      "Wall clock duration of each phase of the run.",
	}, []string{"phase"})
	for _, phase := range result.Phases {
		phaseDuration.WithLabelValues(phase.Name).Set(phase.Duration.Seconds())
	}

	runDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "smokerun",
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of the whole run.",
	})
	runDuration.Set(result.FinishedAt.Sub(result.StartedAt).Seconds())

	runSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "smokerun",
		Name:      "run_success",
		Help:      "1 if the run succeeded, 0 otherwise.",
	})
	if result.Status == types.StatusSuccess {
		runSuccess.Set(1)
	}

	pusher := push.New(p.url, p.job).
		Collector(phaseDuration).
		Collector(runDuration).
		Collector(runSuccess)
	if result.Project != "" {
		pusher = pusher.Grouping("project", result.Project)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return err
	}
	logrus.Debugf("[metrics] pushed run %s metrics to %s", result.ID, p.url)
	return nil
}
