package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

const (
	poolLabelKey    = "smokerun/pool"
	projectLabelKey = "smokerun/project"

	leasePollInterval = 5 * time.Second
)

// LeasePool serializes project access through coordination.k8s.io Leases,
// one per project, all living in a single lock namespace. Concurrent CI jobs
// race on lease creation and update; the API server's optimistic concurrency
// decides the winner. A crashed run's slot frees itself once the lease
// duration passes without a renew.
type LeasePool struct {
	client    kubernetes.Interface
	namespace string
	name      string
	projects  []string
	holder    string
	ttl       time.Duration
	timeout   time.Duration
	interval  time.Duration
}

func NewLeasePool(client kubernetes.Interface, namespace, name string, projects []string, ttl, timeout time.Duration) *LeasePool {
	return &LeasePool{
		client:    client,
		namespace: namespace,
		name:      name,
		projects:  projects,
		holder:    uuid.NewString(),
		ttl:       ttl,
		timeout:   timeout,
		interval:  leasePollInterval,
	}
}

func (p *LeasePool) leaseName(project string) string {
	return fmt.Sprintf("%s-%s", p.name, project)
}

func (p *LeasePool) Acquire(ctx context.Context) (*Token, error) {
	var acquired string
	err := wait.PollUntilContextTimeout(ctx, p.interval, p.timeout, true, func(ctx context.Context) (bool, error) {
		for _, project := range p.projects {
			ok, err := p.tryAcquire(ctx, project)
			if err != nil {
				return false, err
			}
			if ok {
				acquired = project
				return true, nil
			}
		}
		logrus.Debugf("[pool] all %d projects in pool %s are reserved, waiting", len(p.projects), p.name)
		return false, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("%w: no project in pool %s freed up within %s", ErrPoolExhausted, p.name, p.timeout)
		}
		return nil, fmt.Errorf("error acquiring reservation from pool %s: %w", p.name, err)
	}

	logrus.Infof("[pool] reserved project %s from pool %s", acquired, p.name)
	return NewToken(acquired, p.name, p.holder, func(ctx context.Context) error {
		return p.release(ctx, acquired)
	}), nil
}

// tryAcquire claims the lease for one project. It reports false without an
// error when someone else holds the slot or wins the create/update race.
func (p *LeasePool) tryAcquire(ctx context.Context, project string) (bool, error) {
	name := p.leaseName(project)
	now := metav1.NewMicroTime(time.Now())
	ttlSeconds := int32(p.ttl.Seconds())

	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		lease = &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: p.namespace,
				Labels: map[string]string{
					poolLabelKey:    p.name,
					projectLabelKey: project,
				},
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &p.holder,
				LeaseDurationSeconds: &ttlSeconds,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		if _, err := p.client.CoordinationV1().Leases(p.namespace).Create(ctx, lease, metav1.CreateOptions{}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if held(lease) && !expired(lease) {
		logrus.Tracef("[pool] project %s is held by %s", project, *lease.Spec.HolderIdentity)
		return false, nil
	}
	if held(lease) {
		logrus.Warnf("[pool] taking over expired reservation of project %s from %s", project, *lease.Spec.HolderIdentity)
	}

	lease.Spec.HolderIdentity = &p.holder
	lease.Spec.LeaseDurationSeconds = &ttlSeconds
	lease.Spec.AcquireTime = &now
	lease.Spec.RenewTime = &now
	if _, err := p.client.CoordinationV1().Leases(p.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *LeasePool) release(ctx context.Context, project string) error {
	name := p.leaseName(project)
	lease, err := p.client.CoordinationV1().Leases(p.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error releasing project %s: %w", project, err)
	}
	if !held(lease) || *lease.Spec.HolderIdentity != p.holder {
		logrus.Warnf("[pool] reservation of project %s is no longer ours, not releasing", project)
		return nil
	}

	// the lease object stays behind with an empty holder so the slot's
	// history remains inspectable
	lease.Spec.HolderIdentity = nil
	lease.Spec.AcquireTime = nil
	lease.Spec.RenewTime = nil
	if _, err := p.client.CoordinationV1().Leases(p.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("error releasing project %s: %w", project, err)
	}
	logrus.Infof("[pool] released project %s back to pool %s", project, p.name)
	return nil
}

func held(lease *coordinationv1.Lease) bool {
	return lease.Spec.HolderIdentity != nil && *lease.Spec.HolderIdentity != ""
}

func expired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	ttl := time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	return time.Since(lease.Spec.RenewTime.Time) > ttl
}
