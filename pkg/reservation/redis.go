package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const redisPollInterval = 5 * time.Second

// releaseScript deletes the slot key only when we still own it, so a slot
// that expired and was re-acquired by another run is never yanked away.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisPool serializes project access through per-project keys written with
// SET NX and a TTL. It serves installations without a cluster to park Leases
// in, for instance when all deploys go through a local worker.
type RedisPool struct {
	client   *redis.Client
	name     string
	projects []string
	holder   string
	ttl      time.Duration
	timeout  time.Duration
	interval time.Duration
}

func NewRedisPool(addr string, db int, name string, projects []string, ttl, timeout time.Duration) *RedisPool {
	return &RedisPool{
		client:   redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		name:     name,
		projects: projects,
		holder:   uuid.NewString(),
		ttl:      ttl,
		timeout:  timeout,
		interval: redisPollInterval,
	}
}

func (p *RedisPool) key(project string) string {
	return fmt.Sprintf("smokerun:pool:%s:%s", p.name, project)
}

func (p *RedisPool) Acquire(ctx context.Context) (*Token, error) {
	var acquired string
	err := wait.PollUntilContextTimeout(ctx, p.interval, p.timeout, true, func(ctx context.Context) (bool, error) {
		for _, project := range p.projects {
			ok, err := p.client.SetNX(ctx, p.key(project), p.holder, p.ttl).Result()
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

func (p *RedisPool) release(ctx context.Context, project string) error {
	deleted, err := p.client.Eval(ctx, releaseScript, []string{p.key(project)}, p.holder).Int()
	if err != nil {
		return fmt.Errorf("error releasing project %s: %w", project, err)
	}
	if deleted == 0 {
		logrus.Warnf("[pool] reservation of project %s is no longer ours, not releasing", project)
		return nil
	}
	logrus.Infof("[pool] released project %s back to pool %s", project, p.name)
	return nil
}

// Close shuts the underlying client down.
func (p *RedisPool) Close() error {
	return p.client.Close()
}
