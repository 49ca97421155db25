package reservation

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolExhausted is returned when no project in the pool frees up within
// the acquisition timeout.
var ErrPoolExhausted = errors.New("reservation pool exhausted")

// Pool hands out exclusive slots from a finite, named set of projects. One
// Acquire admits one smoke run; everything the run deploys lands in the
// project named by the returned token.
type Pool interface {
	Acquire(ctx context.Context) (*Token, error)
}

// Token is a held project slot. Release gives the slot back and is safe to
// call more than once; callers defer it immediately after Acquire.
type Token struct {
	Project string
	Pool    string
	Holder  string

	releaseOnce sync.Once
	release     func(ctx context.Context) error
}

// NewToken binds a held slot to its release action. Pool backends construct
// tokens; everyone else only releases them.
func NewToken(project, pool, holder string, release func(ctx context.Context) error) *Token {
	return &Token{
		Project: project,
		Pool:    pool,
		Holder:  holder,
		release: release,
	}
}

func (t *Token) Release(ctx context.Context) error {
	var err error
	t.releaseOnce.Do(func() {
		err = t.release(ctx)
	})
	return err
}
