// Package gitref maps a pull request change id onto the upstream merge
// refspec and resolves it to a commit.
package gitref

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/worker"
)

// ErrRefspecNotFound means the upstream has no merge ref for the change,
// which usually means the pull request was closed or never existed. The run
// aborts before touching the environment.
var ErrRefspecNotFound = errors.New("refspec not found on upstream")

// Ref is a resolved source reference.
type Ref struct {
	Refspec string
	Commit  string
}

// Refspec builds the merge ref for a pull request change id.
func Refspec(changeID string) string {
	return fmt.Sprintf("refs/pull/%s/merge", changeID)
}

// Resolver queries the upstream repository for the change under test.
type Resolver struct {
	Repo     string
	ChangeID string
}

// Resolve asks the upstream for the merge ref's commit. The query runs
// through the worker so the credentials and network position are the same
// ones the deploy will use.
func (r *Resolver) Resolve(ctx context.Context, w worker.Worker) (Ref, error) {
	refspec := Refspec(r.ChangeID)
	logrus.Infof("[gitref] resolving %s on %s", refspec, r.Repo)

	res, err := w.Exec(ctx, worker.Command{
		Name: "ls-remote",
		Args: []string{"git", "ls-remote", r.Repo, refspec},
	})
	if err != nil {
		return Ref{}, fmt.Errorf("error querying %s for %s: %w", r.Repo, refspec, err)
	}

	commit := parseLsRemote(res.Stdout)
	if commit == "" {
		return Ref{}, fmt.Errorf("%w: %s has no %s (was the pull request closed?)", ErrRefspecNotFound, r.Repo, refspec)
	}

	logrus.Infof("[gitref] %s resolves to %s", refspec, commit)
	return Ref{Refspec: refspec, Commit: commit}, nil
}

// parseLsRemote extracts the object id from ls-remote output, which is one
// tab-separated "<sha>\t<ref>" line per match.
func parseLsRemote(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			return fields[0]
		}
	}
	return ""
}
