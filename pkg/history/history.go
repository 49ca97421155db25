// Package history records finished runs in Postgres so flaky smoke tests
// can be tracked across changes.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS smoke_runs (
		id          TEXT PRIMARY KEY,
		project     TEXT,
		refspec     TEXT,
		commit_sha  TEXT,
		status      TEXT NOT NULL,
		phases      JSONB,
		diagnostics JSONB,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	)
`

type Recorder struct {
	pool *pgxpool.Pool
}

// Open connects to the database and makes sure the run table exists.
func Open(ctx context.Context, dsn string) (*Recorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to history database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error preparing history schema: %w", err)
	}
	return &Recorder{pool: pool}, nil
}

func (r *Recorder) Name() string {
	return "postgres"
}

// Record inserts the finished run.
func (r *Recorder) Record(ctx context.Context, result *types.RunResult) error {
	phasesJSON, err := json.Marshal(result.Phases)
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}
	diagnosticsJSON, err := json.Marshal(result.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}

	query := `
		INSERT INTO smoke_runs (id, project, refspec, commit_sha, status, phases, diagnostics, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		result.ID,
		result.Project,
		result.Refspec,
		result.Commit,
		result.Status,
		phasesJSON,
		diagnosticsJSON,
		result.StartedAt,
		result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	logrus.Debugf("[history] recorded run %s", result.ID)
	return nil
}

func (r *Recorder) Close() {
	r.pool.Close()
}
