// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"forensicworker/src/model"
)

// UpdatesChannel is the LISTEN/NOTIFY channel signalled whenever a task
// becomes claimable or frees a slot.
const UpdatesChannel = "tasks_updated"

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS forensic_tasks (
		id               TEXT PRIMARY KEY,
		artifact_ref     TEXT NOT NULL,
		artifact_mime    TEXT NOT NULL DEFAULT '',
		artifact_size    BIGINT NOT NULL DEFAULT 0,
		analysis_type    TEXT NOT NULL,
		requester        TEXT NOT NULL,
		status           TEXT NOT NULL,
		progress         INT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ,
		result           JSONB,
		error            TEXT,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		worker_id        TEXT NOT NULL DEFAULT '',
		heartbeat_at     TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS forensic_tasks_lane_idx ON forensic_tasks (analysis_type, status, created_at);
	CREATE INDEX IF NOT EXISTS forensic_tasks_requester_idx ON forensic_tasks (requester, status);
`

const taskColumns = `id, artifact_ref, artifact_mime, artifact_size, analysis_type, requester, status,
	progress, created_at, started_at, completed_at, result, error, cancel_requested, worker_id, heartbeat_at`

// claimLockKey serialises claims so the per-requester cap holds across
// workers and processes.
const claimLockKey = 7340041

// PostgresStore is the durable backend built on lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                             model.Task
		started, completed, heartbeat sql.NullTime
		result                        []byte
		errMsg                        sql.NullString
		analysisType, status          string
	)
	err := row.Scan(&t.ID, &t.ArtifactRef, &t.ArtifactMIME, &t.ArtifactSize, &analysisType, &t.Requester, &status,
		&t.Progress, &t.CreatedAt, &started, &completed, &result, &errMsg, &t.CancelRequested, &t.WorkerID, &heartbeat)
	if err != nil {
		return model.Task{}, err
	}
	t.AnalysisType = model.AnalysisType(analysisType)
	t.Status = model.TaskStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.StartedAt = nullTime(started)
	t.CompletedAt = nullTime(completed)
	t.HeartbeatAt = nullTime(heartbeat)
	if result != nil {
		t.Result = json.RawMessage(result)
	}
	if errMsg.Valid {
		msg := errMsg.String
		t.Error = &msg
	}
	return t, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := v.Time.UTC()
	return &ts
}

func (p *PostgresStore) notify(ctx context.Context, tx *sql.Tx, payload string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", UpdatesChannel, payload)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, t *model.Task) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO forensic_tasks (id, artifact_ref, artifact_mime, artifact_size, analysis_type, requester, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.ArtifactRef, t.ArtifactMIME, t.ArtifactSize, string(t.AnalysisType), t.Requester, string(t.Status), t.Progress, t.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return model.Conflictf("task %s already exists", t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	if err := p.notify(ctx, tx, string(t.AnalysisType)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(p.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM forensic_tasks WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NotFoundf("task %s not found", id)
	}
	return t, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]model.Task, error) {
	query := "SELECT " + taskColumns + ` FROM forensic_tasks
		WHERE ($1 = '' OR requester = $1)
		AND ($2 = '' OR status = $2)
		AND ($3 = '' OR analysis_type = $3)
		ORDER BY created_at DESC`
	args := []any{f.Requester, string(f.Status), string(f.AnalysisType)}
	if f.Limit > 0 {
		query += " LIMIT $4"
		args = append(args, f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindActive(ctx context.Context, ref string, typ model.AnalysisType, requester string) (model.Task, error) {
	t, err := scanTask(p.db.QueryRowContext(ctx, "SELECT "+taskColumns+` FROM forensic_tasks
		WHERE artifact_ref = $1 AND analysis_type = $2 AND requester = $3
		AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT 1`, ref, string(typ), requester))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NotFoundf("no active task for %s", ref)
	}
	return t, err
}

func (p *PostgresStore) CountPending(ctx context.Context, typ model.AnalysisType) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forensic_tasks WHERE status = 'PENDING' AND analysis_type = $1", string(typ)).Scan(&n)
	return n, err
}

func (p *PostgresStore) Claim(ctx context.Context, typ model.AnalysisType, workerID string, maxRunning int) (model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", claimLockKey); err != nil {
		return model.Task{}, fmt.Errorf("acquire claim lock: %w", err)
	}

	query := `
		UPDATE forensic_tasks
		SET status = 'RUNNING', started_at = NOW(), heartbeat_at = NOW(), worker_id = $2, progress = 0
		WHERE id = (
			SELECT t.id FROM forensic_tasks t
			WHERE t.status = 'PENDING'
			AND t.analysis_type = $1
			AND ($3 <= 0 OR (
				SELECT COUNT(*) FROM forensic_tasks r
				WHERE r.requester = t.requester AND r.status = 'RUNNING'
			) < $3)
			ORDER BY t.created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRowContext(ctx, query, string(typ), workerID, maxRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNoTask
	} else if err != nil {
		return model.Task{}, fmt.Errorf("claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE forensic_tasks
		SET progress = GREATEST(progress, LEAST($2, 100)), heartbeat_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'`, id, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missingOrConflict(ctx, id)
	}
	return nil
}

func (p *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		"UPDATE forensic_tasks SET heartbeat_at = NOW() WHERE id = $1 AND status = 'RUNNING'", id)
	return err
}

func (p *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	t, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return model.Conflictf("task %s is %s", id, t.Status)
}

// lockTask loads a task row for update inside tx.
func lockTask(ctx context.Context, tx *sql.Tx, id string) (model.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM forensic_tasks WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NotFoundf("task %s not found", id)
	}
	return t, err
}

func (p *PostgresStore) save(ctx context.Context, tx *sql.Tx, t model.Task) error {
	var result any
	if t.Result != nil {
		result = string(t.Result)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE forensic_tasks
		SET status = $2, progress = $3, started_at = $4, completed_at = $5, result = $6,
		    error = $7, cancel_requested = $8, worker_id = $9, heartbeat_at = $10
		WHERE id = $1`,
		t.ID, string(t.Status), t.Progress, t.StartedAt, t.CompletedAt, result,
		t.Error, t.CancelRequested, t.WorkerID, t.HeartbeatAt)
	return err
}

func (p *PostgresStore) Finish(ctx context.Context, id string, status model.TaskStatus, result json.RawMessage, errMsg *string) (model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}
	if err := finishTask(&t, status, result, errMsg, time.Now().UTC()); err != nil {
		return model.Task{}, err
	}
	if err := p.save(ctx, tx, t); err != nil {
		return model.Task{}, fmt.Errorf("finish task: %w", err)
	}
	if err := p.notify(ctx, tx, string(t.AnalysisType)); err != nil {
		return model.Task{}, fmt.Errorf("notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit finish: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) Cancel(ctx context.Context, id string) (model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return model.Task{}, err
	}
	if err := cancelTask(&t, time.Now().UTC()); err != nil {
		return model.Task{}, err
	}
	if err := p.save(ctx, tx, t); err != nil {
		return model.Task{}, fmt.Errorf("cancel task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("commit cancel: %w", err)
	}
	return t, nil
}

// Recover handles tasks left RUNNING by a worker that died.
func (p *PostgresStore) Recover(ctx context.Context, policy model.RecoveryPolicy, staleAfter time.Duration) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	const stale = `status = 'RUNNING'
		AND ($1::float8 <= 0 OR heartbeat_at IS NULL OR heartbeat_at < NOW() - make_interval(secs => $1::float8))`
	secs := staleAfter.Seconds()

	cancelled, err := tx.ExecContext(ctx, `
		UPDATE forensic_tasks
		SET status = 'CANCELLED', completed_at = NOW(), heartbeat_at = NULL
		WHERE cancel_requested AND `+stale, secs)
	if err != nil {
		return 0, fmt.Errorf("recover cancelled tasks: %w", err)
	}

	var res sql.Result
	if policy == model.RecoverRequeue {
		res, err = tx.ExecContext(ctx, `
			UPDATE forensic_tasks
			SET status = 'PENDING', progress = 0, started_at = NULL, worker_id = '', heartbeat_at = NULL
			WHERE `+stale, secs)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE forensic_tasks
			SET status = 'FAILED', completed_at = NOW(), error = $2, heartbeat_at = NULL
			WHERE `+stale, secs, model.InterruptedMessage)
	}
	if err != nil {
		return 0, fmt.Errorf("recover running tasks: %w", err)
	}
	if err := p.notify(ctx, tx, ""); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}

	n1, _ := cancelled.RowsAffected()
	n2, _ := res.RowsAffected()
	return n1 + n2, nil
}

func (p *PostgresStore) Stats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats

	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'PENDING') as pending,
				COUNT(*) FILTER (WHERE status = 'RUNNING') as running,
				COUNT(*) FILTER (WHERE status = 'COMPLETED') as completed,
				COUNT(*) FILTER (WHERE status = 'FAILED') as failed,
				COUNT(*) FILTER (WHERE status = 'CANCELLED') as cancelled
			FROM forensic_tasks
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE completed_at > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM forensic_tasks
			WHERE status = 'COMPLETED' AND completed_at IS NOT NULL AND started_at IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`

	err := p.db.QueryRowContext(ctx, query).Scan(
		&gs.TotalTasks, &gs.PendingTasks, &gs.RunningTasks,
		&gs.CompletedTasks, &gs.FailedTasks, &gs.CancelledTasks,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("query system stats: %w", err)
	}
	return gs, nil
}
