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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"forensicworker/src/model"
)

const mysqlClaimLock = "forensic_tasks_claim"

// taskRow is the gorm mapping of model.Task.
type taskRow struct {
	ID              string     `gorm:"primaryKey;size:64"`
	ArtifactRef     string     `gorm:"size:2048;not null"`
	ArtifactMIME    string     `gorm:"size:255"`
	ArtifactSize    int64      `gorm:"not null;default:0"`
	AnalysisType    string     `gorm:"size:32;not null;index:idx_lane,priority:1"`
	Requester       string     `gorm:"size:255;not null;index:idx_requester,priority:1"`
	Status          string     `gorm:"size:16;not null;index:idx_lane,priority:2;index:idx_requester,priority:2"`
	Progress        int        `gorm:"not null;default:0"`
	CreatedAt       time.Time  `gorm:"not null;precision:6;index:idx_lane,priority:3"`
	StartedAt       *time.Time `gorm:"precision:6"`
	CompletedAt     *time.Time `gorm:"precision:6"`
	Result          []byte     `gorm:"type:json"`
	Error           *string    `gorm:"type:text"`
	CancelRequested bool       `gorm:"not null;default:false"`
	WorkerID        string     `gorm:"size:64"`
	HeartbeatAt     *time.Time `gorm:"precision:6"`
}

func (taskRow) TableName() string { return "forensic_tasks" }

func rowFromTask(t *model.Task) taskRow {
	r := taskRow{
		ID:              t.ID,
		ArtifactRef:     t.ArtifactRef,
		ArtifactMIME:    t.ArtifactMIME,
		ArtifactSize:    t.ArtifactSize,
		AnalysisType:    string(t.AnalysisType),
		Requester:       t.Requester,
		Status:          string(t.Status),
		Progress:        t.Progress,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		Error:           t.Error,
		CancelRequested: t.CancelRequested,
		WorkerID:        t.WorkerID,
		HeartbeatAt:     t.HeartbeatAt,
	}
	if t.Result != nil {
		r.Result = []byte(t.Result)
	}
	return r
}

func (r taskRow) task() model.Task {
	t := model.Task{
		ID:              r.ID,
		ArtifactRef:     r.ArtifactRef,
		ArtifactMIME:    r.ArtifactMIME,
		ArtifactSize:    r.ArtifactSize,
		AnalysisType:    model.AnalysisType(r.AnalysisType),
		Requester:       r.Requester,
		Status:          model.TaskStatus(r.Status),
		Progress:        r.Progress,
		CreatedAt:       r.CreatedAt.UTC(),
		StartedAt:       utcPtr(r.StartedAt),
		CompletedAt:     utcPtr(r.CompletedAt),
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		WorkerID:        r.WorkerID,
		HeartbeatAt:     utcPtr(r.HeartbeatAt),
	}
	if r.Result != nil {
		t.Result = json.RawMessage(r.Result)
	}
	return t
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := ts.UTC()
	return &v
}

// GormStore is the MySQL backend built on gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenMySQL connects to MySQL and runs migrations.
func OpenMySQL(dsn string) (*GormStore, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) Create(ctx context.Context, t *model.Task) error {
	row := rowFromTask(t)
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.Conflictf("task %s already exists", t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (g *GormStore) Get(ctx context.Context, id string) (model.Task, error) {
	var row taskRow
	err := g.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, model.NotFoundf("task %s not found", id)
	} else if err != nil {
		return model.Task{}, err
	}
	return row.task(), nil
}

func (g *GormStore) List(ctx context.Context, f Filter) ([]model.Task, error) {
	q := g.db.WithContext(ctx).Model(&taskRow{})
	if f.Requester != "" {
		q = q.Where("requester = ?", f.Requester)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.AnalysisType != "" {
		q = q.Where("analysis_type = ?", string(f.AnalysisType))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []taskRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.task())
	}
	return out, nil
}

func (g *GormStore) FindActive(ctx context.Context, ref string, typ model.AnalysisType, requester string) (model.Task, error) {
	var row taskRow
	err := g.db.WithContext(ctx).
		Where("artifact_ref = ? AND analysis_type = ? AND requester = ?", ref, string(typ), requester).
		Where("status IN ?", []string{string(model.TaskPending), string(model.TaskRunning)}).
		Order("created_at ASC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, model.NotFoundf("no active task for %s", ref)
	} else if err != nil {
		return model.Task{}, err
	}
	return row.task(), nil
}

func (g *GormStore) CountPending(ctx context.Context, typ model.AnalysisType) (int, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&taskRow{}).
		Where("status = ? AND analysis_type = ?", string(model.TaskPending), string(typ)).
		Count(&n).Error
	return int(n), err
}

// Claim holds a named lock on a pinned connection around the transaction so
// the per-requester cap is checked and applied atomically.
func (g *GormStore) Claim(ctx context.Context, typ model.AnalysisType, workerID string, maxRunning int) (model.Task, error) {
	var claimed taskRow
	err := g.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var locked int
		if err := conn.Raw("SELECT GET_LOCK(?, 10)", mysqlClaimLock).Scan(&locked).Error; err != nil {
			return err
		}
		if locked != 1 {
			return errors.New("claim lock timeout")
		}
		defer conn.Exec("SELECT RELEASE_LOCK(?)", mysqlClaimLock)

		return conn.Transaction(func(tx *gorm.DB) error {
			q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ? AND analysis_type = ?", string(model.TaskPending), string(typ))
			if maxRunning > 0 {
				saturated := tx.Model(&taskRow{}).
					Select("requester").
					Where("status = ?", string(model.TaskRunning)).
					Group("requester").
					Having("COUNT(*) >= ?", maxRunning)
				q = q.Where("requester NOT IN (?)", saturated)
			}
			if err := q.Order("created_at ASC").Take(&claimed).Error; err != nil {
				return err
			}

			now := time.Now().UTC()
			claimed.Status = string(model.TaskRunning)
			claimed.StartedAt = &now
			claimed.HeartbeatAt = &now
			claimed.WorkerID = workerID
			claimed.Progress = 0
			return tx.Save(&claimed).Error
		})
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, ErrNoTask
	} else if err != nil {
		return model.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return claimed.task(), nil
}

func (g *GormStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress > 100 {
		progress = 100
	}
	res := g.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(model.TaskRunning)).
		Updates(map[string]any{
			"progress":     gorm.Expr("GREATEST(progress, ?)", progress),
			"heartbeat_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		t, err := g.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != model.TaskRunning {
			return model.Conflictf("task %s is %s", id, t.Status)
		}
	}
	return nil
}

func (g *GormStore) Heartbeat(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(model.TaskRunning)).
		Update("heartbeat_at", time.Now().UTC()).Error
}

// mutate loads a row for update, applies fn and saves the result.
func (g *GormStore) mutate(ctx context.Context, id string, fn func(t *model.Task) error) (model.Task, error) {
	var out model.Task
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.NotFoundf("task %s not found", id)
		} else if err != nil {
			return err
		}
		t := row.task()
		if err := fn(&t); err != nil {
			return err
		}
		updated := rowFromTask(&t)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (g *GormStore) Finish(ctx context.Context, id string, status model.TaskStatus, result json.RawMessage, errMsg *string) (model.Task, error) {
	return g.mutate(ctx, id, func(t *model.Task) error {
		return finishTask(t, status, result, errMsg, time.Now().UTC())
	})
}

func (g *GormStore) Cancel(ctx context.Context, id string) (model.Task, error) {
	return g.mutate(ctx, id, func(t *model.Task) error {
		return cancelTask(t, time.Now().UTC())
	})
}

func (g *GormStore) Recover(ctx context.Context, policy model.RecoveryPolicy, staleAfter time.Duration) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []taskRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("status = ?", string(model.TaskRunning))
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, r := range rows {
			t := r.task()
			if !isStale(&t, staleAfter, now) {
				continue
			}
			recoverTask(&t, policy, now)
			updated := rowFromTask(&t)
			if err := tx.Save(&updated).Error; err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (g *GormStore) Stats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats
	var counts []struct {
		Status string
		N      int
	}
	db := g.db.WithContext(ctx)
	if err := db.Model(&taskRow{}).Select("status, COUNT(*) AS n").Group("status").Scan(&counts).Error; err != nil {
		return GlobalStats{}, fmt.Errorf("query system stats: %w", err)
	}
	for _, c := range counts {
		gs.TotalTasks += c.N
		switch model.TaskStatus(c.Status) {
		case model.TaskPending:
			gs.PendingTasks = c.N
		case model.TaskRunning:
			gs.RunningTasks = c.N
		case model.TaskCompleted:
			gs.CompletedTasks = c.N
		case model.TaskFailed:
			gs.FailedTasks = c.N
		case model.TaskCancelled:
			gs.CancelledTasks = c.N
		}
	}

	var perf struct {
		AvgExec    float64
		Throughput float64
	}
	err := db.Model(&taskRow{}).
		Select(`COALESCE(AVG(TIMESTAMPDIFF(MICROSECOND, started_at, completed_at)) / 1000000, 0) AS avg_exec,
			COALESCE(SUM(completed_at > NOW() - INTERVAL 1 HOUR), 0) AS throughput`).
		Where("status = ? AND completed_at IS NOT NULL AND started_at IS NOT NULL", string(model.TaskCompleted)).
		Scan(&perf).Error
	if err != nil {
		return GlobalStats{}, fmt.Errorf("query system stats: %w", err)
	}
	gs.AvgExecutionSec = perf.AvgExec
	gs.ThroughputTasks = perf.Throughput
	return gs, nil
}
