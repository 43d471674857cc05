package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 运行状态
const (
	RunStatusRunning  = "RUNNING"
	RunStatusFinished = "FINISHED"
	RunStatusFailed   = "FAILED"
)

// ErrRunNotFound 运行不存在
var ErrRunNotFound = errors.New("run not found")

// Tracker 记录训练实验、参数与指标
type Tracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTracker 创建实验跟踪器
func NewTracker(db *sql.DB, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, logger: logger}
}

// Run 一次训练运行
type Run struct {
	ID         string
	Experiment string
	StartedAt  time.Time

	tracker *Tracker
}

// RunRecord 持久化的运行记录
type RunRecord struct {
	ID         string             `json:"id"`
	Experiment string             `json:"experiment"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Params     map[string]string  `json:"params"`
	Metrics    map[string]float64 `json:"metrics"`
	Artifacts  map[string]string  `json:"artifacts"`
}

// StartRun 在实验下开始新运行，实验不存在时创建
func (t *Tracker) StartRun(ctx context.Context, experiment string) (*Run, error) {
	if experiment == "" {
		return nil, errors.New("experiment name is required")
	}
	now := time.Now().UTC()

	if _, err := t.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (name, created_at) VALUES (?, ?)`, experiment, now); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}

	var experimentID int64
	if err := t.db.QueryRowContext(ctx,
		`SELECT id FROM experiments WHERE name = ?`, experiment).Scan(&experimentID); err != nil {
		return nil, fmt.Errorf("lookup experiment: %w", err)
	}

	run := &Run{ID: uuid.NewString(), Experiment: experiment, StartedAt: now, tracker: t}
	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment_id, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, experimentID, RunStatusRunning, now); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	t.logger.Info("tracking run started", zap.String("experiment", experiment), zap.String("run_id", run.ID))
	return run, nil
}

// inTx 在事务中执行fn
func (t *Tracker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	return tx.Commit()
}

// LogParams 记录参数，同名参数覆盖
func (r *Run) LogParams(ctx context.Context, params map[string]string) error {
	return r.tracker.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range slices.Sorted(maps.Keys(params)) {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO run_params (run_id, key, value) VALUES (?, ?, ?)`,
				r.ID, key, params[key]); err != nil {
				return fmt.Errorf("log param %s: %w", key, err)
			}
		}
		return nil
	})
}

// LogMetrics 记录指标；NaN与无穷大无法存入REAL列，跳过并告警
func (r *Run) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	now := time.Now().UTC()
	return r.tracker.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range slices.Sorted(maps.Keys(metrics)) {
			value := metrics[key]
			if math.IsNaN(value) || math.IsInf(value, 0) {
				r.tracker.logger.Warn("skipping non-finite metric", zap.String("run_id", r.ID), zap.String("key", key))
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO run_metrics (run_id, key, value, logged_at) VALUES (?, ?, ?, ?)`,
				r.ID, key, value, now); err != nil {
				return fmt.Errorf("log metric %s: %w", key, err)
			}
		}
		return nil
	})
}

// LogArtifact 记录运行产出的文件
func (r *Run) LogArtifact(ctx context.Context, name, path string) error {
	_, err := r.tracker.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_artifacts (run_id, name, path) VALUES (?, ?, ?)`, r.ID, name, path)
	if err != nil {
		return fmt.Errorf("log artifact %s: %w", name, err)
	}
	return nil
}

// End 结束运行
func (r *Run) End(ctx context.Context, status string) error {
	switch status {
	case RunStatusFinished, RunStatusFailed:
	default:
		return fmt.Errorf("invalid run status %q", status)
	}
	res, err := r.tracker.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`, status, time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	r.tracker.logger.Info("tracking run ended", zap.String("run_id", r.ID), zap.String("status", status))
	return nil
}

// GetRun 读取运行及其参数、指标、产出
func (t *Tracker) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	rec := &RunRecord{
		Params:    make(map[string]string),
		Metrics:   make(map[string]float64),
		Artifacts: make(map[string]string),
	}
	var ended sql.NullTime
	err := t.db.QueryRowContext(ctx, `
        SELECT r.id, e.name, r.status, r.started_at, r.ended_at
        FROM runs r JOIN experiments e ON e.id = r.experiment_id
        WHERE r.id = ?`, id).Scan(&rec.ID, &rec.Experiment, &rec.Status, &rec.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		rec.EndedAt = &ended.Time
	}

	if err := t.scanPairs(ctx, `SELECT key, value FROM run_params WHERE run_id = ?`, id, func(rows *sql.Rows) error {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		rec.Params[k] = v
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	if err := t.scanPairs(ctx, `SELECT key, value FROM run_metrics WHERE run_id = ?`, id, func(rows *sql.Rows) error {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		rec.Metrics[k] = v
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	if err := t.scanPairs(ctx, `SELECT name, path FROM run_artifacts WHERE run_id = ?`, id, func(rows *sql.Rows) error {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		rec.Artifacts[k] = v
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	return rec, nil
}

func (t *Tracker) scanPairs(ctx context.Context, query, id string, scan func(*sql.Rows) error) (err error) {
	rows, err := t.db.QueryContext(ctx, query, id)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListRuns 按开始时间倒序列出实验下的运行ID
func (t *Tracker) ListRuns(ctx context.Context, experiment string) (ids []string, err error) {
	rows, err := t.db.QueryContext(ctx, `
        SELECT r.id FROM runs r JOIN experiments e ON e.id = r.experiment_id
        WHERE e.name = ? ORDER BY r.started_at DESC, r.rowid DESC`, experiment)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
