package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fraudsentinel/inference"
)

const auditBatchSize = 64

// PredictionRecord 一条预测审计记录
type PredictionRecord struct {
	RequestID        string            `json:"request_id"`
	Features         []float64         `json:"features"`
	IsFraud          int               `json:"is_fraud"`
	FraudProbability float64           `json:"fraud_probability"`
	Label            string            `json:"label"`
	TopDrivers       inference.Drivers `json:"top_3_drivers"`
	LatencyMS        float64           `json:"latency_ms"`
	CreatedAt        time.Time         `json:"created_at"`
}

// NewPredictionRecord 由请求与结果构造审计记录
func NewPredictionRecord(requestID string, features []float64, r *inference.Result, latency time.Duration) PredictionRecord {
	return PredictionRecord{
		RequestID:        requestID,
		Features:         append([]float64(nil), features...),
		IsFraud:          r.IsFraud,
		FraudProbability: r.FraudProbability,
		Label:            r.Label,
		TopDrivers:       r.Explanation.TopDrivers,
		LatencyMS:        float64(latency.Microseconds()) / 1000,
		CreatedAt:        time.Now().UTC(),
	}
}

// AuditLog 异步批量写入预测记录，Record从不阻塞请求
type AuditLog struct {
	db      *sql.DB
	insert  *sql.Stmt
	records chan PredictionRecord
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewAuditLog 创建审计日志
func NewAuditLog(db *sql.DB, queueSize int, logger *zap.Logger) (*AuditLog, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stmt, err := db.Prepare(`INSERT INTO predictions
        (request_id, features, is_fraud, fraud_probability, label, top_drivers, latency_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare audit insert: %w", err)
	}
	return &AuditLog{
		db:      db,
		insert:  stmt,
		records: make(chan PredictionRecord, queueSize),
		logger:  logger,
	}, nil
}

// Record 入队，队列满时丢弃并返回false
func (a *AuditLog) Record(rec PredictionRecord) bool {
	select {
	case a.records <- rec:
		return true
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("audit queue is full, dropping records", zap.Uint64("dropped", a.dropped.Load()))
		}
		return false
	}
}

// Dropped 累计丢弃条数
func (a *AuditLog) Dropped() uint64 {
	return a.dropped.Load()
}

// Run 写入记录直到ctx结束，结束前排空队列
func (a *AuditLog) Run(ctx context.Context) error {
	batch := make([]PredictionRecord, 0, auditBatchSize)
	for {
		select {
		case rec := <-a.records:
			batch = append(batch[:0], rec)
		fill:
			for len(batch) < auditBatchSize {
				select {
				case rec := <-a.records:
					batch = append(batch, rec)
				default:
					break fill
				}
			}
			if err := a.saveBatch(context.WithoutCancel(ctx), batch); err != nil {
				a.logger.Error("write audit batch", zap.Int("records", len(batch)), zap.Error(err))
			}

		case <-ctx.Done():
			return a.drain(context.WithoutCancel(ctx))
		}
	}
}

func (a *AuditLog) drain(ctx context.Context) error {
	var batch []PredictionRecord
	for {
		select {
		case rec := <-a.records:
			batch = append(batch, rec)
		default:
			if len(batch) == 0 {
				return nil
			}
			if err := a.saveBatch(ctx, batch); err != nil {
				return fmt.Errorf("flush audit log: %w", err)
			}
			a.logger.Info("audit log flushed", zap.Int("records", len(batch)))
			return nil
		}
	}
}

// saveBatch 在一个事务中写入
func (a *AuditLog) saveBatch(ctx context.Context, batch []PredictionRecord) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt := tx.StmtContext(ctx, a.insert)
	for _, rec := range batch {
		features, err := json.Marshal(rec.Features)
		if err != nil {
			return multierr.Append(err, tx.Rollback())
		}
		drivers, err := json.Marshal(rec.TopDrivers)
		if err != nil {
			return multierr.Append(err, tx.Rollback())
		}
		if _, err := stmt.ExecContext(ctx,
			rec.RequestID, string(features), rec.IsFraud, rec.FraudProbability,
			rec.Label, string(drivers), rec.LatencyMS, rec.CreatedAt,
		); err != nil {
			return multierr.Append(fmt.Errorf("insert failed: %w", err), tx.Rollback())
		}
	}
	return tx.Commit()
}

// Recent 按时间倒序返回最近的记录
func (a *AuditLog) Recent(ctx context.Context, limit int) (records []PredictionRecord, err error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT request_id, features, is_fraud, fraud_probability, label, top_drivers, latency_ms, created_at
        FROM predictions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, rows.Close()) }()

	for rows.Next() {
		var rec PredictionRecord
		var features, drivers string
		if err := rows.Scan(&rec.RequestID, &features, &rec.IsFraud, &rec.FraudProbability,
			&rec.Label, &drivers, &rec.LatencyMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		if err := json.Unmarshal([]byte(drivers), &rec.TopDrivers); err != nil {
			return nil, fmt.Errorf("decode drivers: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close 释放预编译语句，数据库由调用方关闭
func (a *AuditLog) Close() error {
	return a.insert.Close()
}
