// Package db 提供基于SQLite的实验跟踪与预测审计存储
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL UNIQUE,
        created_at DATETIME NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        experiment_id INTEGER NOT NULL REFERENCES experiments(id),
        status TEXT NOT NULL,
        started_at DATETIME NOT NULL,
        ended_at DATETIME
    )`,
	`CREATE TABLE IF NOT EXISTS run_params (
        run_id TEXT NOT NULL REFERENCES runs(id),
        key TEXT NOT NULL,
        value TEXT NOT NULL,
        PRIMARY KEY (run_id, key)
    )`,
	`CREATE TABLE IF NOT EXISTS run_metrics (
        run_id TEXT NOT NULL REFERENCES runs(id),
        key TEXT NOT NULL,
        value REAL NOT NULL,
        logged_at DATETIME NOT NULL,
        PRIMARY KEY (run_id, key)
    )`,
	`CREATE TABLE IF NOT EXISTS run_artifacts (
        run_id TEXT NOT NULL REFERENCES runs(id),
        name TEXT NOT NULL,
        path TEXT NOT NULL,
        PRIMARY KEY (run_id, name)
    )`,
	`CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT NOT NULL,
        features TEXT NOT NULL,
        is_fraud INTEGER NOT NULL,
        fraud_probability REAL NOT NULL,
        label TEXT NOT NULL,
        top_drivers TEXT NOT NULL,
        latency_ms REAL NOT NULL,
        created_at DATETIME NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id, started_at)`,
}

// Open 打开（必要时创建）数据库并建表，使用WAL模式
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite单写者
	database.SetMaxOpenConns(1)
	database.SetConnMaxLifetime(time.Hour)

	for _, query := range schema {
		if _, err := database.Exec(query); err != nil {
			database.Close()
			return nil, fmt.Errorf("create tables failed: %w", err)
		}
	}
	return database, nil
}
