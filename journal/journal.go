// Package journal 用 sqlite 记录批处理结果，重复运行时跳过已完成的图片。
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	key         TEXT NOT NULL,
	input       TEXT NOT NULL,
	output      TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs(key, status);
`

type Entry struct {
	RunID     string
	Key       string
	Input     string
	Output    string
	Status    string
	Attempts  int
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Done key 是否已经成功处理过
func (j *Journal) Done(ctx context.Context, key string) (bool, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM jobs WHERE key = ? AND status = ?`, key, StatusDone).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query journal: %w", err)
	}
	return n > 0, nil
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO jobs (run_id, key, input, output, status, attempts, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Key, e.Input, e.Output, e.Status, e.Attempts, e.Error, e.Duration.Milliseconds(), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// Recent 最近 n 条记录，新的在前
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, key, input, output, status, attempts, error, duration_ms, created_at
		 FROM jobs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.RunID, &e.Key, &e.Input, &e.Output, &e.Status, &e.Attempts, &e.Error, &ms, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Key 输入内容哈希 + 输出路径，输入内容变了会重新处理
func Key(inputPath, outputPath string) (string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	_, _ = io.WriteString(h, "\x00"+outputPath)
	return hex.EncodeToString(h.Sum(nil)), nil
}
