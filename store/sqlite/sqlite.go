// Package sqlite implements core.RequestStore on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/quorum/core"
)

var _ core.RequestStore = (*Store)(nil)

const columns = `id,prompt,task_type,strategy,config,callback_url,requester_id,tenant_id,priority,status,created_at,updated_at,estimated_completion,result,error`

// Store persists consensus requests in one table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	conn.SetMaxOpenConns(1)

	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{db: conn}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, req *core.ConsensusRequest) error {
	if req == nil || req.ID == "" {
		return errors.New("sqlite store: request id is required")
	}
	cfg, err := marshalNullable(req.Config, len(req.Config) > 0)
	if err != nil {
		return err
	}
	result, err := marshalNullable(req.Result, req.Result != nil)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO consensus_requests(`+columns+`,processing_ns) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Prompt, req.TaskType, string(req.Strategy), cfg, req.CallbackURL, req.RequesterID, req.TenantID,
		string(req.Priority), string(req.Status), unixNano(req.CreatedAt), unixNano(req.UpdatedAt),
		unixNano(req.EstimatedCompletion), result, req.Error, processingNanos(req.Result))
	if err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.ConsensusRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM consensus_requests WHERE id=?`, id))
}

// UpdateStatus performs the conditional write and reads the row back inside
// one transaction.
func (s *Store) UpdateStatus(ctx context.Context, id string, from []core.Status, update core.StatusUpdate) (*core.ConsensusRequest, error) {
	result, err := marshalNullable(update.Result, update.Result != nil)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	args := []any{
		string(update.Status), unixNano(update.UpdatedAt),
		update.Error, update.Error,
		result, processingNanos(update.Result),
		id,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`UPDATE consensus_requests SET status=?, updated_at=?,
		error=CASE WHEN ?='' THEN error ELSE ? END,
		result=COALESCE(?, result), processing_ns=COALESCE(?, processing_ns)
		WHERE id=? AND status IN (%s)`, placeholders(len(from)))
	if len(from) == 0 {
		query = strings.Replace(query, "IN ()", "IN (NULL)", 1)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM consensus_requests WHERE id=?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, &core.TransitionError{RequestID: id, From: core.Status(current), To: update.Status}
	}

	updated, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM consensus_requests WHERE id=?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) CountActive(ctx context.Context, priorities []core.Priority) (int, error) {
	if len(priorities) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(core.ActiveStatuses)+len(priorities))
	for _, st := range core.ActiveStatuses {
		args = append(args, string(st))
	}
	for _, p := range priorities {
		args = append(args, string(p))
	}
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM consensus_requests WHERE status IN (%s) AND priority IN (%s)`,
		placeholders(len(core.ActiveStatuses)), placeholders(len(priorities))), args...).Scan(&n)
	return n, err
}

func (s *Store) Stats(ctx context.Context) (core.QueueStats, error) {
	var stats core.QueueStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM consensus_requests GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch core.Status(status) {
		case core.StatusPending, core.StatusQueued:
			stats.Pending += n
		case core.StatusProcessing:
			stats.Processing += n
		case core.StatusCompleted:
			stats.Completed += n
		case core.StatusFailed:
			stats.Failed += n
		case core.StatusCancelled:
			stats.Cancelled += n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var (
		avg  sql.NullFloat64
		last sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT AVG(processing_ns), MAX(updated_at) FROM consensus_requests WHERE status=?`,
		string(core.StatusCompleted)).Scan(&avg, &last)
	if err != nil {
		return stats, err
	}
	if avg.Valid {
		stats.AvgProcessingTimeSeconds = avg.Float64 / float64(time.Second)
	}
	if last.Valid {
		t := fromUnixNano(last.Int64)
		stats.LastCompletedAt = &t
	}
	return stats, nil
}

func (s *Store) List(ctx context.Context, filter core.HistoryFilter) ([]*core.ConsensusRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.RequesterID != "" {
		where = append(where, "requester_id=?")
		args = append(args, filter.RequesterID)
	}
	if filter.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + columns + ` FROM consensus_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*core.ConsensusRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*core.ConsensusRequest, error) {
	var (
		req                         core.ConsensusRequest
		strategy, priority, status  string
		cfg, result                 sql.NullString
		created, updated, estimated int64
	)
	err := row.Scan(&req.ID, &req.Prompt, &req.TaskType, &strategy, &cfg, &req.CallbackURL, &req.RequesterID,
		&req.TenantID, &priority, &status, &created, &updated, &estimated, &result, &req.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.Strategy = core.Strategy(strategy)
	req.Priority = core.Priority(priority)
	req.Status = core.Status(status)
	req.CreatedAt = fromUnixNano(created)
	req.UpdatedAt = fromUnixNano(updated)
	req.EstimatedCompletion = fromUnixNano(estimated)
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &req.Config); err != nil {
			return nil, fmt.Errorf("decode config of %s: %w", req.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		req.Result = &core.ConsensusResult{}
		if err := json.Unmarshal([]byte(result.String), req.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", req.ID, err)
		}
	}
	return &req, nil
}

func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func processingNanos(r *core.ConsensusResult) any {
	if r == nil {
		return nil
	}
	return int64(r.ProcessingTime)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
