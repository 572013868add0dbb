// 包 store：标注归档的数据访问层，每次导出写入一条快照记录及其标注明细
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kiln-label/internal/export"
	"kiln-label/internal/logger"
	"kiln-label/internal/migrate"
	"kiln-label/internal/session"

	"github.com/google/uuid"
)

// Dialect：SQL 方言，决定占位符形式
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

var ErrNotFound = errors.New("store: export not found")

// Store：归档访问入口，持有连接池
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// AttachDB：包装已打开的连接并确保表结构
// 约束：建表失败时关闭 db，调用方无需再处理该连接
func AttachDB(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db, dialect: d}, nil
}

// Close：关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// ExportRecord：一次导出的元数据
type ExportRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Dataset   string    `json:"dataset"`
	Policy    string    `json:"policy"`
	Criterion string    `json:"criterion"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// LabelRecord：归档中的单条标注
type LabelRecord struct {
	Filename string  `json:"filename"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Kiln     bool    `json:"brick_kiln"`
}

// FromRows：导出行转归档记录；未标注行不入库，同名文件只保留首行（文件名即身份）
func FromRows(rows []export.Row) []LabelRecord {
	out := make([]LabelRecord, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.Label == session.Unset || seen[r.Loc.Filename] {
			continue
		}
		seen[r.Loc.Filename] = true
		out = append(out, LabelRecord{Filename: r.Loc.Filename, Lat: r.Loc.Lat, Lon: r.Loc.Lon, Kiln: r.Label == session.Yes})
	}
	return out
}

// RecordExport：在单个事务内写入导出元数据与明细，返回生成的 id
func (s *Store) RecordExport(ctx context.Context, rec ExportRecord, labels []LabelRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO _kiln_exports(id, session_id, dataset, policy, criterion, row_count, created_at) VALUES(?,?,?,?,?,?,?)`),
		rec.ID, rec.SessionID, rec.Dataset, rec.Policy, rec.Criterion, rec.Rows, rec.CreatedAt.UnixMilli()); err != nil {
		return "", err
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO _kiln_labels(export_id, filename, lat, lon, brick_kiln) VALUES(?,?,?,?,?)`))
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for _, l := range labels {
		v := 0
		if l.Kiln {
			v = 1
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, l.Filename, l.Lat, l.Lon, v); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logger.L().Info("archive_export_ok", "id", rec.ID, "dataset", rec.Dataset, "labels", len(labels))
	return rec.ID, nil
}

// ListExports：按时间倒序列出导出；dataset 为空时不过滤
func (s *Store) ListExports(ctx context.Context, dataset string, limit int) ([]ExportRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, session_id, dataset, policy, criterion, row_count, created_at FROM _kiln_exports`
	args := []any{}
	if dataset != "" {
		q += ` WHERE dataset=?`
		args = append(args, dataset)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExportRecord
	for rows.Next() {
		var r ExportRecord
		var ms int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Dataset, &r.Policy, &r.Criterion, &r.Rows, &ms); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExportLabels：读取某次导出的标注明细，按文件名排序
func (s *Store) ExportLabels(ctx context.Context, id string) ([]LabelRecord, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM _kiln_exports WHERE id=?`), id).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT filename, lat, lon, brick_kiln FROM _kiln_labels WHERE export_id=? ORDER BY filename`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LabelRecord
	for rows.Next() {
		var l LabelRecord
		var v int
		if err := rows.Scan(&l.Filename, &l.Lat, &l.Lon, &v); err != nil {
			return nil, err
		}
		l.Kiln = v == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

// LatestLabels：某数据集在最近一次导出中的标注，用于恢复会话
func (s *Store) LatestLabels(ctx context.Context, dataset string) (map[string]bool, error) {
	recs, err := s.ListExports(ctx, dataset, 1)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	if len(recs) == 0 {
		return out, nil
	}
	labels, err := s.ExportLabels(ctx, recs[0].ID)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		out[l.Filename] = l.Kiln
	}
	return out, nil
}

// rebind：把 ? 占位符改写为 PostgreSQL 的 $n
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
