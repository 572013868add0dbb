// 包 migrate：标注归档表结构
package migrate

import (
	"context"
	"database/sql"

	"kiln-label/internal/logger"
)

// EnsureSchema：首次运行自动创建归档表与索引
// 约束：语句须同时兼容 SQLite 与 PostgreSQL；使用 IF NOT EXISTS，可重复执行
// 时间戳以 Unix 毫秒存储，主键由应用生成 uuid，不依赖任一方言的自增或 now()
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _kiln_exports (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			dataset TEXT NOT NULL,
			policy TEXT NOT NULL,
			criterion TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kiln_exports_dataset ON _kiln_exports(dataset, created_at)`,
		`CREATE TABLE IF NOT EXISTS _kiln_labels (
			export_id TEXT NOT NULL REFERENCES _kiln_exports(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			brick_kiln INTEGER NOT NULL,
			PRIMARY KEY (export_id, filename)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kiln_labels_filename ON _kiln_labels(filename)`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
