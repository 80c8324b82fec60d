package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"OpenAudit/internal/audit"
)

// SQLConfig 描述 SQL 证据存储的连接参数。
type SQLConfig struct {
	// Driver 取值 mysql 或 sqlite。
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore 使用 MySQL 或 SQLite 保存证据记录。
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore 创建连接池并初始化数据表。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLStore{db: db, dialect: dialect}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg SQLConfig) (*sql.DB, string, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("证据存储 DSN 不能为空")
	}
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	driverName := dialect
	switch dialect {
	case "mysql":
	case "sqlite", "sqlite3":
		dialect, driverName = "sqlite", "sqlite"
	default:
		return nil, "", fmt.Errorf("暂不支持的存储驱动: %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("连接 %s 失败: %w", dialect, err)
	}

	if dialect == "sqlite" {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("无法连接到 %s: %w", dialect, err)
	}
	return db, dialect, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	var statements []string
	switch s.dialect {
	case "mysql":
		statements = []string{`CREATE TABLE IF NOT EXISTS evidence_records (
        id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
        subject_id VARCHAR(128) NOT NULL,
        source VARCHAR(128) NOT NULL,
        status VARCHAR(16) NOT NULL,
        payload LONGTEXT NULL,
        error_message TEXT NULL,
        fetched_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        INDEX idx_evidence_subject (subject_id, source, fetched_at)
)`}
	default:
		statements = []string{`CREATE TABLE IF NOT EXISTS evidence_records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        subject_id TEXT NOT NULL,
        source TEXT NOT NULL,
        status TEXT NOT NULL,
        payload TEXT NULL,
        error_message TEXT NULL,
        fetched_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_evidence_subject ON evidence_records (subject_id, source, fetched_at)`,
		}
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化证据表失败: %w", err)
		}
	}
	return nil
}

// Save 在单个事务内写入全部记录。
func (s *SQLStore) Save(ctx context.Context, records ...audit.EvidenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启写入事务失败: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO evidence_records
        (subject_id, source, status, payload, error_message, fetched_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备写入语句失败: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var payload sql.NullString
		if len(rec.Payload) > 0 {
			payload = sql.NullString{String: string(rec.Payload), Valid: true}
		}
		var errMsg sql.NullString
		if rec.Error != "" {
			errMsg = sql.NullString{String: rec.Error, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, rec.SubjectID, rec.Source, string(rec.Status), payload, errMsg,
			rec.FetchedAt.UnixNano(), rec.ExpiresAt.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("写入证据记录失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交证据记录失败: %w", err)
	}
	return nil
}

// Latest 返回每个来源最新的一条记录。
func (s *SQLStore) Latest(ctx context.Context, subjectID string) ([]audit.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, status, payload, error_message, fetched_at, expires_at
FROM evidence_records
WHERE subject_id = ?
ORDER BY fetched_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("查询证据记录失败: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var records []audit.EvidenceRecord
	for rows.Next() {
		var (
			source, status     string
			payload, errMsg    sql.NullString
			fetchedAt, expires int64
		)
		if err := rows.Scan(&source, &status, &payload, &errMsg, &fetchedAt, &expires); err != nil {
			return nil, fmt.Errorf("解析证据记录失败: %w", err)
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		rec := audit.EvidenceRecord{
			SubjectID: subjectID,
			Source:    source,
			Status:    audit.Status(status),
			Error:     errMsg.String,
			FetchedAt: time.Unix(0, fetchedAt).UTC(),
			ExpiresAt: time.Unix(0, expires).UTC(),
		}
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历证据记录失败: %w", err)
	}
	sortBySource(records)
	return records, nil
}

// Close 关闭连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
