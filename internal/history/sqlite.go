package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"modbus-gateway/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS point_values (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device     TEXT    NOT NULL,
	type       TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	reg_offset INTEGER NOT NULL,
	rel_offset INTEGER NOT NULL,
	value      REAL    NOT NULL,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_point_values_device_ts ON point_values(device, timestamp);
`

// SQLiteSink stores points in the point_values table. Rows are batched in a
// transaction between flushes.
type SQLiteSink struct {
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(p model.PointValue) error {
	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO point_values (device, type, name, reg_offset, rel_offset, value, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		s.tx, s.stmt = tx, stmt
	}
	_, err := s.stmt.Exec(p.Device, string(p.Type), p.Name, p.Offset, p.RelOffset, p.Value, p.Timestamp.UnixNano())
	return err
}

func (s *SQLiteSink) Flush() error {
	if s.tx == nil {
		return nil
	}
	s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt = nil, nil
	return err
}

func (s *SQLiteSink) Close() error {
	ferr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return ferr
}

// Recent returns up to limit rows for device, newest first. An empty device
// matches every device and limit <= 0 returns every row.
func (s *SQLiteSink) Recent(ctx context.Context, device string, limit int) ([]model.PointValue, error) {
	q := `SELECT device, type, name, reg_offset, rel_offset, value, timestamp FROM point_values`
	var args []any
	if device != "" {
		q += ` WHERE device = ?`
		args = append(args, device)
	}
	q += ` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PointValue
	for rows.Next() {
		var (
			p   model.PointValue
			typ string
			ts  int64
		)
		if err := rows.Scan(&p.Device, &typ, &p.Name, &p.Offset, &p.RelOffset, &p.Value, &ts); err != nil {
			return nil, err
		}
		p.Type = model.Type(typ)
		p.Timestamp = time.Unix(0, ts)
		out = append(out, p)
	}
	return out, rows.Err()
}
