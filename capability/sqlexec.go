package capability

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
)

// DBExecutor runs approved SQL against the analytics target over
// database/sql. Result sets are capped at MaxRows; a truncated result
// is still a success.
type DBExecutor struct {
	db      *sql.DB
	maxRows int
}

func NewDBExecutor(cfg *config.SQLTargetConfig) (*DBExecutor, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql target: %w", err)
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &DBExecutor{db: db, maxRows: maxRows}, nil
}

// NewDBExecutorFromDB wraps an already-open handle. The caller keeps
// ownership of the handle.
func NewDBExecutorFromDB(db *sql.DB, maxRows int) *DBExecutor {
	if maxRows <= 0 {
		maxRows = 1000
	}
	return &DBExecutor{db: db, maxRows: maxRows}
}

func (e *DBExecutor) Close() error {
	return e.db.Close()
}

func (e *DBExecutor) Execute(ctx context.Context, sqlText string) (*ResultSet, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute sql: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &ResultSet{Columns: columns}
	for rows.Next() {
		if len(rs.Rows) >= e.maxRows {
			rs.Truncated = true
			logger.Warnf("sqlexec: result truncated at %d rows", e.maxRows)
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rs, nil
}
