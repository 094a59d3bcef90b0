package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// SQLIndex stores records as JSON documents with indexed lookup columns.
// It supports both Postgres and SQLite. Updates use optimistic concurrency
// on a version column.
type SQLIndex struct {
	db         *sql.DB
	maxRetries int
}

func NewSQLIndex(db *sql.DB) *SQLIndex {
	return &SQLIndex{db: db, maxRetries: 16}
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS verification_records (
	report_id TEXT PRIMARY KEY,
	owner_address TEXT NOT NULL,
	farm_id TEXT NOT NULL,
	status TEXT NOT NULL,
	measured_at TEXT NOT NULL,
	version BIGINT NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_owner ON verification_records (owner_address);
CREATE INDEX IF NOT EXISTS idx_records_farm ON verification_records (farm_id);
`

func (s *SQLIndex) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, indexSchema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

func (s *SQLIndex) Insert(ctx context.Context, rec contracts.VerificationRecord) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ReportID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_records (report_id, owner_address, farm_id, status, measured_at, version, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (report_id) DO NOTHING`,
		rec.ReportID, rec.Farm.OwnerAddress, rec.Farm.LocationID, string(rec.Status),
		sortableTime(rec.Measurement.Timestamp), int64(1), string(doc))
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ReportID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", contracts.ErrDuplicateReport, rec.ReportID)
	}
	return nil
}

func (s *SQLIndex) Get(ctx context.Context, reportID string) (contracts.VerificationRecord, error) {
	rec, _, err := s.get(ctx, reportID)
	return rec, err
}

func (s *SQLIndex) get(ctx context.Context, reportID string) (contracts.VerificationRecord, int64, error) {
	var (
		doc     string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM verification_records WHERE report_id = $1`, reportID).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.VerificationRecord{}, 0, fmt.Errorf("%w: report %s", contracts.ErrNotFound, reportID)
	}
	if err != nil {
		return contracts.VerificationRecord{}, 0, fmt.Errorf("get record %s: %w", reportID, err)
	}
	var rec contracts.VerificationRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return contracts.VerificationRecord{}, 0, fmt.Errorf("corrupt record %s: %w", reportID, err)
	}
	return rec, version, nil
}

func (s *SQLIndex) Update(ctx context.Context, reportID string, fn UpdateFunc) (contracts.VerificationRecord, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, version, err := s.get(ctx, reportID)
		if err != nil {
			return contracts.VerificationRecord{}, err
		}
		next, err := apply(cur, fn)
		if err != nil {
			return contracts.VerificationRecord{}, err
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return contracts.VerificationRecord{}, fmt.Errorf("marshal record %s: %w", reportID, err)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE verification_records SET status = $1, version = $2, document = $3
			WHERE report_id = $4 AND version = $5`,
			string(next.Status), version+1, string(doc), reportID, version)
		if err != nil {
			return contracts.VerificationRecord{}, fmt.Errorf("update record %s: %w", reportID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return contracts.VerificationRecord{}, fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return contracts.VerificationRecord{}, fmt.Errorf("update record %s: too much contention after %d attempts", reportID, s.maxRetries)
}

func (s *SQLIndex) List(ctx context.Context, f Filter) ([]contracts.VerificationRecord, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Owner != "" {
		add("owner_address", f.Owner)
	}
	if f.FarmID != "" {
		add("farm_id", f.FarmID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}

	query := `SELECT document FROM verification_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY measured_at, report_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.VerificationRecord, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec contracts.VerificationRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("corrupt record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return result, nil
}

// sortableTime renders t so that lexical order equals chronological order.
func sortableTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
