package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers; every
// operation runs in one transaction that updates balances and appends
// the journal entry together.
type SQLLedger struct {
	db   *sql.DB
	info Info
	now  func() time.Time
}

func NewSQLLedger(db *sql.DB, info Info) *SQLLedger {
	return &SQLLedger{db: db, info: info, now: func() time.Time { return time.Now().UTC() }}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS token_balances (
	address TEXT PRIMARY KEY,
	amount BIGINT NOT NULL CHECK (amount >= 0)
);
CREATE TABLE IF NOT EXISTS token_journal (
	seq BIGINT PRIMARY KEY,
	tx_id TEXT NOT NULL UNIQUE,
	prev_tx TEXT NOT NULL,
	kind TEXT NOT NULL,
	from_addr TEXT NOT NULL DEFAULT '',
	to_addr TEXT NOT NULL DEFAULT '',
	amount BIGINT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT UNIQUE,
	created_at TEXT NOT NULL
);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (s *SQLLedger) Info() Info { return s.info }

func (s *SQLLedger) Mint(ctx context.Context, req MintRequest) (TxID, error) {
	if err := validateMint(req); err != nil {
		return "", err
	}
	return s.inTx(ctx, func(tx *sql.Tx) (TxID, error) {
		if req.IdempotencyKey != "" {
			var existing string
			err := tx.QueryRowContext(ctx,
				`SELECT tx_id FROM token_journal WHERE idempotency_key = $1`, req.IdempotencyKey).Scan(&existing)
			if err == nil {
				return TxID(existing), errReplay
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return "", err
			}
		}
		if err := credit(ctx, tx, req.To, req.Amount); err != nil {
			return "", err
		}
		return s.appendTx(ctx, tx, Entry{
			Kind:           KindMint,
			To:             req.To,
			Amount:         req.Amount,
			Reference:      req.StorageRef,
			IdempotencyKey: req.IdempotencyKey,
		})
	})
}

func (s *SQLLedger) Transfer(ctx context.Context, from, to string, amount Amount) (TxID, error) {
	if err := validateTransfer(from, to, amount); err != nil {
		return "", err
	}
	return s.inTx(ctx, func(tx *sql.Tx) (TxID, error) {
		if err := debit(ctx, tx, from, amount); err != nil {
			return "", err
		}
		if err := credit(ctx, tx, to, amount); err != nil {
			return "", err
		}
		return s.appendTx(ctx, tx, Entry{Kind: KindTransfer, From: from, To: to, Amount: amount})
	})
}

func (s *SQLLedger) Retire(ctx context.Context, holder string, amount Amount, reason string) (TxID, error) {
	if err := validateAddress("holder", holder); err != nil {
		return "", err
	}
	if err := requirePositive(amount); err != nil {
		return "", err
	}
	return s.inTx(ctx, func(tx *sql.Tx) (TxID, error) {
		if err := debit(ctx, tx, holder, amount); err != nil {
			return "", err
		}
		return s.appendTx(ctx, tx, Entry{Kind: KindRetire, From: holder, Amount: amount, Reference: reason})
	})
}

func (s *SQLLedger) BalanceOf(ctx context.Context, address string) (Amount, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM token_balances WHERE address = $1`, address).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: balance of %s: %v", contracts.ErrLedgerUnavailable, address, err)
	}
	return Amount(amount), nil
}

func (s *SQLLedger) TotalSupply(ctx context.Context) (Amount, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM token_balances`).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: total supply: %v", contracts.ErrLedgerUnavailable, err)
	}
	return Amount(total), nil
}

func (s *SQLLedger) Journal(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, tx_id, prev_tx, kind, from_addr, to_addr, amount, reference, COALESCE(idempotency_key, ''), created_at
		FROM token_journal ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: read journal: %v", contracts.ErrLedgerUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		var (
			e        Entry
			txID     string
			prev     string
			kind     string
			amount   int64
			occurred string
		)
		if err := rows.Scan(&e.Seq, &txID, &prev, &kind, &e.From, &e.To, &amount, &e.Reference, &e.IdempotencyKey, &occurred); err != nil {
			return nil, fmt.Errorf("%w: scan journal: %v", contracts.ErrLedgerUnavailable, err)
		}
		at, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("journal entry %d: bad timestamp %q: %w", e.Seq, occurred, err)
		}
		e.TxID, e.PrevTx, e.Kind, e.Amount, e.At = TxID(txID), TxID(prev), Kind(kind), Amount(amount), at
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read journal: %v", contracts.ErrLedgerUnavailable, err)
	}
	return result, nil
}

// errReplay signals an idempotent repeat: the transaction is rolled back
// and the original TxID returned without error.
var errReplay = errors.New("idempotent replay")

func (s *SQLLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) (TxID, error)) (TxID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", contracts.ErrLedgerUnavailable, err)
	}
	id, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		switch {
		case errors.Is(err, errReplay):
			return id, nil
		case errors.Is(err, contracts.ErrInsufficientBalance), errors.Is(err, contracts.ErrInvalidAmount):
			return "", err
		default:
			return "", fmt.Errorf("%w: %v", contracts.ErrLedgerUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", contracts.ErrLedgerUnavailable, err)
	}
	return id, nil
}

func (s *SQLLedger) appendTx(ctx context.Context, tx *sql.Tx, e Entry) (TxID, error) {
	var (
		seq  int64
		prev string
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, tx_id FROM token_journal ORDER BY seq DESC LIMIT 1`).Scan(&seq, &prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq, prev = 0, string(GenesisTx)
	case err != nil:
		return "", err
	}

	e.Seq = seq + 1
	e.PrevTx = TxID(prev)
	e.At = s.now()
	if err := Seal(&e); err != nil {
		return "", err
	}

	var key sql.NullString
	if e.IdempotencyKey != "" {
		key = sql.NullString{String: e.IdempotencyKey, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_journal (seq, tx_id, prev_tx, kind, from_addr, to_addr, amount, reference, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Seq, string(e.TxID), string(e.PrevTx), string(e.Kind), e.From, e.To, int64(e.Amount), e.Reference, key,
		e.At.Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return e.TxID, nil
}

func credit(ctx context.Context, tx *sql.Tx, address string, amount Amount) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_balances (address, amount) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET amount = token_balances.amount + excluded.amount`,
		address, int64(amount))
	return err
}

func debit(ctx context.Context, tx *sql.Tx, address string, amount Amount) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE token_balances SET amount = amount - $1 WHERE address = $2 AND amount >= $1`,
		int64(amount), address)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s cannot cover %s", contracts.ErrInsufficientBalance, address, amount)
	}
	return nil
}
