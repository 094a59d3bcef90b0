package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// MemoryLedger is an in-process Ledger. It is the reference implementation
// the SQL and chaincode backends are tested against.
type MemoryLedger struct {
	mu       sync.Mutex
	info     Info
	balances map[string]Amount
	supply   Amount
	journal  []Entry
	minted   map[string]TxID
	now      func() time.Time
}

func NewMemoryLedger(info Info) *MemoryLedger {
	return &MemoryLedger{
		info:     info,
		balances: make(map[string]Amount),
		minted:   make(map[string]TxID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Info() Info { return l.info }

func (l *MemoryLedger) Mint(_ context.Context, req MintRequest) (TxID, error) {
	if err := validateMint(req); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.IdempotencyKey != "" {
		if tx, ok := l.minted[req.IdempotencyKey]; ok {
			return tx, nil
		}
	}
	supply, err := l.supply.Add(req.Amount)
	if err != nil {
		return "", err
	}
	bal, err := l.balances[req.To].Add(req.Amount)
	if err != nil {
		return "", err
	}

	tx, err := l.append(Entry{
		Kind:           KindMint,
		To:             req.To,
		Amount:         req.Amount,
		Reference:      req.StorageRef,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}
	l.supply = supply
	l.balances[req.To] = bal
	if req.IdempotencyKey != "" {
		l.minted[req.IdempotencyKey] = tx
	}
	return tx, nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount Amount) (TxID, error) {
	if err := validateTransfer(from, to, amount); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return "", fmt.Errorf("%w: %s holds %s, needs %s", contracts.ErrInsufficientBalance, from, l.balances[from], amount)
	}
	credited, err := l.balances[to].Add(amount)
	if err != nil && from != to {
		return "", err
	}
	tx, err := l.append(Entry{Kind: KindTransfer, From: from, To: to, Amount: amount})
	if err != nil {
		return "", err
	}
	if from != to {
		l.balances[from] -= amount
		l.balances[to] = credited
	}
	return tx, nil
}

func (l *MemoryLedger) Retire(_ context.Context, holder string, amount Amount, reason string) (TxID, error) {
	if err := validateAddress("holder", holder); err != nil {
		return "", err
	}
	if err := requirePositive(amount); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[holder] < amount {
		return "", fmt.Errorf("%w: %s holds %s, needs %s", contracts.ErrInsufficientBalance, holder, l.balances[holder], amount)
	}
	tx, err := l.append(Entry{Kind: KindRetire, From: holder, Amount: amount, Reference: reason})
	if err != nil {
		return "", err
	}
	l.balances[holder] -= amount
	l.supply -= amount
	return tx, nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, address string) (Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}

func (l *MemoryLedger) TotalSupply(_ context.Context) (Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply, nil
}

func (l *MemoryLedger) Journal(_ context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.journal...), nil
}

// append seals e onto the journal tail. Caller holds l.mu.
func (l *MemoryLedger) append(e Entry) (TxID, error) {
	e.Seq = int64(len(l.journal) + 1)
	e.PrevTx = GenesisTx
	if n := len(l.journal); n > 0 {
		e.PrevTx = l.journal[n-1].TxID
	}
	e.At = l.now()
	if err := Seal(&e); err != nil {
		return "", err
	}
	l.journal = append(l.journal, e)
	return e.TxID, nil
}
