// Package token is the credit ledger: balances, supply and a hash-chained
// journal of every mint, transfer and retirement.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/carbonmrv/pkg/canonicalize"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// TxID identifies a journal entry: "0x" + 64 hex chars.
type TxID string

// GenesisTx is the predecessor of the first journal entry.
const GenesisTx TxID = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Default token metadata.
const (
	DefaultName      = "Carbon Credit Token"
	DefaultSymbol    = "CCT"
	DefaultNetworkID = "polygon-mumbai-testnet"
)

// Kind is the journal entry type.
type Kind string

const (
	KindMint     Kind = "mint"
	KindTransfer Kind = "transfer"
	KindRetire   Kind = "retire"
)

// MintRequest credits newly issued units to To.
type MintRequest struct {
	To     string `json:"to"`
	Amount Amount `json:"amount"`
	// StorageRef is the content id of the record backing the issuance.
	StorageRef string `json:"storage_ref"`
	// IdempotencyKey makes Mint safe to repeat; the report id is used.
	IdempotencyKey string `json:"idempotency_key"`
}

// Info describes the token.
type Info struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Decimals  int    `json:"decimals"`
	NetworkID string `json:"network_id"`
	// TokenID identifies the ledger instance minted records point to.
	TokenID string `json:"token_id"`
}

// DefaultInfo returns metadata for networkID using the default name and symbol.
func DefaultInfo(networkID string) Info {
	if networkID == "" {
		networkID = DefaultNetworkID
	}
	return Info{
		Name:      DefaultName,
		Symbol:    DefaultSymbol,
		Decimals:  Scale,
		NetworkID: networkID,
		TokenID:   DefaultSymbol + "@" + networkID,
	}
}

// Ledger is the credit ledger contract.
type Ledger interface {
	Mint(ctx context.Context, req MintRequest) (TxID, error)
	Transfer(ctx context.Context, from, to string, amount Amount) (TxID, error)
	Retire(ctx context.Context, holder string, amount Amount, reason string) (TxID, error)
	BalanceOf(ctx context.Context, address string) (Amount, error)
	TotalSupply(ctx context.Context) (Amount, error)
	Info() Info
}

// Journaler is implemented by ledgers that expose their journal.
type Journaler interface {
	Journal(ctx context.Context) ([]Entry, error)
}

// JournalStatus is a journal with the outcome of re-verifying its hash chain.
type JournalStatus struct {
	Entries []Entry `json:"entries"`
	Valid   bool    `json:"valid"`
	Problem string  `json:"problem,omitempty"`
}

// CheckJournal reads the journal of j and verifies it. A broken chain is
// reported in the status; only read failures are errors.
func CheckJournal(ctx context.Context, j Journaler) (JournalStatus, error) {
	entries, err := j.Journal(ctx)
	if err != nil {
		return JournalStatus{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	st := JournalStatus{Entries: entries, Valid: true}
	if err := VerifyJournal(entries); err != nil {
		st.Valid = false
		st.Problem = err.Error()
	}
	return st, nil
}

// Entry is one journal line. TxID commits to PrevTx and every other field.
type Entry struct {
	Seq            int64     `json:"seq"`
	Kind           Kind      `json:"kind"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Amount         Amount    `json:"amount"`
	Reference      string    `json:"reference,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	At             time.Time `json:"at"`
	PrevTx         TxID      `json:"prev_tx"`
	TxID           TxID      `json:"tx_id"`
}

// Seal computes e.TxID from the entry contents and its predecessor.
func Seal(e *Entry) error {
	body := *e
	body.TxID = ""
	data, err := canonicalize.JCS(body)
	if err != nil {
		return fmt.Errorf("canonicalize journal entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevTx))
	h.Write(data)
	e.TxID = TxID("0x" + hex.EncodeToString(h.Sum(nil)))
	return nil
}

// VerifyJournal checks sequence numbers and the hash chain of entries.
func VerifyJournal(entries []Entry) error {
	prev := GenesisTx
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("journal entry %d has seq %d", i+1, e.Seq)
		}
		if e.PrevTx != prev {
			return fmt.Errorf("journal entry %d links to %s, want %s", e.Seq, e.PrevTx, prev)
		}
		check := e
		if err := Seal(&check); err != nil {
			return err
		}
		if check.TxID != e.TxID {
			return fmt.Errorf("journal entry %d hash mismatch", e.Seq)
		}
		prev = e.TxID
	}
	return nil
}

func validateAddress(role, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: %s address is required", contracts.ErrInvalidAddress, role)
	}
	return nil
}

func validateMint(req MintRequest) error {
	if err := validateAddress("recipient", req.To); err != nil {
		return err
	}
	return requirePositive(req.Amount)
}

func validateTransfer(from, to string, amount Amount) error {
	if err := validateAddress("sender", from); err != nil {
		return err
	}
	if err := validateAddress("recipient", to); err != nil {
		return err
	}
	return requirePositive(amount)
}
