// Package carbontoken is the Hyperledger Fabric chaincode form of the credit
// ledger. It keeps the same balances, supply and hash-chained journal as the
// off-chain ledgers, so a TxID computed here verifies with token.VerifyJournal.
package carbontoken

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
)

const (
	balanceObject = "balance"
	mintObject    = "mint"
	journalObject = "journal"
	supplyKey     = "SUPPLY"
	headKey       = "JOURNAL_HEAD"
)

type head struct {
	Seq  int64      `json:"seq"`
	TxID token.TxID `json:"tx_id"`
}

// TokenContract provides the carbon credit token functions.
type TokenContract struct {
	contractapi.Contract
}

// TokenInfo returns the token metadata as JSON. The channel id is the network id.
func (c *TokenContract) TokenInfo(ctx contractapi.TransactionContextInterface) (string, error) {
	data, err := json.Marshal(token.DefaultInfo(ctx.GetStub().GetChannelID()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal token info: %v", err)
	}
	return string(data), nil
}

// Mint issues amount micro-tonnes to `to`. Repeating a mint with the same
// idempotency key returns the original transaction id.
func (c *TokenContract) Mint(ctx contractapi.TransactionContextInterface, to string, amount int64, storageRef, idempotencyKey string) (string, error) {
	if err := checkAddress(to); err != nil {
		return "", err
	}
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	stub := ctx.GetStub()

	var mintKey string
	if idempotencyKey != "" {
		k, err := stub.CreateCompositeKey(mintObject, []string{idempotencyKey})
		if err != nil {
			return "", fmt.Errorf("failed to build mint key: %v", err)
		}
		prior, err := stub.GetState(k)
		if err != nil {
			return "", fmt.Errorf("failed to read mint %s: %v", idempotencyKey, err)
		}
		if prior != nil {
			return string(prior), nil
		}
		mintKey = k
	}

	if err := c.adjustBalance(ctx, to, amount); err != nil {
		return "", err
	}
	if err := c.adjustSupply(ctx, amount); err != nil {
		return "", err
	}
	tx, err := c.appendEntry(ctx, token.Entry{
		Kind:           token.KindMint,
		To:             to,
		Amount:         token.Amount(amount),
		Reference:      storageRef,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", err
	}
	if mintKey != "" {
		if err := stub.PutState(mintKey, []byte(tx)); err != nil {
			return "", fmt.Errorf("failed to record mint %s: %v", idempotencyKey, err)
		}
	}
	return string(tx), nil
}

// Transfer moves amount from one holder to another.
func (c *TokenContract) Transfer(ctx contractapi.TransactionContextInterface, from, to string, amount int64) (string, error) {
	if err := checkAddress(from); err != nil {
		return "", err
	}
	if err := checkAddress(to); err != nil {
		return "", err
	}
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	// Fabric reads do not observe this transaction's own writes, so a
	// self-transfer only checks cover instead of debiting then crediting.
	if from == to {
		bal, err := c.BalanceOf(ctx, from)
		if err != nil {
			return "", err
		}
		if bal < amount {
			return "", fmt.Errorf("%w: %s holds %s, needs %s", contracts.ErrInsufficientBalance,
				from, token.Amount(bal), token.Amount(amount))
		}
	} else {
		if err := c.adjustBalance(ctx, from, -amount); err != nil {
			return "", err
		}
		if err := c.adjustBalance(ctx, to, amount); err != nil {
			return "", err
		}
	}
	tx, err := c.appendEntry(ctx, token.Entry{Kind: token.KindTransfer, From: from, To: to, Amount: token.Amount(amount)})
	return string(tx), err
}

// Retire permanently removes amount from holder and from the supply.
func (c *TokenContract) Retire(ctx contractapi.TransactionContextInterface, holder string, amount int64, reason string) (string, error) {
	if err := checkAddress(holder); err != nil {
		return "", err
	}
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	if err := c.adjustBalance(ctx, holder, -amount); err != nil {
		return "", err
	}
	if err := c.adjustSupply(ctx, -amount); err != nil {
		return "", err
	}
	tx, err := c.appendEntry(ctx, token.Entry{Kind: token.KindRetire, From: holder, Amount: token.Amount(amount), Reference: reason})
	return string(tx), err
}

// BalanceOf returns the balance of address in micro-tonnes.
func (c *TokenContract) BalanceOf(ctx contractapi.TransactionContextInterface, address string) (int64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(balanceObject, []string{address})
	if err != nil {
		return 0, fmt.Errorf("failed to build balance key: %v", err)
	}
	return readInt(ctx, key)
}

// TotalSupply returns the outstanding supply in micro-tonnes.
func (c *TokenContract) TotalSupply(ctx contractapi.TransactionContextInterface) (int64, error) {
	return readInt(ctx, supplyKey)
}

// GetEntry returns journal entry seq as JSON.
func (c *TokenContract) GetEntry(ctx contractapi.TransactionContextInterface, seq int64) (string, error) {
	key, err := entryKey(ctx, seq)
	if err != nil {
		return "", err
	}
	data, err := ctx.GetStub().GetState(key)
	if err != nil {
		return "", fmt.Errorf("failed to read journal entry %d: %v", seq, err)
	}
	if data == nil {
		return "", fmt.Errorf("%w: journal entry %d", contracts.ErrNotFound, seq)
	}
	return string(data), nil
}

// JournalLength returns the sequence number of the last journal entry.
func (c *TokenContract) JournalLength(ctx contractapi.TransactionContextInterface) (int64, error) {
	h, err := readHead(ctx)
	return h.Seq, err
}

func (c *TokenContract) adjustBalance(ctx contractapi.TransactionContextInterface, address string, delta int64) error {
	key, err := ctx.GetStub().CreateCompositeKey(balanceObject, []string{address})
	if err != nil {
		return fmt.Errorf("failed to build balance key: %v", err)
	}
	current, err := readInt(ctx, key)
	if err != nil {
		return err
	}
	next, err := token.Amount(current).Add(token.Amount(delta))
	if err != nil {
		return err
	}
	if next < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", contracts.ErrInsufficientBalance,
			address, token.Amount(current), token.Amount(-delta))
	}
	return writeInt(ctx, key, int64(next))
}

func (c *TokenContract) adjustSupply(ctx contractapi.TransactionContextInterface, delta int64) error {
	current, err := readInt(ctx, supplyKey)
	if err != nil {
		return err
	}
	next, err := token.Amount(current).Add(token.Amount(delta))
	if err != nil {
		return err
	}
	return writeInt(ctx, supplyKey, int64(next))
}

func (c *TokenContract) appendEntry(ctx contractapi.TransactionContextInterface, e token.Entry) (token.TxID, error) {
	h, err := readHead(ctx)
	if err != nil {
		return "", err
	}
	e.Seq = h.Seq + 1
	e.PrevTx = h.TxID
	e.At, err = txTime(ctx)
	if err != nil {
		return "", err
	}
	if err := token.Seal(&e); err != nil {
		return "", err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal journal entry: %v", err)
	}
	key, err := entryKey(ctx, e.Seq)
	if err != nil {
		return "", err
	}
	stub := ctx.GetStub()
	if err := stub.PutState(key, data); err != nil {
		return "", fmt.Errorf("failed to write journal entry: %v", err)
	}
	headBytes, err := json.Marshal(head{Seq: e.Seq, TxID: e.TxID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal journal head: %v", err)
	}
	if err := stub.PutState(headKey, headBytes); err != nil {
		return "", fmt.Errorf("failed to write journal head: %v", err)
	}
	return e.TxID, nil
}

func readHead(ctx contractapi.TransactionContextInterface) (head, error) {
	data, err := ctx.GetStub().GetState(headKey)
	if err != nil {
		return head{}, fmt.Errorf("failed to read journal head: %v", err)
	}
	if data == nil {
		return head{TxID: token.GenesisTx}, nil
	}
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return head{}, fmt.Errorf("failed to unmarshal journal head: %v", err)
	}
	return h, nil
}

// txTime uses the proposal timestamp so every endorser seals the same entry.
func txTime(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read tx timestamp: %v", err)
	}
	if ts == nil {
		return time.Unix(0, 0).UTC(), nil
	}
	return ts.AsTime().UTC(), nil
}

func entryKey(ctx contractapi.TransactionContextInterface, seq int64) (string, error) {
	key, err := ctx.GetStub().CreateCompositeKey(journalObject, []string{fmt.Sprintf("%020d", seq)})
	if err != nil {
		return "", fmt.Errorf("failed to build journal key: %v", err)
	}
	return key, nil
}

func readInt(ctx contractapi.TransactionContextInterface, key string) (int64, error) {
	data, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %v", key, err)
	}
	if data == nil {
		return 0, nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return v, nil
}

func writeInt(ctx contractapi.TransactionContextInterface, key string, v int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	return ctx.GetStub().PutState(key, data)
}

func checkAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: address is required", contracts.ErrInvalidAddress)
	}
	return nil
}

func checkAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", contracts.ErrInvalidAmount, amount)
	}
	return nil
}
