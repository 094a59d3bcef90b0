package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// MemoryIndex keeps records in a map guarded by a RWMutex.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]contracts.VerificationRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]contracts.VerificationRecord)}
}

func (m *MemoryIndex) Insert(_ context.Context, rec contracts.VerificationRecord) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ReportID]; exists {
		return fmt.Errorf("%w: %s", contracts.ErrDuplicateReport, rec.ReportID)
	}
	m.records[rec.ReportID] = rec.Clone()
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, reportID string) (contracts.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[reportID]
	if !ok {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: report %s", contracts.ErrNotFound, reportID)
	}
	return rec.Clone(), nil
}

func (m *MemoryIndex) Update(_ context.Context, reportID string, fn UpdateFunc) (contracts.VerificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[reportID]
	if !ok {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: report %s", contracts.ErrNotFound, reportID)
	}
	next, err := apply(cur, fn)
	if err != nil {
		return contracts.VerificationRecord{}, err
	}
	m.records[reportID] = next
	return next.Clone(), nil
}

func (m *MemoryIndex) List(_ context.Context, f Filter) ([]contracts.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.VerificationRecord, 0)
	for _, rec := range m.records {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}
