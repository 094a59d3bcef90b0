// Package registry indexes verification records by report id, owner and farm.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// Filter selects records. Empty fields match everything.
type Filter struct {
	Owner  string           `json:"owner,omitempty"`
	FarmID string           `json:"farm_id,omitempty"`
	Status contracts.Status `json:"status,omitempty"`
}

// Match reports whether rec satisfies the filter.
func (f Filter) Match(rec contracts.VerificationRecord) bool {
	if f.Owner != "" && rec.Farm.OwnerAddress != f.Owner {
		return false
	}
	if f.FarmID != "" && rec.Farm.LocationID != f.FarmID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// UpdateFunc mutates a record in place. Returning an error aborts the update.
type UpdateFunc func(rec *contracts.VerificationRecord) error

// Index is the report registry. Implementations are safe for concurrent use
// and Update is an atomic read-modify-write on a single record.
type Index interface {
	Insert(ctx context.Context, rec contracts.VerificationRecord) error
	Get(ctx context.Context, reportID string) (contracts.VerificationRecord, error)
	Update(ctx context.Context, reportID string, fn UpdateFunc) (contracts.VerificationRecord, error)
	List(ctx context.Context, f Filter) ([]contracts.VerificationRecord, error)
}

// apply runs fn on a copy of cur and checks the result keeps identity and
// only moves status forward.
func apply(cur contracts.VerificationRecord, fn UpdateFunc) (contracts.VerificationRecord, error) {
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return contracts.VerificationRecord{}, err
	}
	if next.ReportID != cur.ReportID {
		return contracts.VerificationRecord{}, fmt.Errorf("report id is immutable (%s -> %s)", cur.ReportID, next.ReportID)
	}
	if next.Status != cur.Status && !contracts.CanTransition(cur.Status, next.Status) {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: %s -> %s for report %s",
			contracts.ErrInvalidTransition, cur.Status, next.Status, cur.ReportID)
	}
	return next, nil
}

func validateNew(rec contracts.VerificationRecord) error {
	if rec.ReportID == "" {
		return fmt.Errorf("report id is required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("unknown status %q for report %s", rec.Status, rec.ReportID)
	}
	return nil
}

// sortRecords orders by measurement time, then report id.
func sortRecords(recs []contracts.VerificationRecord) {
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := recs[i].Measurement.Timestamp, recs[j].Measurement.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return recs[i].ReportID < recs[j].ReportID
	})
}
