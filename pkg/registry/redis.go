package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// RedisIndex stores records in a Redis hash keyed by report id, with set
// indexes per owner and farm. Inserts use HSETNX; updates are optimistic
// transactions under WATCH.
type RedisIndex struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// NewRedisIndex creates an index backed by Redis. prefix namespaces all keys.
func NewRedisIndex(client redis.UniversalClient, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "mrv"
	}
	return &RedisIndex{client: client, prefix: prefix, maxRetries: 16}
}

// NewRedisClient connects to addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *RedisIndex) recordsKey() string       { return r.prefix + ":records" }
func (r *RedisIndex) ownerKey(o string) string { return r.prefix + ":owner:" + o }
func (r *RedisIndex) farmKey(f string) string  { return r.prefix + ":farm:" + f }

func (r *RedisIndex) Insert(ctx context.Context, rec contracts.VerificationRecord) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ReportID, err)
	}
	ok, err := r.client.HSetNX(ctx, r.recordsKey(), rec.ReportID, doc).Result()
	if err != nil {
		return fmt.Errorf("redis insert %s: %w", rec.ReportID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrDuplicateReport, rec.ReportID)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.ownerKey(rec.Farm.OwnerAddress), rec.ReportID)
		pipe.SAdd(ctx, r.farmKey(rec.Farm.LocationID), rec.ReportID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index %s: %w", rec.ReportID, err)
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, reportID string) (contracts.VerificationRecord, error) {
	return r.get(ctx, r.client, reportID)
}

func (r *RedisIndex) get(ctx context.Context, c redis.Cmdable, reportID string) (contracts.VerificationRecord, error) {
	doc, err := c.HGet(ctx, r.recordsKey(), reportID).Bytes()
	if errors.Is(err, redis.Nil) {
		return contracts.VerificationRecord{}, fmt.Errorf("%w: report %s", contracts.ErrNotFound, reportID)
	}
	if err != nil {
		return contracts.VerificationRecord{}, fmt.Errorf("redis get %s: %w", reportID, err)
	}
	var rec contracts.VerificationRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return contracts.VerificationRecord{}, fmt.Errorf("corrupt record %s: %w", reportID, err)
	}
	return rec, nil
}

func (r *RedisIndex) Update(ctx context.Context, reportID string, fn UpdateFunc) (contracts.VerificationRecord, error) {
	var out contracts.VerificationRecord
	txf := func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, reportID)
		if err != nil {
			return err
		}
		next, err := apply(cur, fn)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", reportID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.recordsKey(), reportID, doc)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, r.recordsKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return contracts.VerificationRecord{}, err
		}
		return out, nil
	}
	return contracts.VerificationRecord{}, fmt.Errorf("update record %s: too much contention after %d attempts", reportID, r.maxRetries)
}

func (r *RedisIndex) List(ctx context.Context, f Filter) ([]contracts.VerificationRecord, error) {
	var docs []string
	switch {
	case f.Owner != "" || f.FarmID != "":
		var keys []string
		if f.Owner != "" {
			keys = append(keys, r.ownerKey(f.Owner))
		}
		if f.FarmID != "" {
			keys = append(keys, r.farmKey(f.FarmID))
		}
		ids, err := r.client.SInter(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list: %w", err)
		}
		if len(ids) == 0 {
			return []contracts.VerificationRecord{}, nil
		}
		vals, err := r.client.HMGet(ctx, r.recordsKey(), ids...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list: %w", err)
		}
		for _, v := range vals {
			if s, ok := v.(string); ok {
				docs = append(docs, s)
			}
		}
	default:
		all, err := r.client.HVals(ctx, r.recordsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list: %w", err)
		}
		docs = all
	}

	out := make([]contracts.VerificationRecord, 0, len(docs))
	for _, d := range docs {
		var rec contracts.VerificationRecord
		if err := json.Unmarshal([]byte(d), &rec); err != nil {
			return nil, fmt.Errorf("corrupt record: %w", err)
		}
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}
