package logstore

import (
	"context"
	"log/slog"
)

// CheckResult summarises a storage check of one instrument.
type CheckResult struct {
	Instrument string
	Entries    int64
	Buckets    int64
	// BadBuckets lists buckets whose first entry is not an index marker.
	BadBuckets []int64
}

// OK reports whether every bucket boundary holds an index run.
func (c CheckResult) OK() bool {
	return len(c.BadBuckets) == 0
}

// Check verifies that every bucket after the first starts with an index marker.
func (r *Reader) Check(ctx context.Context) (CheckResult, error) {
	res := CheckResult{Instrument: r.instrument}
	count, err := r.EntryCount()
	if err != nil {
		return res, err
	}
	res.Entries = count
	res.Buckets = (count + r.layout.BucketSize - 1) / r.layout.BucketSize

	for b := int64(1); b < res.Buckets; b++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e, ok, err := r.Entry(ctx, b*r.layout.BucketSize)
		if err != nil {
			return res, err
		}
		if !ok || !e.IsIndex || !e.IsReset {
			slog.Warn("Bucket does not start with an index run",
				slog.String("instrument", r.instrument),
				slog.Int64("bucket", b),
				slog.String("entry", e.String()))
			res.BadBuckets = append(res.BadBuckets, b)
		}
	}
	return res, nil
}
