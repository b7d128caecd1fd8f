// Package logstore keeps each instrument's entries in an append-only log
// split across fixed-capacity files, with an index run at every bucket
// boundary so replay can start at any bucket.
package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pricebook/internal/domain"
)

const (
	DefaultBucketSize   = 1000
	DefaultFileCapacity = 1_000_000
	fileExt             = ".book"
)

// Layout describes where and how logs are stored.
type Layout struct {
	Root         string
	BucketSize   int64
	FileCapacity int64
}

// DefaultLayout returns a layout rooted at root with default sizes.
func DefaultLayout(root string) Layout {
	return Layout{Root: root, BucketSize: DefaultBucketSize, FileCapacity: DefaultFileCapacity}
}

// Validate checks that buckets never span files and that an index run
// for the given book depth always fits in one bucket.
func (l Layout) Validate(depth int) error {
	if l.Root == "" {
		return &domain.ConfigError{Field: "storage.root", Err: errors.New("must not be empty")}
	}
	if l.BucketSize <= 0 {
		return &domain.ConfigError{Field: "storage.bucket_size", Err: fmt.Errorf("must be positive, got %d", l.BucketSize)}
	}
	if l.FileCapacity <= 0 || l.FileCapacity%l.BucketSize != 0 {
		return &domain.ConfigError{
			Field: "storage.file_capacity",
			Err:   fmt.Errorf("%d is not a positive multiple of bucket size %d", l.FileCapacity, l.BucketSize),
		}
	}
	if need := int64(4*depth + 4); need > l.BucketSize {
		return &domain.ConfigError{
			Field: "storage.bucket_size",
			Err:   fmt.Errorf("bucket size %d cannot hold an index run of depth %d (%d entries)", l.BucketSize, depth, need),
		}
	}
	return nil
}

// Dir is the directory holding one instrument's files.
func (l Layout) Dir(instrument string) string {
	return filepath.Join(l.Root, domain.PairID(instrument))
}

// FilePath returns the path of rotation file n.
func (l Layout) FilePath(instrument string, n int64) string {
	id := domain.PairID(instrument)
	return filepath.Join(l.Root, id, fmt.Sprintf("pair_%s_%d%s", id, n, fileExt))
}

// Locate maps a logical index to its file number and byte offset.
func (l Layout) Locate(index int64) (file int64, offset int64) {
	return index / l.FileCapacity, (index % l.FileCapacity) * domain.EntrySize
}

// BucketOf returns the bucket holding index.
func (l Layout) BucketOf(index int64) int64 {
	return index / l.BucketSize
}

// scanFiles counts the entries stored for an instrument, starting from
// file number from which is known to exist and be full. It returns the
// entry count and the number of the last existing file (-1 if none).
func (l Layout) scanFiles(instrument string, from int64) (count int64, last int64, lastSize int64, err error) {
	last = -1
	for n := from; ; n++ {
		info, statErr := os.Stat(l.FilePath(instrument, n))
		if errors.Is(statErr, os.ErrNotExist) {
			break
		}
		if statErr != nil {
			return 0, 0, 0, statErr
		}
		last, lastSize = n, info.Size()
		if lastSize < l.FileCapacity*domain.EntrySize {
			break
		}
	}
	if last < 0 {
		return from * l.FileCapacity, last, 0, nil
	}
	return last*l.FileCapacity + lastSize/domain.EntrySize, last, lastSize, nil
}
