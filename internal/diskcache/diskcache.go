// Package diskcache keeps remote buckets in a fixed-slot file so a
// restarted client does not fetch them again.
//
// Each slot holds one record:
//
//	[16B tag, space padded][8B bucket LE][8B xxhash64][payload]
//
// The checksum covers tag, bucket and payload. Records that fail it are
// ignored on load and on read.
package diskcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/retry"

	"pricebook/internal/infra"
)

const (
	TagSize    = 16
	headerSize = TagSize + 8 + 8

	writeQueue = 64
)

// Failed writes are retried until the cache is closed.
var writePolicy = retry.Backoff(10*time.Millisecond, 5*time.Second, 2)

var errSuperseded = errors.New("slot reassigned")

type key struct {
	tag    string
	bucket int64
}

type write struct {
	slot    int
	key     key
	payload []byte
}

// Cache is a fixed number of equally sized bucket slots in one file.
type Cache struct {
	path        string
	payloadSize int
	slots       int
	file        *os.File

	mu      sync.RWMutex
	index   map[key]int
	owners  []key // slot -> key, zero when free
	pending map[key][]byte
	rng     *rand.Rand
	closed  bool

	writes chan write
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Options sizes a cache file.
type Options struct {
	Path string
	// SizeBytes bounds the file; it is divided into whole records.
	SizeBytes int64
	// PayloadSize is the byte size of one complete bucket.
	PayloadSize int
}

// Open opens or creates the cache file described by o.
func Open(o Options) (*Cache, error) {
	if o.PayloadSize <= 0 {
		return nil, fmt.Errorf("diskcache: invalid payload size %d", o.PayloadSize)
	}
	path, payloadSize := o.Path, o.PayloadSize
	slots := int(o.SizeBytes / int64(headerSize+payloadSize))
	if slots < 1 {
		return nil, fmt.Errorf("diskcache: size %d holds no %d-byte record", o.SizeBytes, headerSize+payloadSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}

	c := &Cache{
		path:        path,
		payloadSize: payloadSize,
		slots:       slots,
		file:        f,
		index:       make(map[key]int),
		owners:      make([]key, slots),
		pending:     make(map[key][]byte),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		writes:      make(chan write, writeQueue),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if err := c.load(); err != nil {
		c.cancel()
		f.Close()
		return nil, err
	}
	go c.writeLoop()

	slog.Info("Disk cache opened",
		slog.String("path", path),
		slog.Int("slots", slots),
		slog.Int("cached", len(c.index)))
	return c, nil
}

func (c *Cache) recordSize() int64 {
	return int64(headerSize + c.payloadSize)
}

// load indexes every valid record. A missing or short file is an empty cache.
func (c *Cache) load() error {
	buf := make([]byte, c.recordSize())
	skipped := 0
	for slot := 0; slot < c.slots; slot++ {
		_, err := c.file.ReadAt(buf, int64(slot)*c.recordSize())
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read cache %s slot %d: %w", c.path, slot, err)
		}
		k, ok := c.decode(buf)
		if !ok {
			if !isZero(buf[:TagSize]) {
				skipped++
			}
			continue
		}
		if _, dup := c.index[k]; dup {
			skipped++
			continue
		}
		c.index[k] = slot
		c.owners[slot] = k
	}
	if skipped > 0 {
		slog.Warn("Skipped invalid disk cache records",
			slog.String("path", c.path),
			slog.Int("count", skipped))
	}
	return nil
}

// decode validates a raw record and returns its key.
func (c *Cache) decode(rec []byte) (key, bool) {
	tag := string(bytes.TrimRight(rec[:TagSize], " "))
	if tag == "" || bytes.IndexByte(rec[:TagSize], 0) >= 0 {
		return key{}, false
	}
	bucket := int64(binary.LittleEndian.Uint64(rec[TagSize:]))
	sum := binary.LittleEndian.Uint64(rec[TagSize+8:])
	if checksum(rec[:TagSize+8], rec[headerSize:]) != sum {
		return key{}, false
	}
	return key{tag: tag, bucket: bucket}, true
}

func checksum(header, payload []byte) uint64 {
	d := xxhash.New()
	d.Write(header)
	d.Write(payload)
	return d.Sum64()
}

func (c *Cache) encode(k key, payload []byte) []byte {
	rec := make([]byte, headerSize, c.recordSize())
	copy(rec, bytes.Repeat([]byte{' '}, TagSize))
	copy(rec, k.tag)
	binary.LittleEndian.PutUint64(rec[TagSize:], uint64(k.bucket))
	binary.LittleEndian.PutUint64(rec[TagSize+8:], checksum(rec[:TagSize+8], payload))
	return append(rec, payload...)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Get returns the cached payload of bucket under tag.
func (c *Cache) Get(tag string, bucket int64) ([]byte, bool) {
	k := key{tag: tag, bucket: bucket}

	c.mu.RLock()
	if p, ok := c.pending[k]; ok {
		c.mu.RUnlock()
		infra.GlobalMetrics.RecordDiskCache(true)
		return bytes.Clone(p), true
	}
	slot, ok := c.index[k]
	c.mu.RUnlock()
	if !ok {
		infra.GlobalMetrics.RecordDiskCache(false)
		return nil, false
	}

	rec := make([]byte, c.recordSize())
	if _, err := c.handle().ReadAt(rec, int64(slot)*c.recordSize()); err != nil {
		slog.Warn("Disk cache read failed", slog.String("path", c.path), slog.Any("error", err))
		c.forget(k, slot)
		infra.GlobalMetrics.RecordDiskCache(false)
		return nil, false
	}
	if got, ok := c.decode(rec); !ok || got != k {
		c.forget(k, slot)
		infra.GlobalMetrics.RecordDiskCache(false)
		return nil, false
	}
	infra.GlobalMetrics.RecordDiskCache(true)
	return rec[headerSize:], true
}

func (c *Cache) forget(k key, slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.index[k]; ok && s == slot {
		delete(c.index, k)
		c.owners[slot] = key{}
	}
}

// Set stores a complete bucket payload. Partial payloads and tags longer
// than TagSize are ignored, as are writes while the queue is full.
func (c *Cache) Set(tag string, bucket int64, payload []byte) bool {
	if len(payload) != c.payloadSize || tag == "" || len(tag) > TagSize {
		return false
	}
	k := key{tag: tag, bucket: bucket}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.index[k]; ok {
		return true
	}
	if _, ok := c.pending[k]; ok {
		return true
	}

	slot := c.freeSlot()
	w := write{slot: slot, key: k, payload: bytes.Clone(payload)}
	select {
	case c.writes <- w:
	default:
		slog.Warn("Disk cache queue full, dropping bucket",
			slog.String("tag", tag),
			slog.Int64("bucket", bucket))
		return false
	}

	if old := c.owners[slot]; old != (key{}) {
		delete(c.index, old)
		delete(c.pending, old)
	}
	c.owners[slot] = k
	c.pending[k] = w.payload
	return true
}

// freeSlot returns an unused slot, or a random one when all are taken.
func (c *Cache) freeSlot() int {
	for i, k := range c.owners {
		if k == (key{}) {
			return i
		}
	}
	return c.rng.Intn(c.slots)
}

func (c *Cache) handle() *os.File {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file
}

// reopen replaces the file handle, recreating the file if it was removed.
func (c *Cache) reopen() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.file
	c.file = f
	c.mu.Unlock()
	old.Close()
	return nil
}

func (c *Cache) owns(w write) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owners[w.slot] == w.key
}

func (c *Cache) writeLoop() {
	defer close(c.done)
	for w := range c.writes {
		err := c.writeRecord(w)
		if errors.Is(err, errSuperseded) {
			continue
		}

		c.mu.Lock()
		if c.owners[w.slot] == w.key {
			delete(c.pending, w.key)
			if err == nil {
				c.index[w.key] = w.slot
			} else {
				c.owners[w.slot] = key{}
			}
		}
		c.mu.Unlock()

		if err != nil {
			infra.GlobalMetrics.RecordError()
			slog.Error("Disk cache write failed",
				slog.String("path", c.path),
				slog.Int64("bucket", w.key.bucket),
				slog.Any("error", err))
		}
	}
}

func (c *Cache) writeRecord(w write) error {
	rec := c.encode(w.key, w.payload)
	off := int64(w.slot) * c.recordSize()
	for tries := 0; ; tries++ {
		_, err := c.handle().WriteAt(rec, off)
		if err == nil {
			return nil
		}
		slog.Warn("Disk cache write failed, retrying",
			slog.String("path", c.path),
			slog.Int64("bucket", w.key.bucket),
			slog.Int("retry", tries),
			slog.Any("error", err))
		if werr := retry.Wait(c.ctx, writePolicy, tries); werr != nil {
			return fmt.Errorf("write slot %d: %w", w.slot, err)
		}
		if !c.owns(w) {
			return errSuperseded
		}
		if rerr := c.reopen(); rerr != nil {
			slog.Warn("Disk cache reopen failed", slog.String("path", c.path), slog.Any("error", rerr))
		}
	}
}

// Len returns the number of readable entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index) + len(c.pending)
}

// Close writes the queued buckets and closes the file. A write that is
// still failing is abandoned.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.writes)
	c.cancel()
	c.mu.Unlock()

	<-c.done
	f := c.handle()
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync cache: %w", err)
	}
	return f.Close()
}
