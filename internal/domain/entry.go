package domain

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EntrySize is the width of one encoded log record in bytes.
// 1 control byte + price, volume, timestamp as little-endian float64.
const EntrySize = 1 + 3*8

// Control byte flags
const (
	flagBuy   byte = 1 << 0
	flagReset byte = 1 << 1
	flagIndex byte = 1 << 2
	flagFlush byte = 1 << 3
)

// Entry is one immutable order-book update or control marker.
type Entry struct {
	IsBuy   bool `json:"is_buy"`
	IsReset bool `json:"is_reset"`
	// IsIndex marks a synthetic snapshot entry written at bucket boundaries.
	IsIndex bool `json:"is_index"`
	// IsFlush marks the last entry committed by a writer flush.
	IsFlush bool `json:"is_flush"`

	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

// Side returns "buy" or "sell".
func (e Entry) Side() string {
	if e.IsBuy {
		return "buy"
	}
	return "sell"
}

func (e Entry) String() string {
	kind := "write"
	switch {
	case e.IsIndex && e.IsReset:
		kind = "index-marker"
	case e.IsIndex:
		kind = "index"
	case e.IsReset:
		kind = "reset"
	}
	return fmt.Sprintf("%s %s %v@%v t=%v", kind, e.Side(), e.Volume, e.Price, e.Timestamp)
}

func (e Entry) control() byte {
	var c byte
	if e.IsBuy {
		c |= flagBuy
	}
	if e.IsReset {
		c |= flagReset
	}
	if e.IsIndex {
		c |= flagIndex
	}
	if e.IsFlush {
		c |= flagFlush
	}
	return c
}

// Encode returns the fixed-width binary form of e.
func (e Entry) Encode() [EntrySize]byte {
	var b [EntrySize]byte
	b[0] = e.control()
	binary.LittleEndian.PutUint64(b[1:9], math.Float64bits(e.Price))
	binary.LittleEndian.PutUint64(b[9:17], math.Float64bits(e.Volume))
	binary.LittleEndian.PutUint64(b[17:25], math.Float64bits(e.Timestamp))
	return b
}

// AppendEntry appends the encoded form of e to dst.
func AppendEntry(dst []byte, e Entry) []byte {
	b := e.Encode()
	return append(dst, b[:]...)
}

// EncodeEntries concatenates the encoded form of every entry.
func EncodeEntries(entries []Entry) []byte {
	out := make([]byte, 0, len(entries)*EntrySize)
	for _, e := range entries {
		out = AppendEntry(out, e)
	}
	return out
}

// DecodeEntry parses exactly one record. Unknown control bits are ignored.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) != EntrySize {
		return Entry{}, &CorruptRecordError{
			Offset: -1,
			Err:    fmt.Errorf("entry width %d, want %d", len(b), EntrySize),
		}
	}
	c := b[0]
	return Entry{
		IsBuy:     c&flagBuy != 0,
		IsReset:   c&flagReset != 0,
		IsIndex:   c&flagIndex != 0,
		IsFlush:   c&flagFlush != 0,
		Price:     math.Float64frombits(binary.LittleEndian.Uint64(b[1:9])),
		Volume:    math.Float64frombits(binary.LittleEndian.Uint64(b[9:17])),
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(b[17:25])),
	}, nil
}

// DecodeEntries parses a concatenation of records.
func DecodeEntries(b []byte) ([]Entry, error) {
	if len(b)%EntrySize != 0 {
		return nil, &CorruptRecordError{
			Offset: int64(len(b) - len(b)%EntrySize),
			Err:    fmt.Errorf("payload length %d is not a multiple of %d", len(b), EntrySize),
		}
	}
	out := make([]Entry, 0, len(b)/EntrySize)
	for off := 0; off < len(b); off += EntrySize {
		e, err := DecodeEntry(b[off : off+EntrySize])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
