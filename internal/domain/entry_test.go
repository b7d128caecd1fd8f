package domain

import (
	"errors"
	"math"
	"testing"
)

func TestEntry_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"buy write", Entry{IsBuy: true, Price: 100.5, Volume: 5, Timestamp: 1700000000.25}},
		{"sell write", Entry{Price: 101, Volume: 0.0001, Timestamp: 1}},
		{"reset", Entry{IsBuy: true, IsReset: true, Timestamp: 2}},
		{"index marker", Entry{IsIndex: true, IsReset: true, Volume: 10, Timestamp: 3}},
		{"flush boundary", Entry{IsFlush: true, Price: 7, Volume: 0, Timestamp: 4}},
		{"negative zero and tiny", Entry{Price: math.Copysign(0, -1), Volume: math.SmallestNonzeroFloat64}},
		{"all flags", Entry{IsBuy: true, IsReset: true, IsIndex: true, IsFlush: true, Price: 1e300}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.entry.Encode()
			got, err := DecodeEntry(b[:])
			if err != nil {
				t.Fatalf("DecodeEntry failed: %v", err)
			}
			if got != tt.entry || math.Signbit(got.Price) != math.Signbit(tt.entry.Price) {
				t.Errorf("round trip = %+v, want %+v", got, tt.entry)
			}
		})
	}
}

func TestEntry_Layout(t *testing.T) {
	e := Entry{IsBuy: true, IsIndex: true, Price: 1, Volume: 2, Timestamp: 3}
	b := e.Encode()

	if len(b) != 25 {
		t.Fatalf("entry width = %d, want 25", len(b))
	}
	if b[0] != 0x05 {
		t.Errorf("control byte = %#x, want 0x05", b[0])
	}
	// 1.0 little-endian: 00 00 00 00 00 00 f0 3f
	if b[7] != 0xf0 || b[8] != 0x3f {
		t.Errorf("price bytes = %x", b[1:9])
	}
}

func TestDecodeEntry_WrongWidth(t *testing.T) {
	for _, n := range []int{0, 24, 26} {
		_, err := DecodeEntry(make([]byte, n))
		if !errors.Is(err, ErrCorruptRecord) {
			t.Errorf("len %d: expected corrupt record, got %v", n, err)
		}
	}
}

func TestDecodeEntries(t *testing.T) {
	in := []Entry{
		{IsBuy: true, Price: 1, Volume: 1, Timestamp: 1},
		{Price: 2, Volume: 2, Timestamp: 2},
	}
	raw := EncodeEntries(in)
	out, err := DecodeEntries(raw)
	if err != nil {
		t.Fatalf("DecodeEntries failed: %v", err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("DecodeEntries = %+v", out)
	}

	if _, err := DecodeEntries(raw[:30]); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected corrupt record for partial payload, got %v", err)
	}
}
