package book

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func TestState_RestoreMatchesSnapshot(t *testing.T) {
	p := New(DefaultConfig())
	fillBook(p, 10, 1)
	randomBook(p, rand.New(rand.NewSource(3)), 300, 2)

	st := p.Snapshot(1234)
	q := Restore(DefaultConfig(), st)

	if got := q.Snapshot(1234); !reflect.DeepEqual(got, st) {
		t.Fatalf("restored snapshot differs\n got %+v\nwant %+v", got, st)
	}

	// both continue identically
	p.Write(true, 1001, 3, 500)
	q.Write(true, 1001, 3, 500)
	if !reflect.DeepEqual(p.Snapshot(0), q.Snapshot(0)) {
		t.Error("processors diverged after the same write")
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	p := New(Config{Depth: 2})
	fillBook(p, 2, 1)
	st := p.Snapshot(0)

	c := st.Clone()
	c.Buy.Live[0].Volume = 999

	if st.Buy.Live[0].Volume == 999 {
		t.Error("Clone shares level storage with the original")
	}
}

func TestState_BinaryMidRun(t *testing.T) {
	src := New(DefaultConfig())
	fillBook(src, 10, 5)
	src.Reset(false, 6)
	src.Write(false, 200, 1, 6)
	run := src.IndexRun()

	p := New(DefaultConfig())
	for _, e := range run[:len(run)-3] {
		p.Accept(e)
	}
	st := p.Snapshot(77)
	if st.Sell.Run == nil {
		t.Fatal("expected a pending sell run")
	}

	raw, err := st.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var decoded State
	if err := decoded.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if !reflect.DeepEqual(decoded, st) {
		t.Fatalf("decoded state differs\n got %+v\nwant %+v", decoded, st)
	}

	// finishing the run on the decoded state gives the source book
	q := Restore(DefaultConfig(), decoded)
	for _, e := range run[len(run)-3:] {
		q.Accept(e)
	}
	if !reflect.DeepEqual(q.Snapshot(0), src.Snapshot(0)) {
		t.Error("resumed run does not reproduce source state")
	}
}

func TestState_UnmarshalErrors(t *testing.T) {
	var st State
	if err := st.UnmarshalBinary([]byte{9}); !errors.Is(err, ErrStateVersion) {
		t.Errorf("expected version error, got %v", err)
	}
	if err := st.UnmarshalBinary([]byte{StateVersion, 1, 2}); err == nil {
		t.Error("expected error for short buffer")
	}
}
