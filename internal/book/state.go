package book

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// StateVersion is written as the first byte of an encoded State.
const StateVersion uint8 = 1

// LevelState is one stored price level.
type LevelState struct {
	Price     float64
	Volume    float64
	Timestamp float64
}

// RunState is an index run that has been started but not completed.
type RunState struct {
	LiveLeft    int
	StagingLeft int
	Aliased     bool
	Live        []LevelState
	Staging     []LevelState
}

// SideState captures both ladders of one side.
type SideState struct {
	HasLive bool
	Live    []LevelState
	// Aliased means staging is the live ladder itself.
	Aliased bool
	Staging []LevelState
	Run     *RunState
}

// State is enough to resume replay at Index without reading earlier entries.
type State struct {
	Version uint8
	Index   int64
	Time    float64
	Buy     SideState
	Sell    SideState
}

// Snapshot captures the processor as a State positioned at index.
func (p *Processor) Snapshot(index int64) State {
	return State{
		Version: StateVersion,
		Index:   index,
		Time:    p.currentTime,
		Buy:     snapshotSide(&p.buy),
		Sell:    snapshotSide(&p.sell),
	}
}

func snapshotSide(s *side) SideState {
	st := SideState{}
	if live := s.liveLadder(); live != nil {
		st.HasLive = true
		st.Live = dumpLadder(live)
	}
	if s.aliased() {
		st.Aliased = true
	} else {
		st.Staging = dumpLadder(s.stagingLadder())
	}
	if r := s.run; r != nil {
		st.Run = &RunState{
			LiveLeft:    r.liveLeft,
			StagingLeft: r.stagingLeft,
			Aliased:     r.aliased,
			Live:        dumpLadder(r.live),
		}
		if r.staging != nil {
			st.Run.Staging = dumpLadder(r.staging)
		}
	}
	return st
}

func dumpLadder(l *ladder) []LevelState {
	out := make([]LevelState, 0, l.Len())
	l.Scan(func(price float64, q quote) bool {
		out = append(out, LevelState{Price: price, Volume: q.volume, Timestamp: q.timestamp})
		return true
	})
	return out
}

func loadLadder(levels []LevelState) *ladder {
	l := newLadder()
	for _, lv := range levels {
		l.Set(lv.Price, quote{volume: lv.Volume, timestamp: lv.Timestamp})
	}
	return l
}

// Restore builds a processor from a State. The state is copied.
func Restore(cfg Config, st State) *Processor {
	p := New(cfg)
	p.currentTime = st.Time
	restoreSide(&p.buy, st.Buy)
	restoreSide(&p.sell, st.Sell)
	return p
}

func restoreSide(s *side, st SideState) {
	s.slots = [2]*ladder{}
	s.live = noSlot
	s.staging = 0
	if st.HasLive {
		s.slots[0] = loadLadder(st.Live)
		s.live = 0
	}
	switch {
	case st.Aliased && st.HasLive:
		s.staging = 0
	case st.HasLive:
		s.slots[1] = loadLadder(st.Staging)
		s.staging = 1
	default:
		s.slots[0] = loadLadder(st.Staging)
	}
	if r := st.Run; r != nil {
		s.run = &pendingRun{
			liveLeft:    r.LiveLeft,
			stagingLeft: r.StagingLeft,
			aliased:     r.Aliased,
			live:        loadLadder(r.Live),
		}
		if !r.Aliased {
			s.run.staging = loadLadder(r.Staging)
		}
	}
}

// Clone returns a deep copy.
func (st State) Clone() State {
	out := st
	out.Buy = st.Buy.clone()
	out.Sell = st.Sell.clone()
	return out
}

func (s SideState) clone() SideState {
	out := s
	out.Live = cloneLevels(s.Live)
	out.Staging = cloneLevels(s.Staging)
	if s.Run != nil {
		run := *s.Run
		run.Live = cloneLevels(s.Run.Live)
		run.Staging = cloneLevels(s.Run.Staging)
		out.Run = &run
	}
	return out
}

func cloneLevels(in []LevelState) []LevelState {
	if in == nil {
		return nil
	}
	out := make([]LevelState, len(in))
	copy(out, in)
	return out
}

// ErrStateVersion is returned when decoding a State of another version.
var ErrStateVersion = errors.New("unsupported state version")

const (
	sideHasLive byte = 1 << iota
	sideAliased
	sideHasRun
	sideRunAliased
)

// MarshalBinary encodes the state as
// version | index | time | buy side | sell side, little-endian.
func (st State) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, StateVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.Index))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(st.Time))
	buf = st.Buy.appendBinary(buf)
	buf = st.Sell.appendBinary(buf)
	return buf, nil
}

func (s SideState) appendBinary(buf []byte) []byte {
	var flags byte
	if s.HasLive {
		flags |= sideHasLive
	}
	if s.Aliased {
		flags |= sideAliased
	}
	if s.Run != nil {
		flags |= sideHasRun
		if s.Run.Aliased {
			flags |= sideRunAliased
		}
	}
	buf = append(buf, flags)
	buf = appendLevelsBinary(buf, s.Live)
	buf = appendLevelsBinary(buf, s.Staging)
	if s.Run != nil {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Run.LiveLeft))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Run.StagingLeft))
		buf = appendLevelsBinary(buf, s.Run.Live)
		buf = appendLevelsBinary(buf, s.Run.Staging)
	}
	return buf
}

func appendLevelsBinary(buf []byte, levels []LevelState) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(levels)))
	for _, lv := range levels {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lv.Price))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lv.Volume))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lv.Timestamp))
	}
	return buf
}

// UnmarshalBinary decodes a state written by MarshalBinary.
func (st *State) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	version := d.byte()
	if d.err == nil && version != StateVersion {
		return fmt.Errorf("%w: %d", ErrStateVersion, version)
	}
	out := State{Version: version}
	out.Index = int64(d.uint64())
	out.Time = math.Float64frombits(d.uint64())
	out.Buy = d.side()
	out.Sell = d.side()
	if d.err != nil {
		return fmt.Errorf("decode state: %w", d.err)
	}
	*st = out
	return nil
}

type decoder struct {
	buf []byte
	err error
}

var errShortState = errors.New("short buffer")

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = errShortState
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) byte() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) levels() []LevelState {
	n := int(d.uint32())
	if d.err != nil {
		return nil
	}
	if n*24 > len(d.buf) {
		d.err = errShortState
		return nil
	}
	out := make([]LevelState, n)
	for i := range out {
		out[i] = LevelState{
			Price:     math.Float64frombits(d.uint64()),
			Volume:    math.Float64frombits(d.uint64()),
			Timestamp: math.Float64frombits(d.uint64()),
		}
	}
	return out
}

func (d *decoder) side() SideState {
	flags := d.byte()
	s := SideState{
		HasLive: flags&sideHasLive != 0,
		Aliased: flags&sideAliased != 0,
	}
	live := d.levels()
	staging := d.levels()
	if s.HasLive {
		s.Live = live
	}
	if !s.Aliased {
		s.Staging = staging
	}
	if flags&sideHasRun != 0 {
		run := &RunState{Aliased: flags&sideRunAliased != 0}
		run.LiveLeft = int(d.uint32())
		run.StagingLeft = int(d.uint32())
		run.Live = d.levels()
		runStaging := d.levels()
		if !run.Aliased {
			run.Staging = runStaging
		}
		s.Run = run
	}
	return s
}
