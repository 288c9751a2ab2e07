package addr

import (
	"sort"
	"testing"
)

func TestDeviceIDPaddrType(t *testing.T) {
	cases := []struct {
		id   DeviceID
		want PaddrType
	}{
		{0, PaddrTypeSegment},
		{DeviceIDMaxValidSegment, PaddrTypeSegment},
		{DeviceIDMaxValidSegment + 1, PaddrTypeRandomBlock},
		{DeviceIDMaxValid, PaddrTypeRandomBlock},
		{DeviceIDRoot, PaddrTypeReserved},
		{DeviceIDZero, PaddrTypeReserved},
		{DeviceIDNull, PaddrTypeReserved},
	}
	for _, c := range cases {
		if got := c.id.PaddrType(); got != c.want {
			t.Errorf("device %d: got %s, want %s", uint8(c.id), got, c.want)
		}
	}
}

func TestSegmentIDPacking(t *testing.T) {
	id := MakeSegmentID(3, 77)
	if id.DeviceID() != 3 {
		t.Errorf("device: got %d", id.DeviceID())
	}
	if id.DeviceSegment() != 77 {
		t.Errorf("segment: got %d", id.DeviceSegment())
	}
	if NullSegmentID != SegmentID(0xffffffff) {
		t.Errorf("null segment id must be all-ones, got %x", uint32(NullSegmentID))
	}
}

func TestSegPaddrRoundTrip(t *testing.T) {
	seg := MakeSegmentID(1, 42)
	p := MakeSegPaddr(seg, 4096)
	if p.Type() != PaddrTypeSegment {
		t.Fatalf("type: got %s", p.Type())
	}
	if p.SegmentID() != seg {
		t.Errorf("segment: got %s", p.SegmentID())
	}
	if p.SegmentOff() != 4096 {
		t.Errorf("offset: got %d", p.SegmentOff())
	}
	q := p.WithSegmentOff(8192)
	if q.SegmentID() != seg || q.SegmentOff() != 8192 {
		t.Errorf("with offset: got %s", q)
	}
}

func TestBlkPaddrRoundTrip(t *testing.T) {
	p := MakeBlkPaddr(DeviceIDMaxValidSegment+1, 1<<40)
	if p.Type() != PaddrTypeRandomBlock {
		t.Fatalf("type: got %s", p.Type())
	}
	if p.BlockOff() != 1<<40 {
		t.Errorf("offset: got %d", p.BlockOff())
	}
}

func TestResPaddrSignedOffset(t *testing.T) {
	p := MakeResPaddr(DeviceIDRecordRelative, -512)
	if p.ResOff() != -512 {
		t.Errorf("offset: got %d", p.ResOff())
	}
}

func TestPaddrOrdering(t *testing.T) {
	addrs := []Paddr{
		MakeSegPaddr(MakeSegmentID(0, 1), 512),
		MakeSegPaddr(MakeSegmentID(0, 0), 0),
		MakeSegPaddr(MakeSegmentID(0, 0), 1024),
		MakeSegPaddr(MakeSegmentID(1, 0), 0),
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	want := []Paddr{
		MakeSegPaddr(MakeSegmentID(0, 0), 0),
		MakeSegPaddr(MakeSegmentID(0, 0), 1024),
		MakeSegPaddr(MakeSegmentID(0, 1), 512),
		MakeSegPaddr(MakeSegmentID(1, 0), 0),
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, addrs[i], want[i])
		}
	}
	if !(PaddrNull > MakeSegPaddr(MakeSegmentID(127, DeviceSegmentIDMax), 1<<32-1)) {
		t.Error("null address must sort after every segment address")
	}
}

func TestJournalSeqOrdering(t *testing.T) {
	seg0 := MakeSegmentID(0, 0)
	a := JournalSeq{Seq: 1, Off: MakeSegPaddr(seg0, 256)}
	b := JournalSeq{Seq: 1, Off: MakeSegPaddr(seg0, 512)}
	c := JournalSeq{Seq: 2, Off: MakeSegPaddr(seg0, 0)}

	if !a.Before(b) || !b.Before(c) {
		t.Error("lexicographic ordering violated")
	}
	if !a.Before(JournalSeqNull) {
		t.Error("null must sort last")
	}
	if got := a.Min(b); got != a {
		t.Errorf("min: got %s", got)
	}
	if !JournalSeqNull.IsNull() {
		t.Error("JournalSeqNull must be null")
	}
}

func TestMapAddDeviceAndIterate(t *testing.T) {
	var m Map[int]
	m.AddDevice(2, 3, -1)
	m.AddDevice(0, 2, -1)

	if m.Len() != 5 {
		t.Fatalf("len: got %d", m.Len())
	}

	var order []SegmentID
	m.ForEach(func(id SegmentID, v *int) bool {
		*v = len(order)
		order = append(order, id)
		return true
	})
	want := []SegmentID{
		MakeSegmentID(0, 0),
		MakeSegmentID(0, 1),
		MakeSegmentID(2, 0),
		MakeSegmentID(2, 1),
		MakeSegmentID(2, 2),
	}
	if len(order) != len(want) {
		t.Fatalf("visited %d segments", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
	if *m.Get(MakeSegmentID(2, 1)) != 3 {
		t.Errorf("get: got %d", *m.Get(MakeSegmentID(2, 1)))
	}

	m.Clear()
	if m.Len() != 0 || m.Contains(MakeSegmentID(0, 0)) {
		t.Error("clear did not reset the map")
	}
}

func TestMapOutOfRangePanics(t *testing.T) {
	var m Map[int]
	m.AddDevice(0, 1, 0)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on out-of-range access")
		}
	}()
	m.Get(MakeSegmentID(0, 1))
}
