package device

import (
	"context"
	"errors"
	"testing"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/format"
)

func TestGroupRoutesByDevice(t *testing.T) {
	ctx := context.Background()
	m0 := NewMemory(0, 2, 1024, 256)
	m1 := NewMemory(1, 3, 1024, 256)
	g, err := NewGroup(m0, m1)
	if err != nil {
		t.Fatal(err)
	}

	h := format.SegmentHeader{
		SegmentSeq:        7,
		PhysicalSegmentID: addr.MakeSegmentID(1, 2),
		DirtyTail:         addr.JournalSeqNull,
		AllocTail:         addr.JournalSeqNull,
		SegmentNonce:      0xabc,
		Type:              addr.SegmentTypeOOL,
		Category:          addr.CategoryData,
		Generation:        addr.HotGeneration,
	}
	m1.WriteSegmentHeader(2, h)

	got, err := g.ReadSegmentHeader(ctx, addr.MakeSegmentID(1, 2))
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got != h {
		t.Errorf("header mismatch: got %+v", got)
	}

	if _, err := g.ReadSegmentHeader(ctx, addr.MakeSegmentID(0, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("unformatted segment: got %v", err)
	}
	if _, err := g.ReadSegmentTail(ctx, addr.MakeSegmentID(1, 2)); !errors.Is(err, ErrNoData) {
		t.Errorf("missing tail: got %v", err)
	}

	sms := g.SegmentManagers()
	if len(sms) != 2 || sms[0].DeviceID() != 0 || sms[1].DeviceID() != 1 {
		t.Errorf("managers not sorted by device id")
	}
}

func TestGroupRejectsDuplicates(t *testing.T) {
	if _, err := NewGroup(NewMemory(0, 1, 1024, 256), NewMemory(0, 1, 1024, 256)); err == nil {
		t.Error("expected duplicate device error")
	}
}

func TestScanValidRecordsStopsAtNonceMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 1, 4096, 256)
	m.AppendRecord(0, 0x1, RecordHeader{ModifyTimeMS: 100, NumExtents: 2})
	m.AppendRecord(0, 0x1, RecordHeader{ModifyTimeMS: 200, NumExtents: 1})
	m.AppendRecord(0, 0x2, RecordHeader{ModifyTimeMS: 300, NumExtents: 5})

	var seen []RecordHeader
	err := m.ScanValidRecords(ctx, 0, 0x1, func(h RecordHeader) error {
		seen = append(seen, h)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 records, got %d", len(seen))
	}
	if seen[1].ModifyTimeMS != 200 {
		t.Errorf("record order wrong: %+v", seen)
	}
}

func TestReleaseSegmentClearsState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 1, 1024, 256)
	m.WriteSegmentHeader(0, format.SegmentHeader{SegmentNonce: 1})

	if err := m.ReleaseSegment(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadSegmentHeader(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("released segment still has header: %v", err)
	}
}
