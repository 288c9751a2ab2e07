// Package device defines the segment-manager contract the cleaner consumes:
// per-device metadata reads, record scanning, and segment release. The
// engine's real block-device managers and the in-memory device used by tests
// and tooling both implement it.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/format"
)

var (
	// ErrNotFound means the device holds nothing for the requested segment.
	ErrNotFound = errors.New("device: not found")
	// ErrNoData means the requested block exists but was never written.
	ErrNoData = errors.New("device: no data")
)

// RecordHeader is the per-record metadata surfaced while scanning a segment
// without a valid tail.
type RecordHeader struct {
	// ModifyTimeMS is the average extent modify time of the record in
	// milliseconds since the Unix epoch, or 0 when NumExtents is 0.
	ModifyTimeMS int64
	NumExtents   uint64
}

// RecordHandler consumes record headers during a scan.
type RecordHandler func(h RecordHeader) error

// SegmentManager is one segmented device.
type SegmentManager interface {
	DeviceID() addr.DeviceID
	NumSegments() int
	SegmentSize() int64
	BlockSize() int64
	// Size returns NumSegments * SegmentSize.
	Size() int64

	ReadSegmentHeader(ctx context.Context, segment addr.DeviceSegmentID) (format.SegmentHeader, error)
	ReadSegmentTail(ctx context.Context, segment addr.DeviceSegmentID) (format.SegmentTail, error)
	// ScanValidRecords walks the records of a segment from offset zero,
	// invoking h for each record until the first one whose nonce does not
	// match; records after that one are not visited.
	ScanValidRecords(ctx context.Context, segment addr.DeviceSegmentID, nonce uint32, h RecordHandler) error
	ReleaseSegment(ctx context.Context, segment addr.DeviceSegmentID) error
}

// Group aggregates the segment managers of all devices and routes requests
// by the device part of a segment id.
type Group struct {
	managers map[addr.DeviceID]SegmentManager
}

// NewGroup builds a group from the given managers. Duplicate device ids are
// rejected.
func NewGroup(managers ...SegmentManager) (*Group, error) {
	g := &Group{managers: make(map[addr.DeviceID]SegmentManager, len(managers))}
	for _, sm := range managers {
		id := sm.DeviceID()
		if id.PaddrType() != addr.PaddrTypeSegment {
			return nil, fmt.Errorf("device: %s is not a segmented device id", id)
		}
		if _, ok := g.managers[id]; ok {
			return nil, fmt.Errorf("device: duplicate device %s", id)
		}
		g.managers[id] = sm
	}
	return g, nil
}

// SegmentManagers returns the managers in ascending device-id order.
func (g *Group) SegmentManagers() []SegmentManager {
	out := make([]SegmentManager, 0, len(g.managers))
	for _, sm := range g.managers {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID() < out[j].DeviceID()
	})
	return out
}

func (g *Group) manager(id addr.SegmentID) SegmentManager {
	sm, ok := g.managers[id.DeviceID()]
	if !ok {
		panic(fmt.Sprintf("device: no manager for %s", id))
	}
	return sm
}

// ReadSegmentHeader reads the header block of the segment.
func (g *Group) ReadSegmentHeader(ctx context.Context, id addr.SegmentID) (format.SegmentHeader, error) {
	return g.manager(id).ReadSegmentHeader(ctx, id.DeviceSegment())
}

// ReadSegmentTail reads the tail block of the segment.
func (g *Group) ReadSegmentTail(ctx context.Context, id addr.SegmentID) (format.SegmentTail, error) {
	return g.manager(id).ReadSegmentTail(ctx, id.DeviceSegment())
}

// ScanValidRecords scans the record headers of the segment.
func (g *Group) ScanValidRecords(ctx context.Context, id addr.SegmentID, nonce uint32, h RecordHandler) error {
	return g.manager(id).ScanValidRecords(ctx, id.DeviceSegment(), nonce, h)
}

// ReleaseSegment returns the segment's space to the device.
func (g *Group) ReleaseSegment(ctx context.Context, id addr.SegmentID) error {
	return g.manager(id).ReleaseSegment(ctx, id.DeviceSegment())
}
