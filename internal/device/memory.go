package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/format"
)

// Memory is an in-memory segmented device. Tests and tooling use it to
// exercise mount and reclaim paths without real block devices.
type Memory struct {
	deviceID    addr.DeviceID
	segmentSize int64
	blockSize   int64

	mu       sync.Mutex
	segments []memorySegment
}

type memorySegment struct {
	header    *format.SegmentHeader
	tail      *format.SegmentTail
	records   []memoryRecord
	headerErr error
	tailErr   error
}

type memoryRecord struct {
	nonce  uint32
	header RecordHeader
}

// NewMemory creates an in-memory device.
func NewMemory(deviceID addr.DeviceID, numSegments int, segmentSize, blockSize int64) *Memory {
	if numSegments <= 0 || segmentSize <= 0 || blockSize <= 0 || segmentSize%blockSize != 0 {
		panic(fmt.Sprintf("device: bad memory geometry %d x %d / %d",
			numSegments, segmentSize, blockSize))
	}
	return &Memory{
		deviceID:    deviceID,
		segmentSize: segmentSize,
		blockSize:   blockSize,
		segments:    make([]memorySegment, numSegments),
	}
}

func (m *Memory) DeviceID() addr.DeviceID { return m.deviceID }
func (m *Memory) NumSegments() int        { return len(m.segments) }
func (m *Memory) SegmentSize() int64      { return m.segmentSize }
func (m *Memory) BlockSize() int64        { return m.blockSize }
func (m *Memory) Size() int64             { return int64(len(m.segments)) * m.segmentSize }

func (m *Memory) segment(segment addr.DeviceSegmentID) *memorySegment {
	if int(segment) >= len(m.segments) {
		panic(fmt.Sprintf("device: segment %d out of range", segment))
	}
	return &m.segments[segment]
}

// WriteSegmentHeader installs the header block of a segment.
func (m *Memory) WriteSegmentHeader(segment addr.DeviceSegmentID, h format.SegmentHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hh := h
	m.segment(segment).header = &hh
}

// WriteSegmentTail installs the tail block of a segment.
func (m *Memory) WriteSegmentTail(segment addr.DeviceSegmentID, t format.SegmentTail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tt := t
	m.segment(segment).tail = &tt
}

// AppendRecord appends a record header visible to ScanValidRecords under
// the given nonce.
func (m *Memory) AppendRecord(segment addr.DeviceSegmentID, nonce uint32, h RecordHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.segment(segment)
	s.records = append(s.records, memoryRecord{nonce: nonce, header: h})
}

// FailSegmentHeader makes header reads of the segment return err.
func (m *Memory) FailSegmentHeader(segment addr.DeviceSegmentID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segment(segment).headerErr = err
}

// FailSegmentTail makes tail reads of the segment return err.
func (m *Memory) FailSegmentTail(segment addr.DeviceSegmentID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segment(segment).tailErr = err
}

func (m *Memory) ReadSegmentHeader(_ context.Context, segment addr.DeviceSegmentID) (format.SegmentHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.segment(segment)
	if s.headerErr != nil {
		return format.SegmentHeader{}, s.headerErr
	}
	if s.header == nil {
		return format.SegmentHeader{}, ErrNotFound
	}
	return *s.header, nil
}

func (m *Memory) ReadSegmentTail(_ context.Context, segment addr.DeviceSegmentID) (format.SegmentTail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.segment(segment)
	if s.tailErr != nil {
		return format.SegmentTail{}, s.tailErr
	}
	if s.tail == nil {
		return format.SegmentTail{}, ErrNoData
	}
	return *s.tail, nil
}

func (m *Memory) ScanValidRecords(_ context.Context, segment addr.DeviceSegmentID, nonce uint32, h RecordHandler) error {
	m.mu.Lock()
	records := append([]memoryRecord(nil), m.segment(segment).records...)
	m.mu.Unlock()

	for _, r := range records {
		if r.nonce != nonce {
			// end of this segment's records; anything beyond belongs to a
			// previous incarnation
			break
		}
		if err := h(r.header); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ReleaseSegment(_ context.Context, segment addr.DeviceSegmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.segment(segment) = memorySegment{}
	return nil
}
