package addr

import "fmt"

// Map is a compact two-level index from segment id to T: a slice per
// device, indexed by the per-device segment id. Lookup is O(1); iteration
// visits segments in ascending (device, index) order.
//
// Devices must be registered with AddDevice before any of their segments
// are accessed; touching an unregistered device or an out-of-range index is
// a programming error and panics.
type Map[T any] struct {
	devices [DeviceIDMaxValid][]T
	total   int
}

// AddDevice registers device d with n segments, each initialized to init.
func (m *Map[T]) AddDevice(d DeviceID, n int, init T) {
	if d > DeviceIDMaxValid-1 {
		panic(fmt.Sprintf("addr: cannot add distinguished device %s", d))
	}
	if m.devices[d] != nil {
		panic(fmt.Sprintf("addr: device %s added twice", d))
	}
	if n <= 0 {
		panic(fmt.Sprintf("addr: device %s with %d segments", d, n))
	}
	segs := make([]T, n)
	for i := range segs {
		segs[i] = init
	}
	m.devices[d] = segs
	m.total += n
}

// Clear drops every registered device.
func (m *Map[T]) Clear() {
	for i := range m.devices {
		m.devices[i] = nil
	}
	m.total = 0
}

// Contains reports whether id addresses a registered segment.
func (m *Map[T]) Contains(id SegmentID) bool {
	d := id.DeviceID()
	if d > DeviceIDMaxValid-1 {
		return false
	}
	return int(id.DeviceSegment()) < len(m.devices[d])
}

// Get returns a pointer to the slot for id.
func (m *Map[T]) Get(id SegmentID) *T {
	if !m.Contains(id) {
		panic(fmt.Sprintf("addr: %s out of range", id))
	}
	return &m.devices[id.DeviceID()][id.DeviceSegment()]
}

// Len returns the total number of segments across all devices.
func (m *Map[T]) Len() int {
	return m.total
}

// ForEach calls fn for every segment in ascending (device, index) order.
// Iteration stops early if fn returns false.
func (m *Map[T]) ForEach(fn func(SegmentID, *T) bool) {
	for d := range m.devices {
		segs := m.devices[d]
		for i := range segs {
			if !fn(MakeSegmentID(DeviceID(d), DeviceSegmentID(i)), &segs[i]) {
				return
			}
		}
	}
}
