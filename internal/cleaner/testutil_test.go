package cleaner

import (
	"context"
	"sync"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/config"
	"github.com/seglog-io/seglog/internal/device"
	"github.com/seglog-io/seglog/internal/logging"
)

// fakeTransaction collects the effects staged by one cleaner transaction;
// the fake engine applies them on submit.
type fakeTransaction struct {
	src       TransactionSource
	name      string
	toRelease addr.SegmentID
	rewrites  []stagedRewrite
}

type stagedRewrite struct {
	extent       *Extent
	generation   addr.ReclaimGen
	modifyTimeMS int64
}

func newFakeTransaction(src TransactionSource, name string) *fakeTransaction {
	return &fakeTransaction{src: src, name: name, toRelease: addr.NullSegmentID}
}

func (t *fakeTransaction) Source() TransactionSource { return t.src }

func (t *fakeTransaction) MarkSegmentToRelease(id addr.SegmentID) { t.toRelease = id }

func (t *fakeTransaction) SegmentToRelease() addr.SegmentID { return t.toRelease }

// fakeEngine is an in-memory record engine and backref store. Rewrites
// land sequentially in a designated target segment; submitting a
// transaction applies its staged effects against the cleaner's accounting
// the way the real engine's commit path would.
type fakeEngine struct {
	cleaner *AsyncCleaner

	mu sync.Mutex
	// live maps physical address to the live extent there.
	live map[addr.Paddr]*Extent
	// mappings is the persisted backref tree state; retirements that are
	// still cached leave their entries here.
	mappings map[addr.Paddr]BackrefEntry
	// dirty extents served to trim-dirty, position in Seq.
	dirty []*Extent
	// cached backref deltas, served by range queries.
	cached []BackrefEntry
	// pendingAllocTail is what MergeCachedBackrefs will produce.
	pendingAllocTail addr.JournalSeq
	// newDirtyTail is applied on submit of a trim-dirty transaction.
	newDirtyTail addr.JournalSeq

	rewriteTarget addr.SegmentID
	rewriteOffset int64

	// submitConflicts injects this many ErrEagain submit failures.
	submitConflicts int

	submitted int
	rewritten []stagedRewrite
}

var _ ExtentCallback = (*fakeEngine)(nil)
var _ BackrefManager = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		live:             make(map[addr.Paddr]*Extent),
		mappings:         make(map[addr.Paddr]BackrefEntry),
		pendingAllocTail: addr.JournalSeqNull,
		newDirtyTail:     addr.JournalSeqNull,
		rewriteTarget:    addr.NullSegmentID,
	}
}

// addLiveExtent registers a live extent and its persisted backref.
func (e *fakeEngine) addLiveExtent(p addr.Paddr, l addr.Laddr, length int64) *Extent {
	ext := &Extent{Paddr: p, Laddr: l, Length: length, Type: ExtentTypeData, Seq: addr.JournalSeqNull}
	e.mu.Lock()
	e.live[p] = ext
	e.mappings[p] = BackrefEntry{
		Paddr: p, Laddr: l, Len: length, Type: ExtentTypeData, Seq: addr.JournalSeqNull,
	}
	e.mu.Unlock()
	return ext
}

func (e *fakeEngine) WithTransaction(_ context.Context, src TransactionSource, name string,
	fn func(Transaction) error) error {
	return fn(newFakeTransaction(src, name))
}

func (e *fakeEngine) SubmitTransaction(_ context.Context, t Transaction,
	newAllocTail *addr.JournalSeq) error {
	ft := t.(*fakeTransaction)

	e.mu.Lock()
	if e.submitConflicts > 0 {
		e.submitConflicts--
		e.mu.Unlock()
		return ErrEagain
	}
	e.submitted++
	var moves []stagedRewrite
	for _, rw := range ft.rewrites {
		moves = append(moves, rw)
	}
	e.rewritten = append(e.rewritten, moves...)
	target := e.rewriteTarget
	offset := e.rewriteOffset
	for _, rw := range moves {
		e.rewriteOffset += rw.extent.Length
	}
	newDirtyTail := e.newDirtyTail
	e.mu.Unlock()

	// apply the moves against the cleaner the way the commit path would
	if !target.IsNull() {
		for _, rw := range moves {
			old := rw.extent.Paddr
			dst := addr.MakeSegPaddr(target, offset)
			offset += rw.extent.Length
			e.cleaner.MarkSpaceFree(old, rw.extent.Length, false)
			e.cleaner.MarkSpaceUsed(dst, rw.extent.Length, false)
			e.mu.Lock()
			delete(e.live, old)
			delete(e.mappings, old)
			moved := *rw.extent
			moved.Paddr = dst
			e.live[dst] = &moved
			e.mappings[dst] = BackrefEntry{
				Paddr: dst, Laddr: moved.Laddr, Len: moved.Length, Type: moved.Type,
				Seq: addr.JournalSeqNull,
			}
			e.mu.Unlock()
		}
	}

	if newAllocTail != nil {
		e.cleaner.UpdateJournalTails(addr.JournalSeqNull, *newAllocTail)
	}
	if ft.src == SrcCleanerTrimDirty && !newDirtyTail.IsNull() {
		e.cleaner.UpdateJournalTails(newDirtyTail, addr.JournalSeqNull)
	}
	return nil
}

func (e *fakeEngine) GetNextDirtyExtents(_ context.Context, _ Transaction,
	limit addr.JournalSeq, byteBudget int64) ([]*Extent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Extent
	var total int64
	for _, ext := range e.dirty {
		if ext.Seq.Compare(limit) > 0 {
			continue
		}
		if total+ext.Length > byteBudget {
			break
		}
		total += ext.Length
		out = append(out, ext)
	}
	return out, nil
}

func (e *fakeEngine) RewriteExtent(_ context.Context, t Transaction, ext *Extent,
	generation addr.ReclaimGen, modifyTimeMS int64) error {
	ft := t.(*fakeTransaction)
	ft.rewrites = append(ft.rewrites, stagedRewrite{
		extent:       ext,
		generation:   generation,
		modifyTimeMS: modifyTimeMS,
	})
	return nil
}

func (e *fakeEngine) GetExtentsIfLive(_ context.Context, _ Transaction, _ ExtentType,
	p addr.Paddr, l addr.Laddr, _ int64) ([]*Extent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ext, ok := e.live[p]; ok && ext.Laddr == l {
		return []*Extent{ext}, nil
	}
	return nil, nil
}

func (e *fakeEngine) GetMappings(_ context.Context, _ Transaction,
	start, end addr.Paddr) ([]BackrefEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []BackrefEntry
	for p, ent := range e.mappings {
		if p >= start && p < end {
			out = append(out, ent)
		}
	}
	return out, nil
}

func (e *fakeEngine) GetCachedBackrefEntriesInRange(start, end addr.Paddr) []BackrefEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []BackrefEntry
	for _, ent := range e.cached {
		if ent.Paddr >= start && ent.Paddr < end {
			out = append(out, ent)
		}
	}
	return out
}

func (e *fakeEngine) RetrieveBackrefExtentsInRange(_ context.Context, _ Transaction,
	_, _ addr.Paddr) ([]*Extent, error) {
	return nil, nil
}

func (e *fakeEngine) MergeCachedBackrefs(_ context.Context, _ Transaction,
	limit addr.JournalSeq, _ int64) (addr.JournalSeq, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingAllocTail.IsNull() {
		return addr.JournalSeqNull, nil
	}
	return e.pendingAllocTail.Min(limit), nil
}

// testCleaner wires a cleaner over in-memory devices and the fake engine.
type testCleaner struct {
	cleaner *AsyncCleaner
	engine  *fakeEngine
	devices []*device.Memory
}

const (
	testSegmentSize = 1024
	testBlockSize   = 256
)

func testConfig() config.CleanerConfig {
	return config.CleanerConfig{
		TargetJournalDirtyBytes:     4 * testSegmentSize,
		TargetJournalAllocBytes:     4 * testSegmentSize,
		JournalTailLimitBytes:       16 * testSegmentSize,
		RewriteDirtyBytesPerCycle:   testSegmentSize,
		RewriteBackrefBytesPerCycle: testSegmentSize,
		ReclaimBytesPerCycle:        testSegmentSize,
		AvailableRatioGCStart:       0.15,
		AvailableRatioHardLimit:     0.05,
		DetailedSpaceTracking:       true,
	}
}

func newTestCleaner(ctx context.Context, cfg config.CleanerConfig, numSegments int) (*testCleaner, error) {
	mem := device.NewMemory(0, numSegments, testSegmentSize, testBlockSize)
	group, err := device.NewGroup(mem)
	if err != nil {
		return nil, err
	}
	engine := newFakeEngine()
	log := logging.New(logging.Config{Level: logging.LevelError})
	c := New(cfg, group, engine, engine, Options{Log: log})
	engine.cleaner = c
	if err := c.Mount(ctx); err != nil {
		return nil, err
	}
	return &testCleaner{cleaner: c, engine: engine, devices: []*device.Memory{mem}}, nil
}

// initJournal installs a minimal journal position so CompleteInit can run.
func (tc *testCleaner) initJournal(seq addr.SegmentSeq, off addr.Paddr) {
	pos := addr.JournalSeq{Seq: seq, Off: off}
	tc.cleaner.SetJournalHead(pos)
	tc.cleaner.UpdateJournalTails(pos, pos)
}
