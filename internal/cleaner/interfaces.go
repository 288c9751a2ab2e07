// Package cleaner implements the asynchronous segment cleaner of the
// storage engine: segment lifecycle and space accounting, journal-tail
// bookkeeping, the garbage-collection policy and cycle, reclamation of live
// extents, and admission-control back-pressure for foreground writers.
//
// The cleaner is single-owner state driven from multiple goroutines:
// bookkeeping updates run atomically under one mutex, and waiting (for
// admission, for GC work) happens only on channels. The record engine,
// backref store and devices stay behind the interfaces in this file.
package cleaner

import (
	"context"
	"errors"
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
)

// ErrEagain marks a transient conflict between a cleaner transaction and a
// foreground mutator. The failed transaction step is retried from scratch;
// cursors and victim choice are idempotent.
var ErrEagain = errors.New("cleaner: transaction conflict")

// TransactionSource labels who opened a transaction.
type TransactionSource int

const (
	SrcRead TransactionSource = iota
	SrcCleanerTrimDirty
	SrcCleanerTrimAlloc
	SrcCleanerReclaim
)

func (s TransactionSource) String() string {
	switch s {
	case SrcRead:
		return "read"
	case SrcCleanerTrimDirty:
		return "cleaner_trim_dirty"
	case SrcCleanerTrimAlloc:
		return "cleaner_trim_alloc"
	case SrcCleanerReclaim:
		return "cleaner_reclaim"
	default:
		return fmt.Sprintf("src(%d)", int(s))
	}
}

// Transaction is the record engine's transaction handle. The cleaner only
// marks segments for release on it; everything else is opaque.
type Transaction interface {
	Source() TransactionSource
	// MarkSegmentToRelease records that the segment must be released when
	// the transaction commits.
	MarkSegmentToRelease(id addr.SegmentID)
	// SegmentToRelease returns the marked segment, or the null segment id.
	SegmentToRelease() addr.SegmentID
}

// Extent is an opaque live extent handle obtained from collaborators.
type Extent struct {
	Paddr  addr.Paddr
	Laddr  addr.Laddr
	Length int64
	Type   ExtentType
	// Seq is the journal position that allocated the extent, when known.
	Seq addr.JournalSeq
}

func (e Extent) String() string {
	return fmt.Sprintf("extent(%s %s len=%d %s)", e.Paddr, e.Laddr, e.Length, e.Type)
}

// ExtentType tags an extent's kind. The cleaner passes it through
// unchanged.
type ExtentType uint8

const (
	ExtentTypeMetadata ExtentType = iota
	ExtentTypeData
)

func (t ExtentType) String() string {
	switch t {
	case ExtentTypeMetadata:
		return "metadata"
	case ExtentTypeData:
		return "data"
	default:
		return fmt.Sprintf("extent_type(%d)", uint8(t))
	}
}

// BackrefEntry maps a physical extent back to its logical address. A null
// logical address denotes a retirement delta.
type BackrefEntry struct {
	Paddr addr.Paddr
	Laddr addr.Laddr
	Len   int64
	Type  ExtentType
	Seq   addr.JournalSeq
}

// ExtentCallback is the record engine's interface for rewriting extents
// and submitting cleaner transactions.
type ExtentCallback interface {
	// WithTransaction opens a transaction and runs fn with it. A returned
	// ErrEagain means the transaction raced a foreground mutator.
	WithTransaction(ctx context.Context, src TransactionSource, name string, fn func(Transaction) error) error
	// SubmitTransaction commits the transaction, optionally advancing the
	// journal alloc tail.
	SubmitTransaction(ctx context.Context, t Transaction, newAllocTail *addr.JournalSeq) error
	// GetNextDirtyExtents returns dirty extents whose journal position is
	// at or below limit, up to byteBudget bytes.
	GetNextDirtyExtents(ctx context.Context, t Transaction, limit addr.JournalSeq, byteBudget int64) ([]*Extent, error)
	// RewriteExtent copies the extent into a segment of the target
	// generation, carrying modifyTimeMS (0 when unknown).
	RewriteExtent(ctx context.Context, t Transaction, e *Extent, generation addr.ReclaimGen, modifyTimeMS int64) error
	// GetExtentsIfLive resolves the extent at paddr if laddr still maps to
	// it; the result is empty when the extent is dead.
	GetExtentsIfLive(ctx context.Context, t Transaction, typ ExtentType, paddr addr.Paddr, laddr addr.Laddr, length int64) ([]*Extent, error)
}

// BackrefManager serves physical-to-logical mappings for segment ranges and
// owns the cached backref deltas that have not reached the backref tree
// yet.
type BackrefManager interface {
	// GetMappings returns the persisted backref mappings intersecting
	// [start, end).
	GetMappings(ctx context.Context, t Transaction, start, end addr.Paddr) ([]BackrefEntry, error)
	// GetCachedBackrefEntriesInRange returns the cached deltas intersecting
	// [start, end); retirements carry a null logical address.
	GetCachedBackrefEntriesInRange(start, end addr.Paddr) []BackrefEntry
	// RetrieveBackrefExtentsInRange loads the backref-tree extents that
	// physically reside in [start, end), so reclaiming can move them too.
	RetrieveBackrefExtentsInRange(ctx context.Context, t Transaction, start, end addr.Paddr) ([]*Extent, error)
	// MergeCachedBackrefs merges cached deltas up to limit into the tree,
	// bounded by byteBudget, and returns the new alloc tail, or the null
	// journal seq if nothing merged.
	MergeCachedBackrefs(ctx context.Context, t Transaction, limit addr.JournalSeq, byteBudget int64) (addr.JournalSeq, error)
}
