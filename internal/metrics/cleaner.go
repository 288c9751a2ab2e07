package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UtilizationBuckets is the number of buckets in the segment utilization
// distribution; bucket i has upper bound (i+1)/10.
const UtilizationBuckets = 10

// CleanerMetrics holds the async-cleaner metric families.
type CleanerMetrics struct {
	// Segment population by lifecycle state and type.
	SegmentsNumber      prometheus.Gauge
	SegmentSize         prometheus.Gauge
	SegmentsInJournal   prometheus.Gauge
	SegmentsTypeJournal prometheus.Gauge
	SegmentsTypeOOL     prometheus.Gauge
	SegmentsOpen        prometheus.Gauge
	SegmentsEmpty       prometheus.Gauge
	SegmentsClosed      prometheus.Gauge

	// Lifecycle operation counts by segment type.
	CountOpenJournal    prometheus.Counter
	CountOpenOOL        prometheus.Counter
	CountReleaseJournal prometheus.Counter
	CountReleaseOOL     prometheus.Counter
	CountCloseJournal   prometheus.Counter
	CountCloseOOL       prometheus.Counter

	// Space accounting.
	TotalBytes                   prometheus.Gauge
	AvailableBytes               prometheus.Gauge
	UnavailableUnreclaimableBytes prometheus.Gauge
	UnavailableReclaimableBytes  prometheus.Gauge
	UsedBytes                    prometheus.Gauge
	UnavailableUnusedBytes       prometheus.Gauge

	// Journal lengths.
	DirtyJournalBytes prometheus.Gauge
	AllocJournalBytes prometheus.Gauge

	// Projected usage reservations.
	ProjectedCount        prometheus.Counter
	ProjectedUsedBytesSum prometheus.Counter

	// Admission control.
	IOCount               prometheus.Counter
	IOBlockedCount        prometheus.Counter
	IOBlockedCountTrim    prometheus.Counter
	IOBlockedCountReclaim prometheus.Counter
	IOBlockedSum          prometheus.Counter

	// Reclaim progress.
	ReclaimedBytes        prometheus.Counter
	ReclaimedSegmentBytes prometheus.Counter

	// Closed-segment statistics by type.
	ClosedJournalUsedBytes  prometheus.Counter
	ClosedJournalTotalBytes prometheus.Counter
	ClosedOOLUsedBytes      prometheus.Counter
	ClosedOOLTotalBytes     prometheus.Counter

	// Ratios.
	AvailableRatio prometheus.Gauge
	ReclaimRatio   prometheus.Gauge

	// SegmentUtilization is the current utilization distribution of all
	// segments; one gauge per bucket upper bound.
	SegmentUtilization *prometheus.GaugeVec
}

// NewCleanerMetrics creates and registers cleaner metrics with the default
// registry.
func NewCleanerMetrics() *CleanerMetrics {
	return newCleanerMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewCleanerMetricsWithRegistry creates cleaner metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the default
// registry.
func NewCleanerMetricsWithRegistry(reg prometheus.Registerer) *CleanerMetrics {
	return newCleanerMetrics(promauto.With(reg))
}

func newCleanerMetrics(factory promauto.Factory) *CleanerMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "async_cleaner",
			Name:      name,
			Help:      help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "async_cleaner",
			Name:      name,
			Help:      help,
		})
	}

	return &CleanerMetrics{
		SegmentsNumber:      gauge("segments_number", "The number of segments."),
		SegmentSize:         gauge("segment_size", "The bytes of a segment."),
		SegmentsInJournal:   gauge("segments_in_journal", "The number of segments in the journal."),
		SegmentsTypeJournal: gauge("segments_type_journal", "The number of segments typed journal."),
		SegmentsTypeOOL:     gauge("segments_type_ool", "The number of segments typed out-of-line."),
		SegmentsOpen:        gauge("segments_open", "The number of open segments."),
		SegmentsEmpty:       gauge("segments_empty", "The number of empty segments."),
		SegmentsClosed:      gauge("segments_closed", "The number of closed segments."),

		CountOpenJournal:    counter("segments_count_open_journal", "The count of open journal segment operations."),
		CountOpenOOL:        counter("segments_count_open_ool", "The count of open ool segment operations."),
		CountReleaseJournal: counter("segments_count_release_journal", "The count of release journal segment operations."),
		CountReleaseOOL:     counter("segments_count_release_ool", "The count of release ool segment operations."),
		CountCloseJournal:   counter("segments_count_close_journal", "The count of close journal segment operations."),
		CountCloseOOL:       counter("segments_count_close_ool", "The count of close ool segment operations."),

		TotalBytes:                   gauge("total_bytes", "The size of the space."),
		AvailableBytes:               gauge("available_bytes", "The size of the space that is available."),
		UnavailableUnreclaimableBytes: gauge("unavailable_unreclaimable_bytes", "The size of the space that is unavailable and unreclaimable."),
		UnavailableReclaimableBytes:  gauge("unavailable_reclaimable_bytes", "The size of the space that is unavailable and reclaimable."),
		UsedBytes:                    gauge("used_bytes", "The size of the space occupied by live extents."),
		UnavailableUnusedBytes:       gauge("unavailable_unused_bytes", "The size of the space that is unavailable and not alive."),

		DirtyJournalBytes: gauge("dirty_journal_bytes", "The size of the journal for dirty extents."),
		AllocJournalBytes: gauge("alloc_journal_bytes", "The size of the journal for alloc info."),

		ProjectedCount:        counter("projected_count", "The number of projected usage reservations."),
		ProjectedUsedBytesSum: counter("projected_used_bytes_sum", "The sum of the projected usage in bytes."),

		IOCount:               counter("io_count", "The sum of IOs."),
		IOBlockedCount:        counter("io_blocked_count", "IOs that are blocked by gc."),
		IOBlockedCountTrim:    counter("io_blocked_count_trim", "IOs that are blocked by trimming."),
		IOBlockedCountReclaim: counter("io_blocked_count_reclaim", "IOs that are blocked by reclaiming."),
		IOBlockedSum:          counter("io_blocked_sum", "The sum of blocking IOs."),

		ReclaimedBytes:        counter("reclaimed_bytes", "Rewritten bytes due to reclaim."),
		ReclaimedSegmentBytes: counter("reclaimed_segment_bytes", "Bytes of segments reclaimed."),

		ClosedJournalUsedBytes:  counter("closed_journal_used_bytes", "Used bytes when closing a journal segment."),
		ClosedJournalTotalBytes: counter("closed_journal_total_bytes", "Total bytes of closed journal segments."),
		ClosedOOLUsedBytes:      counter("closed_ool_used_bytes", "Used bytes when closing an ool segment."),
		ClosedOOLTotalBytes:     counter("closed_ool_total_bytes", "Total bytes of closed ool segments."),

		AvailableRatio: gauge("available_ratio", "Ratio of available space to total space."),
		ReclaimRatio:   gauge("reclaim_ratio", "Ratio of reclaimable space to unavailable space."),

		SegmentUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "async_cleaner",
			Name:      "segment_utilization_distribution",
			Help:      "Utilization distribution of all segments by bucket upper bound.",
		}, []string{"le"}),
	}
}

// BucketLabel renders the upper-bound label of utilization bucket i.
func BucketLabel(i int) string {
	return fmt.Sprintf("%.1f", float64(i+1)/UtilizationBuckets)
}

// MoveUtilizationBucket moves one segment between distribution buckets.
// Either index may be -1 to only add or only remove.
func (m *CleanerMetrics) MoveUtilizationBucket(from, to int) {
	if m == nil || from == to {
		return
	}
	if from >= 0 {
		m.SegmentUtilization.WithLabelValues(BucketLabel(from)).Dec()
	}
	if to >= 0 {
		m.SegmentUtilization.WithLabelValues(BucketLabel(to)).Inc()
	}
}
