package heap

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// heapCounters are updated on every operation and read by the Collector without taking the heap lock
type heapCounters struct {
	mallocs      atomic.Uint64
	frees        atomic.Uint64
	pageAllocs   atomic.Uint64
	pageFrees    atomic.Uint64
	exhausted    atomic.Uint64
	tooLarge     atomic.Uint64
	invalidFrees atomic.Uint64
}

// Counters is a snapshot of the heap's operation counters
type Counters struct {
	Mallocs      uint64
	Frees        uint64
	PageAllocs   uint64
	PageFrees    uint64
	Exhausted    uint64
	TooLarge     uint64
	InvalidFrees uint64
}

// Counters returns the number of successful and failed operations since the heap was created
func (h *Heap) Counters() Counters {
	return Counters{
		Mallocs:      h.counters.mallocs.Load(),
		Frees:        h.counters.frees.Load(),
		PageAllocs:   h.counters.pageAllocs.Load(),
		PageFrees:    h.counters.pageFrees.Load(),
		Exhausted:    h.counters.exhausted.Load(),
		TooLarge:     h.counters.tooLarge.Load(),
		InvalidFrees: h.counters.invalidFrees.Load(),
	}
}

// Collector exports a Heap's status and counters as prometheus metrics
type Collector struct {
	heap *Heap

	pages       *prometheus.Desc
	allocations *prometheus.Desc
	usedBytes   *prometheus.Desc
	operations  *prometheus.Desc
	failures    *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector for the provided heap. Every metric carries the provided
// constant labels.
func NewCollector(heap *Heap, constLabels prometheus.Labels) *Collector {
	return &Collector{
		heap: heap,
		pages: prometheus.NewDesc(
			"kmem_heap_pages",
			"Number of pages in the heap's region, by state.",
			[]string{"state"}, constLabels,
		),
		allocations: prometheus.NewDesc(
			"kmem_heap_allocations",
			"Number of live blocks across every heap page.",
			nil, constLabels,
		),
		usedBytes: prometheus.NewDesc(
			"kmem_heap_used_bytes",
			"Number of bytes handed out to callers.",
			nil, constLabels,
		),
		operations: prometheus.NewDesc(
			"kmem_heap_operations_total",
			"Number of successful heap operations.",
			[]string{"operation"}, constLabels,
		),
		failures: prometheus.NewDesc(
			"kmem_heap_failures_total",
			"Number of rejected heap operations, by reason.",
			[]string{"reason"}, constLabels,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pages
	ch <- c.allocations
	ch <- c.usedBytes
	ch <- c.operations
	ch <- c.failures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.heap.Status()
	counters := c.heap.Counters()

	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(status.FreePages), "free")
	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(status.HeapPages), "heap")
	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(status.RawPages), "raw")
	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(status.AllocatedPages-status.HeapPages-status.RawPages), "reserved")
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(status.Allocations))
	ch <- prometheus.MustNewConstMetric(c.usedBytes, prometheus.GaugeValue, float64(status.UsedBytes))

	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(counters.Mallocs), "malloc")
	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(counters.Frees), "free")
	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(counters.PageAllocs), "page_alloc")
	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(counters.PageFrees), "page_free")

	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(counters.Exhausted), "exhausted")
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(counters.TooLarge), "too_large")
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(counters.InvalidFrees), "invalid_free")
}
