package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/behrlich/auoms-collector/internal/pqueue"
)

// namespace prefixes every exported metric name.
const namespace = "auoms_collector"

var (
	descBytesIn = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "bytes_in_total"),
		"Total bytes read from the audit source.", nil, nil)
	descRecordsIn = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "records_in_total"),
		"Total raw audit records read from the audit source.", nil, nil)
	descBytesLost = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "bytes_lost_total"),
		"Total bytes dropped by the SPSC queue to make room for new data.", nil, nil)
	descSegmentsLost = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "segments_lost_total"),
		"Total SPSC queue segments reclaimed before being fully drained.", nil, nil)
	descEventsBuilt = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_built_total"),
		"Total events assembled by the accumulator.", nil, nil)
	descEventsDropped = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_dropped_total"),
		"Total events the accumulator could not build or enqueue.", nil, nil)
	descEventsSent = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_sent_total"),
		"Total events written to an output.", nil, []string{"output"})
	descEventsFiltered = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_filtered_total"),
		"Total events dropped by an output's filter.", nil, []string{"output"})
	descWriteFailures = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "write_failures_total"),
		"Total output write failures that triggered a reconnect.", nil, []string{"output"})
	descQueueBytesDropped = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_bytes_dropped_total"),
		"Total bytes the priority queue could not accept under quota pressure.", nil, nil)
	descQueueBytesSaved = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_bytes_saved_total"),
		"Bytes of saved priority-queue files currently on disk; removing a consumed or evicted file lowers it.", nil, nil)
	descQueueCannotSave = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_cannot_save_bytes_total"),
		"Total bytes the priority queue failed to save and had to drop.", nil, nil)
	descProcessRSSBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "process_rss_bytes"),
		"Collector process resident set size.", nil, nil)
	descProcessVirtBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "process_virt_bytes"),
		"Collector process virtual memory size.", nil, nil)
	descProcessRSSPct = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "process_rss_pct"),
		"Collector process resident set size as a percentage of total system memory.", nil, nil)
)

// Collector is a prometheus.Collector reading Counters and a
// pqueue.PriorityQueue's Stats() on every scrape, rather than duplicating
// each counter as a separate prometheus metric updated on the hot path.
// Named outputs register their own Counters via AddOutput so events_sent
// etc. carry an "output" label.
type Collector struct {
	pipeline *Counters
	queue    *pqueue.PriorityQueue
	outputs  map[string]*Counters
	proc     *ProcessSampler
}

// NewCollector returns a Collector exporting the pipeline-wide counters
// (collector/accumulator intake) and, if queue is non-nil, the priority
// queue's save/drop statistics.
func NewCollector(pipeline *Counters, queue *pqueue.PriorityQueue) *Collector {
	return &Collector{pipeline: pipeline, queue: queue, outputs: make(map[string]*Counters)}
}

// AddOutput registers a named output's counters to be exported with an
// "output" label.
func (c *Collector) AddOutput(name string, counters *Counters) {
	c.outputs[name] = counters
}

// SetProcessSampler registers a ProcessSampler whose last snapshot is
// exported as process_rss_bytes/process_virt_bytes/process_rss_pct.
func (c *Collector) SetProcessSampler(p *ProcessSampler) {
	c.proc = p
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descBytesIn
	ch <- descRecordsIn
	ch <- descBytesLost
	ch <- descSegmentsLost
	ch <- descEventsBuilt
	ch <- descEventsDropped
	ch <- descEventsSent
	ch <- descEventsFiltered
	ch <- descWriteFailures
	ch <- descQueueBytesDropped
	ch <- descQueueBytesSaved
	ch <- descQueueCannotSave
	ch <- descProcessRSSBytes
	ch <- descProcessVirtBytes
	ch <- descProcessRSSPct
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pipeline != nil {
		s := c.pipeline.Snapshot()
		ch <- prometheus.MustNewConstMetric(descBytesIn, prometheus.CounterValue, float64(s.BytesIn))
		ch <- prometheus.MustNewConstMetric(descRecordsIn, prometheus.CounterValue, float64(s.RecordsIn))
		ch <- prometheus.MustNewConstMetric(descBytesLost, prometheus.CounterValue, float64(s.BytesLost))
		ch <- prometheus.MustNewConstMetric(descSegmentsLost, prometheus.CounterValue, float64(s.SegmentsLost))
		ch <- prometheus.MustNewConstMetric(descEventsBuilt, prometheus.CounterValue, float64(s.EventsBuilt))
		ch <- prometheus.MustNewConstMetric(descEventsDropped, prometheus.CounterValue, float64(s.EventsDropped))
	}

	for name, counters := range c.outputs {
		s := counters.Snapshot()
		ch <- prometheus.MustNewConstMetric(descEventsSent, prometheus.CounterValue, float64(s.EventsSent), name)
		ch <- prometheus.MustNewConstMetric(descEventsFiltered, prometheus.CounterValue, float64(s.EventsFiltered), name)
		ch <- prometheus.MustNewConstMetric(descWriteFailures, prometheus.CounterValue, float64(s.WriteFailures), name)
	}

	if c.queue != nil {
		qs := c.queue.Stats()
		ch <- prometheus.MustNewConstMetric(descQueueBytesDropped, prometheus.CounterValue, float64(qs.BytesDropped))
		ch <- prometheus.MustNewConstMetric(descQueueBytesSaved, prometheus.CounterValue, float64(qs.BytesSaved))
		ch <- prometheus.MustNewConstMetric(descQueueCannotSave, prometheus.CounterValue, float64(qs.CannotSaveBytes))
	}

	if c.proc != nil {
		rss, virt, rssPct := c.proc.Snapshot()
		ch <- prometheus.MustNewConstMetric(descProcessRSSBytes, prometheus.GaugeValue, float64(rss))
		ch <- prometheus.MustNewConstMetric(descProcessVirtBytes, prometheus.GaugeValue, float64(virt))
		ch <- prometheus.MustNewConstMetric(descProcessRSSPct, prometheus.GaugeValue, rssPct)
	}
}
