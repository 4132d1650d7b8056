package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samsamfire/goduet/pkg/codes"
)

var (
	descCycles = prometheus.NewDesc(
		"duet_transfer_cycles_total",
		"Completed SPI transfer cycles",
		nil, nil)
	descCrcFailures = prometheus.NewDesc(
		"duet_transfer_crc_failures_total",
		"Transfer cycles discarded due to CRC or version mismatch",
		nil, nil)
	descResyncs = prometheus.NewDesc(
		"duet_transfer_resyncs_total",
		"Link resynchronizations",
		nil, nil)
	descResends = prometheus.NewDesc(
		"duet_transfer_resends_total",
		"Packets re-emitted on firmware request",
		nil, nil)
	descBytes = prometheus.NewDesc(
		"duet_transfer_bytes_total",
		"Bytes exchanged with the firmware",
		[]string{"direction"}, nil)
	descQueueDepth = prometheus.NewDesc(
		"duet_channel_queue_depth",
		"Codes queued locally per channel",
		[]string{"channel"}, nil)
	descBufferSpace = prometheus.NewDesc(
		"duet_channel_buffer_space_bytes",
		"Firmware advertised free buffer bytes per channel",
		[]string{"channel"}, nil)
)

// Collector exposes daemon counters to a prometheus registry. The
// metrics endpoint itself lives in an external transport module.
type Collector struct {
	daemon *Daemon
}

func NewCollector(d *Daemon) *Collector {
	return &Collector{daemon: d}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCycles
	ch <- descCrcFailures
	ch <- descResyncs
	ch <- descResends
	ch <- descBytes
	ch <- descQueueDepth
	ch <- descBufferSpace
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.daemon.engine.Snapshot()
	ch <- prometheus.MustNewConstMetric(descCycles, prometheus.CounterValue, float64(stats.Cycles))
	ch <- prometheus.MustNewConstMetric(descCrcFailures, prometheus.CounterValue, float64(stats.CrcFailures))
	ch <- prometheus.MustNewConstMetric(descResyncs, prometheus.CounterValue, float64(stats.Resyncs))
	ch <- prometheus.MustNewConstMetric(descResends, prometheus.CounterValue, float64(stats.Resends))
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(stats.BytesSent), "out")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(stats.BytesReceived), "in")
	for channel := codes.Channel(0); channel < codes.ChannelCount; channel++ {
		processor := c.daemon.router.Processor(channel)
		ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue,
			float64(processor.QueueDepth()), channel.String())
		ch <- prometheus.MustNewConstMetric(descBufferSpace, prometheus.GaugeValue,
			float64(processor.BufferSpace()), channel.String())
	}
}
