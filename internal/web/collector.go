package web

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iolloyd/gridwatcher/internal/engine"
)

// collector is a prometheus.Collector that reads the engine's statistics
// and metrics snapshots fresh on every scrape, rather than mirroring each
// counter into a separate prometheus.Counter/Gauge updated from the hot
// path — the hot path never touches anything Prometheus-related.
type collector struct {
	eng *engine.Engine

	packetsProcessed *prometheus.Desc
	packetsAllowed   *prometheus.Desc
	packetsDropped   *prometheus.Desc
	bytesProcessed   *prometheus.Desc
	threatsDetected  *prometheus.Desc
	threatsMitigated *prometheus.Desc
	activeBlocks     *prometheus.Desc
	totalBlocks      *prometheus.Desc
	uptimeSeconds    *prometheus.Desc
	packetLatencyAvg *prometheus.Desc
	threatLatencyAvg *prometheus.Desc
	throughputPps    *prometheus.Desc
	memoryUsageMB    *prometheus.Desc
}

func newCollector(eng *engine.Engine) *collector {
	ns := "gridwatcher"
	return &collector{
		eng:              eng,
		packetsProcessed: prometheus.NewDesc(ns+"_packets_processed_total", "Total packets processed.", nil, nil),
		packetsAllowed:   prometheus.NewDesc(ns+"_packets_allowed_total", "Total packets allowed.", nil, nil),
		packetsDropped:   prometheus.NewDesc(ns+"_packets_dropped_total", "Total packets dropped.", nil, nil),
		bytesProcessed:   prometheus.NewDesc(ns+"_bytes_processed_total", "Total bytes processed.", nil, nil),
		threatsDetected:  prometheus.NewDesc(ns+"_threats_detected_total", "Total threat alerts raised.", nil, nil),
		threatsMitigated: prometheus.NewDesc(ns+"_threats_mitigated_total", "Total threat alerts mitigated.", nil, nil),
		activeBlocks:     prometheus.NewDesc(ns+"_active_blocks", "Currently active source blocks.", nil, nil),
		totalBlocks:      prometheus.NewDesc(ns+"_total_blocks_total", "Total blocks ever installed.", nil, nil),
		uptimeSeconds:    prometheus.NewDesc(ns+"_uptime_seconds", "Engine uptime in seconds.", nil, nil),
		packetLatencyAvg: prometheus.NewDesc(ns+"_packet_latency_avg_microseconds", "Average end-to-end packet latency.", nil, nil),
		threatLatencyAvg: prometheus.NewDesc(ns+"_threat_latency_avg_microseconds", "Average threat-detection-only latency.", nil, nil),
		throughputPps:    prometheus.NewDesc(ns+"_throughput_packets_per_second", "Recent packets/sec throughput.", nil, nil),
		memoryUsageMB:    prometheus.NewDesc(ns+"_memory_usage_megabytes", "Resource monitor's current usage estimate.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsProcessed
	ch <- c.packetsAllowed
	ch <- c.packetsDropped
	ch <- c.bytesProcessed
	ch <- c.threatsDetected
	ch <- c.threatsMitigated
	ch <- c.activeBlocks
	ch <- c.totalBlocks
	ch <- c.uptimeSeconds
	ch <- c.packetLatencyAvg
	ch <- c.threatLatencyAvg
	ch <- c.throughputPps
	ch <- c.memoryUsageMB
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.eng.StatisticsSnapshot()
	snap := c.eng.MetricsSnapshot()

	ch <- prometheus.MustNewConstMetric(c.packetsProcessed, prometheus.CounterValue, float64(stats.PacketsProcessed))
	ch <- prometheus.MustNewConstMetric(c.packetsAllowed, prometheus.CounterValue, float64(stats.PacketsAllowed))
	ch <- prometheus.MustNewConstMetric(c.packetsDropped, prometheus.CounterValue, float64(stats.PacketsDropped))
	ch <- prometheus.MustNewConstMetric(c.bytesProcessed, prometheus.CounterValue, float64(stats.BytesProcessed))
	ch <- prometheus.MustNewConstMetric(c.threatsDetected, prometheus.CounterValue, float64(stats.ThreatsDetected))
	ch <- prometheus.MustNewConstMetric(c.threatsMitigated, prometheus.CounterValue, float64(stats.ThreatsMitigated))
	ch <- prometheus.MustNewConstMetric(c.activeBlocks, prometheus.GaugeValue, float64(stats.ActiveBlocks))
	ch <- prometheus.MustNewConstMetric(c.totalBlocks, prometheus.CounterValue, float64(stats.TotalBlocks))
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, stats.UptimeSeconds)
	ch <- prometheus.MustNewConstMetric(c.packetLatencyAvg, prometheus.GaugeValue, snap.PacketLatency.AvgUs)
	ch <- prometheus.MustNewConstMetric(c.threatLatencyAvg, prometheus.GaugeValue, snap.ThreatLatency.AvgUs)
	ch <- prometheus.MustNewConstMetric(c.throughputPps, prometheus.GaugeValue, snap.Throughput.PacketsPerSec)
	ch <- prometheus.MustNewConstMetric(c.memoryUsageMB, prometheus.GaugeValue, snap.MemoryUsageMB)
}
