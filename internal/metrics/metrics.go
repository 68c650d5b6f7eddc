// Package metrics exposes per-peer protocol counters as a Prometheus
// collector, following the locked-map Describe/Collect shape the teacher
// uses for per-connection TCP_INFO export: here the map is keyed by TSI
// instead of net.Conn, and the per-peer "supplier" pulls window occupancy
// and NAK/FEC counters instead of kernel tcp_info fields.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PeerStats is the snapshot a peer entry supplies on each Collect pass.
// The protocol state machine updates its own copy; the collector only
// reads it under lock at scrape time.
type PeerStats struct {
	RxWindowOccupancy float64
	TxWindowOccupancy float64
	NAKsSent          float64
	NCFsReceived      float64
	RepairsReceived   float64
	PacketsLost       float64
	FECGroupsRepaired float64
	FECGroupsFailed   float64
}

// Source is implemented by anything that can report its current stats on
// demand, e.g. an endpoint's per-peer receive/transmit windows.
type Source interface {
	Stats() PeerStats
}

type peerEntry struct {
	source Source
	labels []string
}

// Collector is a Prometheus collector over a dynamic set of peers,
// identified by an opaque string key (a TSI's string form).
type Collector struct {
	mu     sync.Mutex
	peers  map[string]peerEntry
	logger func(error)

	rxOccupancy *prometheus.Desc
	txOccupancy *prometheus.Desc
	naksSent    *prometheus.Desc
	ncfsRecv    *prometheus.Desc
	repairsRecv *prometheus.Desc
	packetsLost *prometheus.Desc
	fecRepaired *prometheus.Desc
	fecFailed   *prometheus.Desc
}

// NewCollector builds a collector. peerLabels names the label dimensions
// supplied per-peer when Add is called (typically just "tsi");
// constLabels are fixed for the process, e.g. the endpoint's bound
// network.
func NewCollector(prefix string, peerLabels []string, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, peerLabels, constLabels)
	}
	return &Collector{
		peers:       make(map[string]peerEntry),
		logger:      func(error) {},
		rxOccupancy: desc("rxw_occupancy_ratio", "Fraction of the receive window currently occupied."),
		txOccupancy: desc("txw_occupancy_ratio", "Fraction of the transmit window currently occupied."),
		naksSent:    desc("naks_sent_total", "Total NAKs sent to this peer."),
		ncfsRecv:    desc("ncfs_received_total", "Total NCFs received from this peer."),
		repairsRecv: desc("repairs_received_total", "Total RDATA/parity repairs received from this peer."),
		packetsLost: desc("packets_lost_total", "Total packets declared unrecoverably lost for this peer."),
		fecRepaired: desc("fec_groups_repaired_total", "Total FEC groups successfully reconstructed."),
		fecFailed:   desc("fec_groups_failed_total", "Total FEC groups that could not be reconstructed."),
	}
}

// SetLogger installs a callback invoked when a peer's Source errors out
// (reserved for future Source implementations that can fail; the current
// in-memory Source never does).
func (c *Collector) SetLogger(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = fn
}

// Add registers a peer under key (its TSI string form) with the given
// label values, in the same order as peerLabels passed to NewCollector.
func (c *Collector) Add(key string, source Source, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[key] = peerEntry{source: source, labels: labelValues}
}

// Remove drops a peer, e.g. once it has expired per spec §4.8's
// peer-expiry deadline.
func (c *Collector) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, key)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rxOccupancy
	descs <- c.txOccupancy
	descs <- c.naksSent
	descs <- c.ncfsRecv
	descs <- c.repairsRecv
	descs <- c.packetsLost
	descs <- c.fecRepaired
	descs <- c.fecFailed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.peers {
		s := entry.source.Stats()
		ch <- prometheus.MustNewConstMetric(c.rxOccupancy, prometheus.GaugeValue, s.RxWindowOccupancy, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.txOccupancy, prometheus.GaugeValue, s.TxWindowOccupancy, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.naksSent, prometheus.CounterValue, s.NAKsSent, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.ncfsRecv, prometheus.CounterValue, s.NCFsReceived, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.repairsRecv, prometheus.CounterValue, s.RepairsReceived, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.packetsLost, prometheus.CounterValue, s.PacketsLost, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.fecRepaired, prometheus.CounterValue, s.FECGroupsRepaired, entry.labels...)
		ch <- prometheus.MustNewConstMetric(c.fecFailed, prometheus.CounterValue, s.FECGroupsFailed, entry.labels...)
	}
}
