package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSource struct{ s PeerStats }

func (f fakeSource) Stats() PeerStats { return f.s }

func TestDescribeEmitsOneDescPerMetric(t *testing.T) {
	c := NewCollector("pgm", []string{"tsi"}, nil)
	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)

	count := 0
	for range descs {
		count++
	}
	if count != 8 {
		t.Fatalf("Describe emitted %d descs, want 8", count)
	}
}

func TestCollectReflectsRegisteredPeers(t *testing.T) {
	c := NewCollector("pgm", []string{"tsi"}, nil)
	c.Add("peer-a", fakeSource{PeerStats{RxWindowOccupancy: 0.5, NAKsSent: 3}}, []string{"peer-a"})
	c.Add("peer-b", fakeSource{PeerStats{RxWindowOccupancy: 0.9, NAKsSent: 7}}, []string{"peer-b"})

	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count != 16 { // 8 metrics x 2 peers
		t.Fatalf("Collect emitted %d metrics, want 16", count)
	}
}

func TestRemoveDropsPeerFromCollection(t *testing.T) {
	c := NewCollector("pgm", []string{"tsi"}, nil)
	c.Add("peer-a", fakeSource{PeerStats{}}, []string{"peer-a"})
	c.Remove("peer-a")

	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count != 0 {
		t.Fatalf("Collect emitted %d metrics after Remove, want 0", count)
	}
}
