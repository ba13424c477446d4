package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// The read loop records every chunk it pulls off an endpoint, so this
// sits on the hottest path in the server.
func BenchmarkCollector_BytesReceivedParallel(b *testing.B) {
	c := New()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.BytesReceived(4096)
			c.MessageReceived()
		}
	})
}

func BenchmarkCollector_DropCounters(b *testing.B) {
	c := New()
	for i := 0; i < b.N; i++ {
		c.ProtocolError()
		c.HandlerPanic()
	}
}

func BenchmarkCollector_StreamLifecycle(b *testing.B) {
	c := New()
	for i := 0; i < b.N; i++ {
		c.StreamOpened()
		c.StreamClosed()
	}
}

// BenchmarkExporter_Collect measures one scrape's worth of metric
// construction, excluding text encoding.
func BenchmarkExporter_Collect(b *testing.B) {
	c := New()
	c.EndpointOpened()
	c.BytesReceived(1 << 20)
	c.BytesSent(1 << 20)
	c.ProtocolError()
	e := NewExporter(c, fakeHub{listening: true, seen: 12, authed: 3})

	ch := make(chan prometheus.Metric, 64)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Collect(ch)
		for len(ch) > 0 {
			<-ch
		}
	}
}

// A nil collector is what packages get in unit tests; it must stay free.
func BenchmarkCollector_Nil(b *testing.B) {
	var c *Collector
	for i := 0; i < b.N; i++ {
		c.BytesReceived(4096)
		c.ProtocolError()
		c.HandlerPanic()
	}
}
