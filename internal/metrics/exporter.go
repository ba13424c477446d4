package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connhub"

// HubSource exposes coordinator state that the Collector does not
// count itself.
type HubSource interface {
	IsListening() bool
	AllTimeConnected() int
	Authenticated() int
}

// Exporter adapts a Collector (and optionally a HubSource) to the
// prometheus.Collector interface.  Values are read at scrape time.
type Exporter struct {
	c   *Collector
	hub HubSource

	endpointsActive *prometheus.Desc
	endpointsTotal  *prometheus.Desc
	bytes           *prometheus.Desc
	messages        *prometheus.Desc
	protocolErrors  *prometheus.Desc
	handlerPanics   *prometheus.Desc
	streamsActive   *prometheus.Desc
	streamsTotal    *prometheus.Desc
	dialFailures    *prometheus.Desc
	publishRetries  *prometheus.Desc
	listening       *prometheus.Desc
	identities      *prometheus.Desc
	authenticated   *prometheus.Desc
}

// NewExporter returns an exporter over c.  hub may be nil.
func NewExporter(c *Collector, hub HubSource) *Exporter {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		c:               c,
		hub:             hub,
		endpointsActive: d("endpoints_active", "Currently connected endpoints."),
		endpointsTotal:  d("endpoints_accepted_total", "Endpoints accepted since start."),
		bytes:           d("bytes_total", "Bytes moved over endpoint connections.", "direction"),
		messages:        d("messages_total", "Framed messages moved over endpoint connections.", "direction"),
		protocolErrors:  d("protocol_errors_total", "Endpoints dropped for malformed, unregistered or misdirected frames."),
		handlerPanics:   d("handler_panics_total", "Recovered panics in subscribers and handlers."),
		streamsActive:   d("tunnel_streams_active", "Open tunnel streams."),
		streamsTotal:    d("tunnel_streams_opened_total", "Tunnel streams opened since start."),
		dialFailures:    d("tunnel_dial_failures_total", "Tunnel targets that could not be dialed."),
		publishRetries:  d("publish_reconnects_total", "Reconnects of the SSH publish forward."),
		listening:       d("listening", "1 while the listener accepts connections."),
		identities:      d("identities_seen", "Distinct identities recorded since start."),
		authenticated:   d("endpoints_authenticated", "Endpoints currently authenticated."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.endpointsActive
	ch <- e.endpointsTotal
	ch <- e.bytes
	ch <- e.messages
	ch <- e.protocolErrors
	ch <- e.handlerPanics
	ch <- e.streamsActive
	ch <- e.streamsTotal
	ch <- e.dialFailures
	ch <- e.publishRetries
	if e.hub != nil {
		ch <- e.listening
		ch <- e.identities
		ch <- e.authenticated
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(e.endpointsActive, float64(s.EndpointsActive))
	counter(e.endpointsTotal, s.EndpointsTotal)
	counter(e.bytes, s.BytesIn, "in")
	counter(e.bytes, s.BytesOut, "out")
	counter(e.messages, s.MessagesIn, "in")
	counter(e.messages, s.MessagesOut, "out")
	counter(e.protocolErrors, s.ProtocolErrors)
	counter(e.handlerPanics, s.HandlerPanics)
	gauge(e.streamsActive, float64(s.StreamsActive))
	counter(e.streamsTotal, s.StreamsOpened)
	counter(e.dialFailures, s.DialFailures)
	counter(e.publishRetries, s.PublishRetries)

	if e.hub == nil {
		return
	}
	listening := 0.0
	if e.hub.IsListening() {
		listening = 1
	}
	gauge(e.listening, listening)
	gauge(e.identities, float64(e.hub.AllTimeConnected()))
	gauge(e.authenticated, float64(e.hub.Authenticated()))
}

// Handler returns an http.Handler serving /metrics (Prometheus text
// format, with Go runtime collectors) and /stats (the Snapshot JSON).
func Handler(c *Collector, hub HubSource) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(c, hub),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(c.JSON()))
	})
	return mux
}
