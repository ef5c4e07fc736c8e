// Package metrics is ambient observability, not a protocol feature: a
// node runs correctly whether or not anything ever scrapes it. Grounded on
// varasto's stoserver/metrics.go simple counter-and-registry shape, without
// its promconstmetrics dependency, since these counters never need a
// "value as of timestamp T" sample — they're plain running totals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge a node reports and the private
// prometheus.Registry they're registered against.
type Registry struct {
	reg *prometheus.Registry

	DownloadsTotal      prometheus.Counter
	DownloadErrorsTotal prometheus.Counter

	UploadsTotal      prometheus.Counter
	UploadErrorsTotal prometheus.Counter
	UploadBytesTotal  prometheus.Counter

	DiffEventsTotal *prometheus.CounterVec

	PeersConnected  prometheus.Gauge
	QueuedDownloads prometheus.Gauge
}

// New builds and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	diffEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncmesh_diff_events_total",
		Help: "Peer log diff events observed, by kind (added/removed/changed)",
	}, []string{"kind"})
	reg.MustRegister(diffEvents)

	return &Registry{
		reg: reg,

		DownloadsTotal:      counter("syncmesh_downloads_total", "Completed downloads"),
		DownloadErrorsTotal: counter("syncmesh_download_errors_total", "Failed downloads"),

		UploadsTotal:      counter("syncmesh_uploads_total", "Completed uploads"),
		UploadErrorsTotal: counter("syncmesh_upload_errors_total", "Failed uploads"),
		UploadBytesTotal:  counter("syncmesh_upload_bytes_total", "Bytes served in uploads"),

		DiffEventsTotal: diffEvents,

		PeersConnected:  gauge("syncmesh_peers_connected", "Currently connected peers"),
		QueuedDownloads: gauge("syncmesh_queued_downloads", "Paths currently queued for automatic download"),
	}
}

// Handler exposes the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
