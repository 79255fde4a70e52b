package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sawpanic/kisgateway/internal/app"
)

// gatewayCollector exposes the gateway's own Metrics() snapshots as
// Prometheus gauges/counters, computed on demand at scrape time rather
// than set imperatively at each call site, since every source metric is
// already a point-in-time counter snapshot behind its own lock.
type gatewayCollector struct {
	app *app.App

	queueDepth     *prometheus.Desc
	queueAccepted  *prometheus.Desc
	queueFilled    *prometheus.Desc
	queueRejected  *prometheus.Desc
	queueRetried   *prometheus.Desc

	gatewayRestFallbacks *prometheus.Desc
	gatewayWSCount       *prometheus.Desc

	ingestWSConnected *prometheus.Desc
	ingestCached      *prometheus.Desc
	ingestStale       *prometheus.Desc

	reconMismatches  *prometheus.Desc
	reconCorrections *prometheus.Desc

	sessionActive *prometheus.Desc
}

func newGatewayCollector(a *app.App) *gatewayCollector {
	return &gatewayCollector{
		app: a,

		queueDepth:    prometheus.NewDesc("kisgateway_queue_depth", "Orders waiting in the FIFO", nil, nil),
		queueAccepted: prometheus.NewDesc("kisgateway_queue_accepted_total", "Orders accepted by the queue", nil, nil),
		queueFilled:   prometheus.NewDesc("kisgateway_queue_filled_total", "Orders reaching FILLED", nil, nil),
		queueRejected: prometheus.NewDesc("kisgateway_queue_rejected_total", "Orders reaching REJECTED", nil, nil),
		queueRetried:  prometheus.NewDesc("kisgateway_queue_retried_total", "Dispatch attempts retried", nil, nil),

		gatewayRestFallbacks: prometheus.NewDesc("kisgateway_rest_fallbacks_total", "Quote reads that fell back to REST", nil, nil),
		gatewayWSCount:       prometheus.NewDesc("kisgateway_ws_quote_hits_total", "Quote reads served from the streaming cache", nil, nil),

		ingestWSConnected: prometheus.NewDesc("kisgateway_ws_connected", "1 if the streaming client is connected", nil, nil),
		ingestCached:      prometheus.NewDesc("kisgateway_cached_symbols", "Symbols currently held in the quote cache", nil, nil),
		ingestStale:       prometheus.NewDesc("kisgateway_stale_symbols", "Cached symbols past their staleness window", nil, nil),

		reconMismatches:  prometheus.NewDesc("kisgateway_reconcile_mismatches_total", "Reconciliation mismatches observed", nil, nil),
		reconCorrections: prometheus.NewDesc("kisgateway_reconcile_corrections_total", "Reconciliation corrections applied", nil, nil),

		sessionActive: prometheus.NewDesc("kisgateway_session_active", "1 if the trading session lease is currently ACTIVE", nil, nil),
	}
}

func (c *gatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueAccepted
	ch <- c.queueFilled
	ch <- c.queueRejected
	ch <- c.queueRetried
	ch <- c.gatewayRestFallbacks
	ch <- c.gatewayWSCount
	ch <- c.ingestWSConnected
	ch <- c.ingestCached
	ch <- c.ingestStale
	ch <- c.reconMismatches
	ch <- c.reconCorrections
	ch <- c.sessionActive
}

func (c *gatewayCollector) Collect(ch chan<- prometheus.Metric) {
	qm := c.app.Queue.Metrics()
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(qm.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.queueAccepted, prometheus.CounterValue, float64(qm.Accepted))
	ch <- prometheus.MustNewConstMetric(c.queueFilled, prometheus.CounterValue, float64(qm.Filled))
	ch <- prometheus.MustNewConstMetric(c.queueRejected, prometheus.CounterValue, float64(qm.Rejected))
	ch <- prometheus.MustNewConstMetric(c.queueRetried, prometheus.CounterValue, float64(qm.Retried))

	gm := c.app.Gateway.Metrics()
	ch <- prometheus.MustNewConstMetric(c.gatewayRestFallbacks, prometheus.CounterValue, float64(gm.RestFallbacks))
	ch <- prometheus.MustNewConstMetric(c.gatewayWSCount, prometheus.CounterValue, float64(gm.WSCount))

	im := c.app.Ingest.Metrics(c.app.Now().Unix())
	ch <- prometheus.MustNewConstMetric(c.ingestWSConnected, prometheus.GaugeValue, boolToFloat(im.WSConnected))
	ch <- prometheus.MustNewConstMetric(c.ingestCached, prometheus.GaugeValue, float64(im.CachedSymbols))
	ch <- prometheus.MustNewConstMetric(c.ingestStale, prometheus.GaugeValue, float64(im.StaleSymbols))

	rm := c.app.Reconcile.Metrics()
	ch <- prometheus.MustNewConstMetric(c.reconMismatches, prometheus.CounterValue, float64(rm.Mismatches))
	ch <- prometheus.MustNewConstMetric(c.reconCorrections, prometheus.CounterValue, float64(rm.Corrections))

	sess := c.app.Session.Status()
	ch <- prometheus.MustNewConstMetric(c.sessionActive, prometheus.GaugeValue, boolToFloat(sess.State == "ACTIVE"))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// metricsHandler builds a dedicated Prometheus registry scoped to a,
// rather than registering into the global DefaultRegisterer, so multiple
// Server instances in the same process (tests) never collide.
func metricsHandler(a *app.App) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newGatewayCollector(a))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
