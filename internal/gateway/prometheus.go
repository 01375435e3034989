package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/claw-office/internal/audit"
)

var (
	descRequests    = prometheus.NewDesc("clawoffice_requests_total", "Requests recorded.", nil, nil)
	descActive      = prometheus.NewDesc("clawoffice_requests_active", "Requests not yet completed.", nil, nil)
	descOrphans     = prometheus.NewDesc("clawoffice_orphaned_tasks", "Open tasks under completed requests.", nil, nil)
	descSubscribers = prometheus.NewDesc("clawoffice_bus_subscribers", "Connected bus subscribers.", nil, nil)
	descDropped     = prometheus.NewDesc("clawoffice_bus_dropped_total", "Bus events dropped on full subscribers.", nil, nil)
	descScheduled   = prometheus.NewDesc("clawoffice_scheduled_steps", "Paced steps waiting to run.", nil, nil)
	descConnected   = prometheus.NewDesc("clawoffice_upstream_connected", "1 when the upstream gateway is connected.", nil, nil)
	descAgents      = prometheus.NewDesc("clawoffice_agent_count", "Configured agents.", nil, nil)
	descDenies      = prometheus.NewDesc("clawoffice_audit_deny_total", "Audited denials.", nil, nil)
	descBuckets     = prometheus.NewDesc("clawoffice_ratelimit_buckets", "Live rate-limit buckets.", nil, nil)
)

// officeCollector reads the pipeline counters at scrape time.
type officeCollector struct{ s *Server }

func (c officeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descRequests, descActive, descOrphans, descSubscribers, descDropped,
		descScheduled, descConnected, descAgents, descDenies, descBuckets,
	} {
		ch <- d
	}
}

func (c officeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n := c.s.counts(ctx)
	connected := 0.0
	if n.connected {
		connected = 1
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(descRequests, float64(n.requests))
	gauge(descActive, float64(n.active))
	gauge(descOrphans, float64(n.orphans))
	gauge(descSubscribers, float64(n.subscribers))
	counter(descDropped, float64(n.dropped))
	gauge(descScheduled, float64(n.scheduled))
	gauge(descConnected, connected)
	gauge(descAgents, float64(c.s.agents.Len()))
	counter(descDenies, float64(audit.DenyCount()))
	gauge(descBuckets, float64(c.s.ratelimit.BucketCount()))
}

// newPrometheusHandler serves the office gauges, Go runtime stats and,
// when extra is set, the OpenTelemetry instruments exported through it.
func newPrometheusHandler(s *Server, extra prometheus.Gatherer) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		officeCollector{s},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gatherers := prometheus.Gatherers{reg}
	if extra != nil {
		gatherers = append(gatherers, extra)
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	s.prom.ServeHTTP(w, r)
}
