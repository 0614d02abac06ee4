package dcb

import "github.com/prometheus/client_golang/prometheus"

// ProjectorCollector exposes a projector's accumulated metrics as
// prometheus metrics labelled by projector name. Register it with any
// prometheus.Registerer; collection reads the totals at scrape time.
type ProjectorCollector struct {
	name      string
	projector *Projector

	streamed *prometheus.Desc
	handled  *prometheus.Desc
	queries  *prometheus.Desc
	position *prometheus.Desc
}

// NewProjectorCollector builds a collector for the given projector.
func NewProjectorCollector(name string, p *Projector) *ProjectorCollector {
	labels := prometheus.Labels{"projector": name}
	return &ProjectorCollector{
		name:      name,
		projector: p,
		streamed: prometheus.NewDesc(
			"dcb_projector_events_streamed_total",
			"Events streamed from the store across all runs.",
			nil, labels,
		),
		handled: prometheus.NewDesc(
			"dcb_projector_events_handled_total",
			"Events delivered to the projection handler across all runs.",
			nil, labels,
		),
		queries: prometheus.NewDesc(
			"dcb_projector_queries_total",
			"Underlying store queries issued across all runs.",
			nil, labels,
		),
		position: prometheus.NewDesc(
			"dcb_projector_position",
			"Position of the last event the projector has seen.",
			nil, labels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ProjectorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamed
	ch <- c.handled
	ch <- c.queries
	ch <- c.position
}

// Collect implements prometheus.Collector.
func (c *ProjectorCollector) Collect(ch chan<- prometheus.Metric) {
	totals := c.projector.Metrics()
	ch <- prometheus.MustNewConstMetric(c.streamed, prometheus.CounterValue, float64(totals.EventsStreamed))
	ch <- prometheus.MustNewConstMetric(c.handled, prometheus.CounterValue, float64(totals.EventsHandled))
	ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(totals.QueriesDone))
	var position float64
	if totals.LastRef != nil {
		position = float64(totals.LastRef.Position)
	}
	ch <- prometheus.MustNewConstMetric(c.position, prometheus.GaugeValue, position)
}
