// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"festbot/internal/eventbus"
	"festbot/internal/notifier"
	"festbot/internal/scheduler"
)

// Collector holds the festbot series.
type Collector struct {
	deliveries    *prometheus.CounterVec
	attempts      *prometheus.HistogramVec
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	cycleEvents   *prometheus.CounterVec
	scheduleRuns  *prometheus.CounterVec
	lastCycle     *prometheus.GaugeVec
}

// NewCollector registers the series on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festbot_deliveries_total",
			Help: "Notice sends by kind and result.",
		}, []string{"kind", "result"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "festbot_delivery_attempts",
			Help:    "Send attempts per delivered or failed pair.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"kind"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festbot_cycles_total",
			Help: "Scan and countdown cycles by result.",
		}, []string{"kind", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "festbot_cycle_duration_seconds",
			Help:    "Wall time of scan and countdown cycles.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
		cycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festbot_reconciled_events_total",
			Help: "Events seen by scan cycles by outcome.",
		}, []string{"outcome"}),
		scheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "festbot_schedule_runs_total",
			Help: "Scheduler triggers by schedule and result.",
		}, []string{"name", "result"}),
		lastCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "festbot_last_cycle_timestamp_seconds",
			Help: "Unix time of the last finished cycle.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		c.deliveries,
		c.attempts,
		c.cycles,
		c.cycleDuration,
		c.cycleEvents,
		c.scheduleRuns,
		c.lastCycle,
	)
	return c
}

// RegisterBusDrops exposes the bus drop counter.
func RegisterBusDrops(reg prometheus.Registerer, bus *eventbus.Mem) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "festbot_eventbus_dropped_total",
		Help: "Events lost to full subscriber buffers.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Observe records one bus event. Unknown topics are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case notifier.DeliveryEvent:
		result := "sent"
		if e.Type == notifier.TopicFailed {
			result = "failed"
		}
		c.deliveries.WithLabelValues(d.Kind, result).Inc()
		if d.Attempts > 0 {
			c.attempts.WithLabelValues(d.Kind).Observe(float64(d.Attempts))
		}
	case notifier.CycleEvent:
		result := "ok"
		if d.Error != "" {
			result = "error"
		}
		c.cycles.WithLabelValues(d.Kind, result).Inc()
		c.cycleDuration.WithLabelValues(d.Kind).Observe(d.Took.Seconds())
		c.lastCycle.WithLabelValues(d.Kind).Set(float64(d.Started.Add(d.Took).Unix()))
		if d.Kind == "scan" {
			c.cycleEvents.WithLabelValues("new").Add(float64(d.New))
			c.cycleEvents.WithLabelValues("changed").Add(float64(d.Changed))
			c.cycleEvents.WithLabelValues("deactivated").Add(float64(d.Deactivated))
		}
	case scheduler.RunEvent:
		result := "ok"
		switch {
		case d.Skipped:
			result = "skipped"
		case d.Error != "":
			result = "error"
		}
		c.scheduleRuns.WithLabelValues(d.Name, result).Inc()
	}
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Handler serves the Prometheus scrape endpoint for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
