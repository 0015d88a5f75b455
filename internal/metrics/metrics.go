// Package metrics exposes Prometheus counters for the request hot path and
// the billing batch path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsAdmitted counts requests allowed by admission control.
	RequestsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apimeter",
		Subsystem: "ratelimit",
		Name:      "requests_admitted_total",
		Help:      "Requests admitted within their fixed window.",
	})

	// RequestsDenied counts requests rejected with a rate-limit error.
	RequestsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apimeter",
		Subsystem: "ratelimit",
		Name:      "requests_denied_total",
		Help:      "Requests rejected because their window count exceeded the limit.",
	})

	// RequestsPassthrough counts requests whose digest matched no credential.
	RequestsPassthrough = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apimeter",
		Subsystem: "ratelimit",
		Name:      "requests_passthrough_total",
		Help:      "Requests passed through admission control with an unknown credential.",
	})

	// UsageEventsRecorded counts usage events written to the durable log.
	UsageEventsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apimeter",
		Subsystem: "usage",
		Name:      "events_recorded_total",
		Help:      "Usage events persisted to the usage log.",
	})

	// UsageEventsDropped counts usage events dropped instead of recorded.
	UsageEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apimeter",
		Subsystem: "usage",
		Name:      "events_dropped_total",
		Help:      "Usage events dropped due to a full queue or a failed write.",
	})

	// InvoicesGenerated counts completed invoice generations.
	InvoicesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apimeter",
		Subsystem: "billing",
		Name:      "invoices_generated_total",
		Help:      "Invoice generation runs that persisted a result.",
	})
)
