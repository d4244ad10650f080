package scaler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	seatsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appproxy_seats_created_total",
		Help: "Number of seats created by the pool scaler.",
	}, []string{"spec_id"})

	seatsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appproxy_seats_removed_total",
		Help: "Number of seats removed by the pool scaler during scale-down.",
	}, []string{"spec_id"})

	delegateStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appproxy_delegate_start_failures_total",
		Help: "Number of delegate proxy builds that failed.",
	}, []string{"spec_id"})

	pendingDelegateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appproxy_pending_delegate_proxies",
		Help: "Number of delegate proxy builds currently in flight.",
	}, []string{"spec_id"})
)
