package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	SchedulesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepay_schedules_created_total",
		Help: "The total number of recurring schedules created",
	})

	SchedulesRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepay_schedules_retired_total",
		Help: "The total number of schedules that exhausted their occurrences",
	})

	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepay_schedules_fired_total",
		Help: "The total number of schedule fires by outcome",
	}, []string{"status"})

	DueSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicepay_due_schedules",
		Help: "The number of due schedules selected in the last tick",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepay_tick_duration_seconds",
		Help:    "Time taken to complete a dispatcher tick",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	ExecutorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepay_executor_call_seconds",
		Help:    "Latency of dispatcher calls to the executor bridge",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	FireErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepay_fire_errors_total",
		Help: "Total number of failed fires by error type",
	}, []string{"error_type"})

	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepay_retries_scheduled_total",
		Help: "Number of schedules pushed to the retry backoff after a failed fire",
	})

	SkippedInFlight = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepay_fires_skipped_inflight_total",
		Help: "Number of due entries skipped because a previous fire was still in flight",
	})

	ChainTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepay_chain_transactions_total",
		Help: "On-chain pull-payment submissions by outcome",
	}, []string{"status"})

	HMACRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepay_hmac_rejections_total",
		Help: "Worker-auth requests rejected by reason",
	}, []string{"reason"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepay_api_requests_total",
		Help: "Control-plane requests by route and status code",
	}, []string{"route", "code"})

	IntentResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepay_intent_resolutions_total",
		Help: "Intent resolver outcomes",
	}, []string{"outcome"})
)
