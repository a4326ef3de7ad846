// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crash"

var (
	RoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rounds_total", Help: "rounds that reached a crash",
	})
	CrashPoints = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "crash_point", Help: "distribution of crash points",
		Buckets: []float64{1, 1.01, 1.2, 1.5, 2, 3, 5, 10, 20, 50, 100, 1000},
	})
	BetsPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "bets_placed_total", Help: "accepted bets",
	})
	BetsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "bets_settled_total", Help: "settled bets by outcome",
	}, []string{"status"})
	CashOuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cashouts_total", Help: "cash outs by trigger",
	}, []string{"kind"})
	Wagered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "wagered_amount_total", Help: "sum of accepted stakes",
	})
	PaidOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "paid_out_amount_total", Help: "sum of payouts",
	})
	CommandsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "commands_rejected_total", Help: "rejected player commands by reason",
	}, []string{"command", "code"})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "subscribers", Help: "connected event subscribers",
	})
	SubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "subscribers_dropped_total", Help: "subscribers dropped for falling behind",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_dropped_total", Help: "events dropped because the hub was saturated",
	}, []string{"type"})

	PersistQueue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "persist_queue_depth", Help: "operations waiting to be applied, by writer lane",
	}, []string{"lane"})
	PersistErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "persist_errors_total", Help: "write attempts that failed, by record kind",
	}, []string{"kind"})
	PersistGaveUp = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "persist_gave_up_total", Help: "records abandoned after exhausting retries",
	}, []string{"kind"})

	FeedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "feed_errors_total", Help: "failed writes to the results feed",
	})
)

func init() {
	prometheus.MustRegister(
		RoundsTotal, CrashPoints, BetsPlaced, BetsSettled, CashOuts, Wagered, PaidOut, CommandsRejected,
		Subscribers, SubscribersDropped, EventsDropped,
		PersistQueue, PersistErrors, PersistGaveUp,
		FeedErrors,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
