package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Booking webhook admission and processing outcomes"},
		[]string{"result"},
	)
	SweepTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sweep_tasks_total", Help: "Due tasks handled by the sweep"},
		[]string{"result"},
	)
	SenderMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sender_messages_total", Help: "Outbox send outcomes"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "sender_send_latency_seconds", Help: "Messaging provider call latency"},
	)
	PacerWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pacer_wait_seconds",
			Help:    "Time spent waiting for the shared send slot",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60, 120},
		},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, WebhookEvents, SweepTasks, SenderMessages, SendLatency, PacerWait)
}
