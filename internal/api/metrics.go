package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nexus-im/supportdesk/internal/hub"
)

const namespace = "supportdesk"

type metrics struct {
	requests     *prometheus.HistogramVec
	messagesSent *prometheus.CounterVec
	polls        *prometheus.CounterVec
	polledRows   prometheus.Counter
	cleared      prometheus.Counter
	rateLimited  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry, h *hub.Hub) *metrics {
	m := &metrics{
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages appended, by sender role.",
		}, []string{"sender"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "listSince calls, by whether they marked messages read.",
		}, []string{"mark_read"}),
		polledRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polled_messages_total",
			Help:      "Messages returned by listSince.",
		}),
		cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_cleared_total",
			Help:      "Conversations cleared by an admin.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the per-actor limiter.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.messagesSent,
		m.polls,
		m.polledRows,
		m.cleared,
		m.rateLimited,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket subscribers.",
		}, func() float64 { return float64(h.Clients()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_hints_dropped_total",
			Help:      "Push hints dropped because the hub was backed up.",
		}, func() float64 { return float64(h.Dropped()) }),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) polled(markRead bool, rows int) {
	m.polls.WithLabelValues(strconv.FormatBool(markRead)).Inc()
	m.polledRows.Add(float64(rows))
}

// middleware times requests by route template so ids do not explode the
// label space.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		m.requests.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
