package sip

import (
	"strconv"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sipua"

// Metrics holds the Prometheus collectors updated by a [UserAgentCore].
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transactions       *prometheus.GaugeVec
	Dialogs            prometheus.Gauge
	Subscriptions      prometheus.Gauge
	RequestsSent       *prometheus.CounterVec
	RequestsReceived   *prometheus.CounterVec
	ResponsesSent      *prometheus.CounterVec
	ResponsesReceived  *prometheus.CounterVec
	TransactionTimeout prometheus.Counter
	TransportErrors    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// Nil reg registers them with [prometheus.DefaultRegisterer].
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Transactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transactions",
			Help:      "Live transactions by type.",
		}, []string{"type"}),
		Dialogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dialogs",
			Help:      "Live dialogs.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscriptions",
			Help:      "Pending outgoing subscriptions.",
		}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_sent_total",
			Help:      "Requests sent through client transactions by method.",
		}, []string{"method"}),
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_received_total",
			Help:      "Requests received from the transport by method.",
		}, []string{"method"}),
		ResponsesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_sent_total",
			Help:      "Responses sent by status class.",
		}, []string{"class"}),
		ResponsesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_received_total",
			Help:      "Responses matched to client transactions by status class.",
		}, []string{"class"}),
		TransactionTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transaction_timeouts_total",
			Help:      "Transactions that gave up waiting for a response or an ACK.",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_errors_total",
			Help:      "Messages the transport failed to send.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Transactions,
		m.Dialogs,
		m.Subscriptions,
		m.RequestsSent,
		m.RequestsReceived,
		m.ResponsesSent,
		m.ResponsesReceived,
		m.TransactionTimeout,
		m.TransportErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return m, nil
}

func statusClass(code int) string { return strconv.Itoa(code/100) + "xx" }

func (m *Metrics) transactionStarted(typ TransactionType) {
	if m != nil {
		m.Transactions.WithLabelValues(string(typ)).Inc()
	}
}

func (m *Metrics) transactionFinished(typ TransactionType) {
	if m != nil {
		m.Transactions.WithLabelValues(string(typ)).Dec()
	}
}

func (m *Metrics) dialogOpened() {
	if m != nil {
		m.Dialogs.Inc()
	}
}

func (m *Metrics) dialogClosed() {
	if m != nil {
		m.Dialogs.Dec()
	}
}

func (m *Metrics) subscriptionOpened() {
	if m != nil {
		m.Subscriptions.Inc()
	}
}

func (m *Metrics) subscriptionClosed() {
	if m != nil {
		m.Subscriptions.Dec()
	}
}

func (m *Metrics) requestSent(method string) {
	if m != nil {
		m.RequestsSent.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) requestReceived(method string) {
	if m != nil {
		m.RequestsReceived.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) responseSent(code int) {
	if m != nil {
		m.ResponsesSent.WithLabelValues(statusClass(code)).Inc()
	}
}

func (m *Metrics) responseReceived(code int) {
	if m != nil {
		m.ResponsesReceived.WithLabelValues(statusClass(code)).Inc()
	}
}

func (m *Metrics) transactionTimeout() {
	if m != nil {
		m.TransactionTimeout.Inc()
	}
}

func (m *Metrics) transportError() {
	if m != nil {
		m.TransportErrors.Inc()
	}
}
