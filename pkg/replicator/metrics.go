package replicator

import (
	"github.com/jackc/pglogrepl"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records receive loop progress.  A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Messages prometheus.Counter
	Acks     prometheus.Counter
	AckedLSN prometheus.Gauge
}

// NewMetrics creates receiver metrics labelled with the slot name and registers
// them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer, slot string) *Metrics {
	labels := prometheus.Labels{"slot": slot}
	m := &Metrics{
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "walreceiver",
			Name:        "messages_processed_total",
			Help:        "Replication messages successfully handed to the payload processor.",
			ConstLabels: labels,
		}),
		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "walreceiver",
			Name:        "acks_sent_total",
			Help:        "Standby status updates sent to acknowledge processed positions.",
			ConstLabels: labels,
		}),
		AckedLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "walreceiver",
			Name:        "acked_lsn",
			Help:        "The most recently acknowledged stream position.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.Acks, m.AckedLSN)
	}
	return m
}

func (m *Metrics) processed() {
	if m == nil {
		return
	}
	m.Messages.Inc()
}

func (m *Metrics) acked(lsn pglogrepl.LSN) {
	if m == nil {
		return
	}
	m.Acks.Inc()
	m.AckedLSN.Set(float64(lsn))
}
