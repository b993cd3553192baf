package bonus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	amount   *prometheus.CounterVec
	bonuses  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_bonus_runs_total",
			Help: "finished bonus runs by period type and status",
		}, []string{"period_type", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mlm_bonus_run_duration_seconds",
			Help:    "bonus run duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"period_type"}),
		amount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_bonus_amount_total",
			Help: "sum of bonus amounts written, by type",
		}, []string{"bonus_type"}),
		bonuses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_bonuses_total",
			Help: "bonus rows written, by type",
		}, []string{"bonus_type"}),
	}
}

func (m *metrics) observeRun(s *Summary, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(s.PeriodType), string(s.Status)).Inc()
	m.duration.WithLabelValues(string(s.PeriodType)).Observe(d.Seconds())
}

func (m *metrics) observeBonus(b *Bonus) {
	if m == nil {
		return
	}
	m.bonuses.WithLabelValues(string(b.BonusType)).Inc()
	m.amount.WithLabelValues(string(b.BonusType)).Add(b.Amount.InexactFloat64())
}
