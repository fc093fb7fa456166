package integrity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	integrityRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldchain_audit_integrity_runs_total",
		Help: "Scheduled integrity checks by outcome (valid, invalid, error).",
	}, []string{"result"})

	integrityLastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldchain_audit_integrity_last_run_timestamp_seconds",
		Help: "Unix time the last integrity check finished.",
	})

	integrityLastValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldchain_audit_integrity_last_valid",
		Help: "1 if the last completed integrity check found the chain intact, else 0.",
	})

	integrityLastFindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldchain_audit_integrity_last_findings",
		Help: "Number of findings reported by the last completed integrity check.",
	})

	integrityAlertFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldchain_audit_integrity_alert_failures_total",
		Help: "Integrity alerts that could not be delivered.",
	})
)
