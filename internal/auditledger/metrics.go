package auditledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldchain_audit_records_appended_total",
		Help: "Total audit records appended to the ledger.",
	})

	auditAppendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldchain_audit_sequence_conflicts_total",
		Help: "Total sequence conflicts retried while appending.",
	})

	auditAppendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldchain_audit_append_failures_total",
		Help: "Total failed Record calls by reason.",
	}, []string{"reason"})

	auditVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldchain_audit_verifications_total",
		Help: "Total chain verifications by outcome.",
	}, []string{"result"})

	auditChainErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldchain_audit_chain_errors_total",
		Help: "Total chain findings reported by verification, by kind.",
	}, []string{"kind"})

	auditImmutabilityViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldchain_audit_immutability_violations_total",
		Help: "Total rejected attempts to update or delete audit records.",
	}, []string{"op"})
)
