package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visit_queue_length",
			Help: "Current number of waiting patients per provider",
		},
		[]string{"doctor_id"},
	)

	avgConsultationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visit_queue_avg_consultation_seconds",
			Help: "Observed average consultation time per provider",
		},
		[]string{"doctor_id"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visit_queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)
)
