package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for ClassificationsTotal.
const (
	OutcomeConfident     = "confident"
	OutcomeLowConfidence = "low_confidence"
)

var (
	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lesiontriage_classifications_total",
		Help: "Classifications by outcome and disclosed label.",
	}, []string{"outcome", "label"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lesiontriage_inference_duration_seconds",
		Help:    "Time spent preprocessing and running the model.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lesiontriage_registrations_total",
		Help: "Registrations by role and result.",
	}, []string{"role", "result"})

	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lesiontriage_logins_total",
		Help: "Login attempts by role and result.",
	}, []string{"role", "result"})
)
