package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoadsTotal counts document loads by where the bytes came from.
	// Labels: source (cache, disk, backup, default)
	LoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "loads_total",
			Help:      "Total number of document loads by source",
		},
		[]string{"source"},
	)

	// MutationsTotal counts write attempts.
	// Labels: result (success, lock_timeout, error)
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "mutations_total",
			Help:      "Total number of document mutations by result",
		},
		[]string{"result"},
	)

	// LockWaitSeconds tracks how long exclusive lock acquisition takes.
	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the exclusive store lock",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BackupsRetained reports how many backup files exist after rotation.
	BackupsRetained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "backups_retained",
			Help:      "Number of backup files currently on disk",
		},
	)

	// CorruptionRecoveries counts loads that fell back to a backup.
	CorruptionRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "corruption_recoveries_total",
			Help:      "Total number of loads recovered from a backup file",
		},
	)
)
