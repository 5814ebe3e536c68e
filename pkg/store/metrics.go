package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreErrors tracks failed store operations by backend and operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_store_errors_total",
			Help: "Total number of failed store operations",
		},
		[]string{"backend", "operation"},
	)

	// StoreBytesWritten tracks bytes written by kind (page, artifact).
	StoreBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_store_bytes_written_total",
			Help: "Total bytes written to the store",
		},
		[]string{"backend", "kind"},
	)
)
