// Package metrics exposes Prometheus collectors for the offline queue's
// domain activity: admissions, evictions, encryption, and sync outcomes.
// HTTP-level instrumentation lives in the middleware package; the
// collectors here are fed by the services and sync layers.
//
// Label cardinality is kept deliberately small: outcomes are a closed
// enum and no tenant identifiers are ever used as labels.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sync outcome label values.
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
)

var (
	// QueuedTotal counts requests accepted into the queue.
	QueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_requests_total",
			Help: "Total number of requests admitted to the offline queue.",
		},
	)

	// RejectedTotal counts requests refused before admission, by reason.
	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_rejected_total",
			Help: "Total number of requests rejected before queueing.",
		},
		[]string{"reason"}, // validation, authorization, overflow, encryption
	)

	// QueueSize gauges the current full-tier queue depth across tenants.
	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_size",
			Help: "Current number of requests held in the offline queue.",
		},
	)

	// MemoryQueueSize gauges the hot working-set depth.
	MemoryQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_memory_size",
			Help: "Current number of requests in the in-memory working set.",
		},
	)

	// EvictionsTotal counts requests dropped by capacity eviction.
	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_evictions_total",
			Help: "Total number of requests evicted to free queue capacity.",
		},
	)

	// SyncItemsTotal counts per-item sync outcomes.
	SyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_total",
			Help: "Total number of queued requests processed by sync passes.",
		},
		[]string{"outcome"},
	)

	// SyncPassesTotal counts completed sync passes.
	SyncPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_passes_total",
			Help: "Total number of completed sync passes.",
		},
	)

	// BytesTransferredTotal counts payload bytes delivered to the backend.
	BytesTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_bytes_transferred_total",
			Help: "Total payload bytes delivered to the backend.",
		},
	)

	// EncryptedPayloadsTotal counts payloads encrypted at admission.
	EncryptedPayloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "encrypted_payloads_total",
			Help: "Total number of payloads envelope-encrypted before queueing.",
		},
	)

	// Online reports connectivity as seen by the sync engine (1 online).
	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_online",
			Help: "Whether the sync engine currently considers itself online.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueuedTotal,
		RejectedTotal,
		QueueSize,
		MemoryQueueSize,
		EvictionsTotal,
		SyncItemsTotal,
		SyncPassesTotal,
		BytesTransferredTotal,
		EncryptedPayloadsTotal,
		Online,
	)
}
