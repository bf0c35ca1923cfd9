package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_ingest_total",
			Help: "Ingress pushes by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_gate_decisions_total",
			Help: "Throttle/dead-zone gate decisions.",
		},
		[]string{"decision"},
	)

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_cache_ops_total",
			Help: "Hot cache operations by outcome.",
		},
		[]string{"backend", "op", "outcome"},
	)

	CacheFallback = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_cache_fallback",
			Help: "1 when the in-process cache is serving instead of Redis.",
		},
	)

	BusPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_bus_publish_total",
			Help: "Log publishes by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)

	DirectWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_direct_writes_total",
			Help: "Direct store writes taken when the bus was unavailable.",
		},
		[]string{"path", "outcome"},
	)

	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_kafka_messages_total",
			Help: "Total messages consumed from the event log.",
		},
		[]string{"worker", "topic"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_parse_errors_total",
			Help: "Record parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryd_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"worker", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_db_rows_affected_total",
			Help: "DB rows written, updated or deleted.",
		},
		[]string{"worker", "table", "op"},
	)

	DedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_dedup_conflicts_total",
			Help: "Duplicate-key skips on bulk inserts (ON CONFLICT DO NOTHING).",
		},
		[]string{"table"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryd_batch_size",
			Help:    "Batch sizes flushed by the workers.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"worker"},
	)

	WorkerHeartbeat = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetryd_worker_heartbeat_timestamp_seconds",
			Help: "Unix timestamp of each worker's last completed cycle.",
		},
		[]string{"worker"},
	)

	BrokerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_broker_sessions",
			Help: "Connected socket sessions.",
		},
	)

	BrokerRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_broker_rooms",
			Help: "Rooms currently held by the broker.",
		},
	)

	BrokerDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_broker_deliveries_total",
			Help: "Messages delivered to sessions by event name.",
		},
		[]string{"event"},
	)

	BrokerDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_broker_dropped_total",
			Help: "Messages dropped for slow or closed sessions.",
		},
		[]string{"reason"},
	)

	SnapshotSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_snapshot_source_total",
			Help: "Current-position lookups by serving source.",
		},
		[]string{"source"},
	)

	SOSTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_sos_total",
			Help: "SOS triggers by outcome.",
		},
		[]string{"outcome"},
	)

	MaintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_maintenance_runs_total",
			Help: "Maintenance job executions by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	PositionsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryd_positions_purged_total",
			Help: "Position partitions dropped past retention.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		IngestTotal,
		GateDecisionsTotal,
		CacheOpsTotal,
		CacheFallback,
		BusPublishTotal,
		DirectWritesTotal,
		KafkaMessagesTotal,
		ParseErrorsTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		DedupConflictsTotal,
		BatchSize,
		WorkerHeartbeat,
		BrokerSessions,
		BrokerRooms,
		BrokerDeliveriesTotal,
		BrokerDroppedTotal,
		SnapshotSourceTotal,
		SOSTotal,
		MaintenanceRunsTotal,
		PositionsPurgedTotal,
	)
}
