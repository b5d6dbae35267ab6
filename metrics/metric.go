package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "graphdb"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	MutationCells = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "columnstore",
		Name:      "mutation_cells",
	}, []string{"column_family", "op"})

	MutationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "columnstore",
		Name:      "mutation_retries",
	})

	MutationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "columnstore",
		Name:      "mutation_duration_ms",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
	})

	IndexEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "entries",
	}, []string{"index_type", "op"})

	LedgerAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "ledger_anomalies",
	})

	RepairEdges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relation",
		Name:      "repaired_edges",
	}, []string{"result"})

	QueryEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "evaluations",
	}, []string{"index_type", "result"})

	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "duration_ms",
		Buckets:   []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"index_type"})

	ScannedColumns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "scanned_columns",
	}, []string{"node"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		MutationCells,
		MutationRetries,
		MutationDuration,
		IndexEntries,
		LedgerAnomalies,
		RepairEdges,
		QueryEvaluations,
		QueryDuration,
		ScannedColumns,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
