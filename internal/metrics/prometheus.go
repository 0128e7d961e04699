package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

const (
	namespace = "chrondb"
)

var (
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "commits_total",
			Namespace: namespace,
			Help:      "Total number of commits applied by the commit engine",
		},
		[]string{"branch", "op", "status"},
	)

	CommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "commit_duration_seconds",
		Namespace: namespace,
		Help:      "Time to apply a single commit, including WAL fsync and ref CAS",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 18),
	}, []string{"branch", "status"})

	WALAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "wal_appends_total",
		Namespace: namespace,
		Help:      "Total number of write-ahead log records appended",
	}, []string{"op", "status"})

	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "queries_total",
		Namespace: namespace,
		Help:      "Total number of queries served by the query planner",
	}, []string{"plan", "status"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "query_duration_seconds",
		Namespace: namespace,
		Help:      "Query duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
	}, []string{"plan", "status"})

	IndexWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "index_writes_total",
		Namespace: namespace,
		Help:      "Total number of documents written to or removed from the near-real-time index",
	}, []string{"branch", "op", "status"})

	RemotePushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "remote_pushes_total",
		Namespace: namespace,
		Help:      "Total number of remote push attempts and their outcome",
	}, []string{"remote", "outcome"})
)
