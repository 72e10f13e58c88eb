package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	GroupMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_group",
		Name:      "members_total",
		Help:      "Current number of members in the group directory",
	})

	GroupTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_group",
		Name:      "term",
		Help:      "Current leadership term of the group",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_group",
		Name:      "is_leader",
		Help:      "1 if this node is the raft leader, else 0",
	})

	Elections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_group",
		Name:      "elections_total",
		Help:      "Total number of group leader elections observed",
	})

	OpenCommits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_group",
		Name:      "open_commits",
		Help:      "Number of live commit handles retained by the state machine",
	})

	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_group",
		Name:      "open_sessions",
		Help:      "Number of open client sessions known to this node",
	})

	Submits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_group",
		Name:      "submits_total",
		Help:      "Total command submissions handled by this node",
	}, []string{"kind", "result"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_group",
		Name:      "events_published_total",
		Help:      "Total group events delivered to locally attached sessions",
	}, []string{"event"})

	JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_group",
		Name:      "join_requests_total",
		Help:      "Total raft voter join requests handled by this node",
	}, []string{"result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_group",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_group",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_group",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_group",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(GroupMembers)
		prometheus.MustRegister(GroupTerm)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(Elections)
		prometheus.MustRegister(OpenCommits)
		prometheus.MustRegister(OpenSessions)
		prometheus.MustRegister(Submits)
		prometheus.MustRegister(EventsPublished)
		prometheus.MustRegister(JoinRequests)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}
