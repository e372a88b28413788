// Package metrics exposes Prometheus instrumentation for a replica.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all metrics for a replica process.
type Metrics struct {
	electionsStarted prometheus.Counter
	leaderElected    prometheus.Counter
	stepDowns        prometheus.Counter
	leaseRenewals    prometheus.Counter

	rpcFailures     *prometheus.CounterVec
	commandsApplied prometheus.Counter
	forwards        *prometheus.CounterVec

	currentTerm  prometheus.Gauge
	commitIndex  prometheus.Gauge
	replicaState prometheus.Gauge

	roundDuration prometheus.Histogram
}

// New registers and returns the replica metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		electionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekv_elections_started_total",
			Help: "Number of elections this replica has started",
		}),
		leaderElected: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekv_leader_elected_total",
			Help: "Number of times this replica won an election",
		}),
		stepDowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekv_step_downs_total",
			Help: "Number of times this replica stepped down",
		}),
		leaseRenewals: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekv_lease_renewals_total",
			Help: "Number of successful leader lease renewals",
		}),
		rpcFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasekv_rpc_failures_total",
				Help: "Outbound consensus RPC failures",
			},
			[]string{"kind"},
		),
		commandsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekv_commands_applied_total",
			Help: "Commands applied to the state machine",
		}),
		forwards: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasekv_forwards_total",
				Help: "Client commands forwarded to another replica",
			},
			[]string{"target"},
		),
		currentTerm: factory.NewGauge(prometheus.GaugeOpts{
			Name: "leasekv_current_term",
			Help: "Current consensus term",
		}),
		commitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "leasekv_commit_index",
			Help: "Highest committed log index",
		}),
		replicaState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "leasekv_replica_state",
			Help: "Replica state: 0 follower, 1 candidate, 2 leader",
		}),
		roundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leasekv_replication_round_seconds",
			Help:    "Duration of leader replication rounds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ElectionStarted counts a new election.
func (m *Metrics) ElectionStarted() { m.electionsStarted.Inc() }

// LeaderElected counts an election win.
func (m *Metrics) LeaderElected() { m.leaderElected.Inc() }

// SteppedDown counts a step-down.
func (m *Metrics) SteppedDown() { m.stepDowns.Inc() }

// LeaseRenewed counts a successful lease refresh.
func (m *Metrics) LeaseRenewed() { m.leaseRenewals.Inc() }

// RPCFailure counts a failed outbound RPC of the given kind.
func (m *Metrics) RPCFailure(kind string) { m.rpcFailures.WithLabelValues(kind).Inc() }

// CommandApplied counts one state-machine apply.
func (m *Metrics) CommandApplied() { m.commandsApplied.Inc() }

// Forwarded counts a command forwarded to "leader" or "shard".
func (m *Metrics) Forwarded(target string) { m.forwards.WithLabelValues(target).Inc() }

// SetTerm records the current term.
func (m *Metrics) SetTerm(term uint64) { m.currentTerm.Set(float64(term)) }

// SetCommitIndex records the commit index.
func (m *Metrics) SetCommitIndex(idx int64) { m.commitIndex.Set(float64(idx)) }

// SetState records the replica state code.
func (m *Metrics) SetState(state int) { m.replicaState.Set(float64(state)) }

// ObserveRound records one replication round's duration.
func (m *Metrics) ObserveRound(d time.Duration) { m.roundDuration.Observe(d.Seconds()) }
