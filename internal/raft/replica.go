// Package raft implements the per-shard consensus replica: term
// progression, leader election with a log-completeness check, log
// replication with backtracking repair, and the leader lease that makes
// local reads linearizable.
package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leasekv/leasekv/internal/cluster"
	"github.com/leasekv/leasekv/internal/commitlog"
	"github.com/leasekv/leasekv/internal/kv"
	"github.com/leasekv/leasekv/pkg/metrics"
)

// State is the replica's role within its shard.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

var (
	// ErrNotLeader reports that a write was submitted to a non-leader.
	ErrNotLeader = errors.New("raft: not the leader")
	// ErrDeposed reports that leadership was lost while a write waited to
	// commit.
	ErrDeposed = errors.New("raft: deposed during replication")
	// ErrCommitTimeout reports that a write did not commit within the
	// submit timeout.
	ErrCommitTimeout = errors.New("raft: commit wait timed out")
)

// none marks an unset replica index (votedFor, leaderId).
const none = -1

const (
	// pollInterval paces the election watcher.
	pollInterval = 20 * time.Millisecond
	// voteRetryInterval spaces repeated vote requests to an unresponsive
	// peer within one election.
	voteRetryInterval = 100 * time.Millisecond
)

// Sender issues one outbound consensus RPC. Implemented by
// transport.Client; tests substitute in-process fakes.
type Sender interface {
	SendAndRecvNoRetry(msg, addr string, timeout time.Duration) (string, error)
}

// Options carries the consensus timing parameters.
type Options struct {
	ElectionPeriodMin time.Duration
	ElectionPeriodMax time.Duration
	RPCTimeout        time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	SubmitTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ElectionPeriodMin <= 0 {
		o.ElectionPeriodMin = 5 * time.Second
	}
	if o.ElectionPeriodMax < o.ElectionPeriodMin {
		o.ElectionPeriodMax = 2 * o.ElectionPeriodMin
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 3 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 50 * time.Millisecond
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 10 * time.Second
	}
	return o
}

// Replica is one consensus participant in a shard. All mutable state is
// guarded by mu; state transitions are single critical sections.
type Replica struct {
	mu         sync.Mutex
	commitCond *sync.Cond

	shard []cluster.Endpoint
	self  int

	log    *commitlog.Log
	store  *kv.Store
	sender Sender

	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	state       State
	currentTerm uint64
	votedFor    int
	leaderID    int
	commitIndex int64

	nextIndex  []int64
	matchIndex []int64
	votes      map[int]bool

	// electionPeriod is fixed per replica; each deadline is randomized in
	// [period, 2*period].
	electionPeriod   time.Duration
	electionDeadline time.Time

	// oldLeaderLeaseMs is the largest remaining old-leader lease learned
	// from vote replies in the current election.
	oldLeaderLeaseMs int64
	// leaseStart anchors the leader's own lease window.
	leaseStart time.Time
	// leaseEstablished is false between winning an election and finishing
	// the old-lease wait; the leader loop stays idle until it is set.
	leaseEstablished bool
	// heardLeaseUntil is the expiry of the current leader's lease as
	// learned from accepted append requests while following.
	heardLeaseUntil time.Time

	closed chan struct{}
	wg     sync.WaitGroup
}

// New constructs a replica for the given shard membership. self indexes
// this replica within shard. A singleton shard boots directly as leader.
func New(shard []cluster.Endpoint, self int, log *commitlog.Log, store *kv.Store, sender Sender, opts Options, logger *zap.Logger, m *metrics.Metrics) *Replica {
	opts = opts.withDefaults()

	r := &Replica{
		shard:       shard,
		self:        self,
		log:         log,
		store:       store,
		sender:      sender,
		opts:        opts,
		logger:      logger,
		metrics:     m,
		state:       Follower,
		currentTerm: 1,
		votedFor:    none,
		leaderID:    none,
		commitIndex: -1,
		nextIndex:   make([]int64, len(shard)),
		matchIndex:  make([]int64, len(shard)),
		votes:       make(map[int]bool),
		closed:      make(chan struct{}),
	}
	r.commitCond = sync.NewCond(&r.mu)

	span := opts.ElectionPeriodMax - opts.ElectionPeriodMin
	r.electionPeriod = opts.ElectionPeriodMin
	if span > 0 {
		r.electionPeriod += time.Duration(rand.Int63n(int64(span)))
	}
	r.resetElectionTimeoutLocked()

	for j := range r.matchIndex {
		r.matchIndex[j] = -1
	}

	if len(shard) == 1 {
		r.state = Leader
		r.leaderID = self
		r.leaseStart = time.Now()
		r.leaseEstablished = true
	}

	m.SetTerm(r.currentTerm)
	m.SetState(int(r.state))
	m.SetCommitIndex(r.commitIndex)
	return r
}

// Start launches the election watcher and the leader replication loop.
func (r *Replica) Start() {
	r.wg.Add(2)
	go r.electionLoop()
	go r.leaderLoop()
}

// Close stops the background loops. In-flight RPC goroutines drain on
// their own timeouts.
func (r *Replica) Close() {
	close(r.closed)
	r.commitCond.Broadcast()
	r.wg.Wait()
}

func (r *Replica) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// stepDownLocked reverts to follower in newTerm: one atomic transition
// covering term, vote, role, and the election timer. Callers hold mu.
func (r *Replica) stepDownLocked(newTerm uint64) {
	r.logger.Info("stepping down",
		zap.Uint64("from_term", r.currentTerm),
		zap.Uint64("to_term", newTerm),
		zap.Stringer("was", r.state))

	r.currentTerm = newTerm
	r.state = Follower
	r.votedFor = none
	r.leaseEstablished = false
	r.resetElectionTimeoutLocked()

	r.metrics.SteppedDown()
	r.metrics.SetTerm(r.currentTerm)
	r.metrics.SetState(int(r.state))
	// Wake write waiters so they observe the lost leadership.
	r.commitCond.Broadcast()
}

func (r *Replica) resetElectionTimeoutLocked() {
	extra := time.Duration(rand.Int63n(int64(r.electionPeriod)))
	r.electionDeadline = time.Now().Add(r.electionPeriod + extra)
}

// remainingLeaseMsLocked reports how many milliseconds of lease this
// replica still honors: its own lease when leading, the last leader's
// lease it heard of otherwise. -1 when no live lease is known.
func (r *Replica) remainingLeaseMsLocked() int64 {
	var until time.Time
	if r.state == Leader && r.leaseEstablished {
		until = r.leaseStart.Add(r.opts.LeaseDuration)
	} else {
		until = r.heardLeaseUntil
	}
	rem := time.Until(until).Milliseconds()
	if rem <= 0 {
		return -1
	}
	return rem
}

// Submit appends a client command to the log under the current term and
// blocks until it commits, leadership is lost, or the submit timeout
// expires. The caller applies the command to the state machine on success.
func (r *Replica) Submit(command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader {
		return ErrNotLeader
	}

	idx, _, err := r.log.Append(r.currentTerm, command)
	if err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	term := r.currentTerm

	deadline := time.Now().Add(r.opts.SubmitTimeout)
	wakeup := time.AfterFunc(r.opts.SubmitTimeout, r.commitCond.Broadcast)
	defer wakeup.Stop()

	for r.commitIndex < idx {
		if r.isClosed() {
			return ErrDeposed
		}
		if r.state != Leader || r.currentTerm != term {
			return ErrDeposed
		}
		if !time.Now().Before(deadline) {
			return ErrCommitTimeout
		}
		r.commitCond.Wait()
	}
	return nil
}

// State returns the replica's current role.
func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsLeader reports whether this replica currently leads its shard.
func (r *Replica) IsLeader() bool {
	return r.State() == Leader
}

// Term returns the current term.
func (r *Replica) Term() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// LeaderID returns the replica index of the known shard leader, or -1.
func (r *Replica) LeaderID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

// CommitIndex returns the highest index known committed.
func (r *Replica) CommitIndex() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}
