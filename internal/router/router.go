// Package router classifies incoming lines and moves each to where it can
// be served: peer RPCs go straight to the consensus replica, client
// commands are served locally when this replica leads the owning shard and
// forwarded otherwise.
package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/leasekv/leasekv/internal/cluster"
	"github.com/leasekv/leasekv/internal/kv"
	"github.com/leasekv/leasekv/internal/wire"
	"github.com/leasekv/leasekv/pkg/metrics"
)

// Consensus is the replica surface the router needs.
type Consensus interface {
	IsLeader() bool
	LeaderID() int
	Submit(command string) error
	HandleVoteRequest(wire.VoteReq) wire.VoteRep
	HandleAppendRequest(wire.AppendReq) wire.AppendRep
}

// Forwarder relays a client command to another replica.
type Forwarder interface {
	SendAndRecvNoRetry(msg, addr string, timeout time.Duration) (string, error)
	SendAndRecv(msg, addr string, timeout time.Duration) (string, error)
}

// Router dispatches one command line to a reply line.
type Router struct {
	logger     *zap.Logger
	table      *cluster.Table
	shardIdx   int
	replicaIdx int
	consensus  Consensus
	store      *kv.Store
	fwd        Forwarder
	rpcTimeout time.Duration
	metrics    *metrics.Metrics
}

// New wires a router for the replica at (shardIdx, replicaIdx).
func New(logger *zap.Logger, table *cluster.Table, shardIdx, replicaIdx int, consensus Consensus, store *kv.Store, fwd Forwarder, rpcTimeout time.Duration, m *metrics.Metrics) *Router {
	return &Router{
		logger:     logger,
		table:      table,
		shardIdx:   shardIdx,
		replicaIdx: replicaIdx,
		consensus:  consensus,
		store:      store,
		fwd:        fwd,
		rpcTimeout: rpcTimeout,
		metrics:    m,
	}
}

// Dispatch handles one line and returns the reply to write back. It never
// lets a failure escape to the connection handler: a panic is logged and
// the client sees ko.
func (rt *Router) Dispatch(line string) (reply string) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.logger.Error("command handler panicked",
				zap.Any("panic", rec),
				zap.String("line", line),
				zap.Stack("stack"))
			reply = wire.RespKO
		}
	}()

	if req, err := wire.ParseVoteReq(line); err == nil {
		return rt.consensus.HandleVoteRequest(req).Encode()
	}
	if req, err := wire.ParseAppendReq(line); err == nil {
		return rt.consensus.HandleAppendRequest(req).Encode()
	}
	if cmd, err := wire.ParseSet(line); err == nil {
		return rt.handleSet(cmd)
	}
	if cmd, err := wire.ParseGet(line); err == nil {
		return rt.handleGet(cmd)
	}
	return wire.RespInvalidCommand
}

func (rt *Router) handleSet(cmd wire.SetCmd) string {
	owner := rt.table.ShardFor(cmd.Key)
	if owner != rt.shardIdx {
		return rt.forwardToShard(owner, cmd.Raw)
	}

	if rt.consensus.IsLeader() {
		if err := rt.consensus.Submit(cmd.Raw); err != nil {
			rt.logger.Warn("write did not commit",
				zap.String("key", cmd.Key),
				zap.Error(err))
			return wire.RespKO
		}
		rt.store.Set(cmd.Key, cmd.Value, cmd.ReqID)
		rt.metrics.CommandApplied()
		return wire.RespOK
	}
	return rt.forwardToLeader(cmd.Raw)
}

func (rt *Router) handleGet(cmd wire.GetCmd) string {
	owner := rt.table.ShardFor(cmd.Key)
	if owner != rt.shardIdx {
		return rt.forwardToShard(owner, cmd.Raw)
	}

	if rt.consensus.IsLeader() {
		// Lease-protected local read: the lease wait on leader change
		// guarantees no other replica is serving reads for this shard.
		value, ok := rt.store.Get(cmd.Key)
		if !ok {
			return wire.RespNoKey
		}
		return value
	}
	return rt.forwardToLeader(cmd.Raw)
}

// forwardToLeader relays a command once to the shard leader, if known.
// No local retry: the client retries, by which time leadership may have
// settled elsewhere (possibly here).
func (rt *Router) forwardToLeader(raw string) string {
	leader := rt.consensus.LeaderID()
	members := rt.table.Shard(rt.shardIdx)
	if leader == -1 || leader == rt.replicaIdx || leader >= len(members) {
		return wire.RespKO
	}

	rt.metrics.Forwarded("leader")
	reply, err := rt.fwd.SendAndRecvNoRetry(raw, members[leader].Addr(), rt.rpcTimeout)
	if err != nil {
		rt.logger.Debug("leader forward failed", zap.Error(err))
		return wire.RespKO
	}
	return reply
}

// forwardToShard relays a command to the owning shard's first replica,
// retrying transient failures; that replica forwards to its own leader.
func (rt *Router) forwardToShard(owner int, raw string) string {
	rt.metrics.Forwarded("shard")
	reply, err := rt.fwd.SendAndRecv(raw, rt.table.Shard(owner)[0].Addr(), rt.rpcTimeout)
	if err != nil {
		rt.logger.Debug("shard forward failed",
			zap.Int("shard", owner),
			zap.Error(err))
		return wire.RespKO
	}
	return reply
}
