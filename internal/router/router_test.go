package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/leasekv/leasekv/internal/cluster"
	"github.com/leasekv/leasekv/internal/kv"
	"github.com/leasekv/leasekv/internal/wire"
	"github.com/leasekv/leasekv/pkg/metrics"
)

type fakeConsensus struct {
	leader    bool
	leaderID  int
	submitErr error
	submitted []string

	voteReqs   []wire.VoteReq
	appendReqs []wire.AppendReq
}

func (f *fakeConsensus) IsLeader() bool { return f.leader }
func (f *fakeConsensus) LeaderID() int  { return f.leaderID }
func (f *fakeConsensus) Submit(command string) error {
	f.submitted = append(f.submitted, command)
	return f.submitErr
}
func (f *fakeConsensus) HandleVoteRequest(req wire.VoteReq) wire.VoteRep {
	f.voteReqs = append(f.voteReqs, req)
	return wire.VoteRep{Voter: 0, Term: req.Term, VotedFor: req.Candidate, OldLeaderLeaseMs: -1}
}
func (f *fakeConsensus) HandleAppendRequest(req wire.AppendReq) wire.AppendRep {
	f.appendReqs = append(f.appendReqs, req)
	return wire.AppendRep{Follower: 0, Term: req.Term, Success: true, MatchedIndex: -1}
}

type fakeForwarder struct {
	reply string
	err   error

	noRetryCalls []string
	retryCalls   []string
	addrs        []string
}

func (f *fakeForwarder) SendAndRecvNoRetry(msg, addr string, _ time.Duration) (string, error) {
	f.noRetryCalls = append(f.noRetryCalls, msg)
	f.addrs = append(f.addrs, addr)
	return f.reply, f.err
}

func (f *fakeForwarder) SendAndRecv(msg, addr string, _ time.Duration) (string, error) {
	f.retryCalls = append(f.retryCalls, msg)
	f.addrs = append(f.addrs, addr)
	return f.reply, f.err
}

func singleShardTable(t *testing.T) *cluster.Table {
	t.Helper()
	table, err := cluster.Parse(`[["127.0.0.1:5000","127.0.0.1:5001","127.0.0.1:5002"]]`)
	require.NoError(t, err)
	return table
}

func newTestRouter(t *testing.T, table *cluster.Table, shardIdx, replicaIdx int, c Consensus, store *kv.Store, fwd Forwarder) *Router {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(zaptest.NewLogger(t), table, shardIdx, replicaIdx, c, store, fwd, 500*time.Millisecond, m)
}

func TestInvalidCommand(t *testing.T) {
	rt := newTestRouter(t, singleShardTable(t), 0, 0, &fakeConsensus{}, kv.New(), &fakeForwarder{})

	assert.Equal(t, wire.RespInvalidCommand, rt.Dispatch("FROB x 1"))
	assert.Equal(t, wire.RespInvalidCommand, rt.Dispatch("SET onlykey"))
	assert.Equal(t, wire.RespInvalidCommand, rt.Dispatch(""))
}

func TestSetOnLeaderCommitsAndApplies(t *testing.T) {
	c := &fakeConsensus{leader: true, leaderID: 0}
	store := kv.New()
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, store, &fakeForwarder{})

	assert.Equal(t, wire.RespOK, rt.Dispatch("SET x 1 1"))
	require.Equal(t, []string{"SET x 1 1"}, c.submitted)

	v, ok := store.Get("x")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestSetFailedCommitRepliesKo(t *testing.T) {
	c := &fakeConsensus{leader: true, submitErr: errors.New("deposed")}
	store := kv.New()
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, store, &fakeForwarder{})

	assert.Equal(t, wire.RespKO, rt.Dispatch("SET x 1 1"))
	_, ok := store.Get("x")
	assert.False(t, ok, "a failed write must not touch the state machine")
}

func TestGetOnLeader(t *testing.T) {
	c := &fakeConsensus{leader: true}
	store := kv.New()
	store.Set("x", "42", 1)
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, store, &fakeForwarder{})

	assert.Equal(t, "42", rt.Dispatch("GET x 2"))
	assert.Equal(t, wire.RespNoKey, rt.Dispatch("GET missing 3"))
}

func TestFollowerForwardsToLeaderOnce(t *testing.T) {
	c := &fakeConsensus{leader: false, leaderID: 2}
	fwd := &fakeForwarder{reply: wire.RespOK}
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, kv.New(), fwd)

	assert.Equal(t, wire.RespOK, rt.Dispatch("SET x 1 1"))
	require.Len(t, fwd.noRetryCalls, 1)
	assert.Empty(t, fwd.retryCalls, "in-shard forwarding must not retry")
	assert.Equal(t, "127.0.0.1:5002", fwd.addrs[0])
}

func TestFollowerForwardFailureRepliesKo(t *testing.T) {
	c := &fakeConsensus{leader: false, leaderID: 1}
	fwd := &fakeForwarder{err: errors.New("timeout")}
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, kv.New(), fwd)

	assert.Equal(t, wire.RespKO, rt.Dispatch("GET x 1"))
}

func TestUnknownLeaderRepliesKoImmediately(t *testing.T) {
	c := &fakeConsensus{leader: false, leaderID: -1}
	fwd := &fakeForwarder{reply: wire.RespOK}
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, kv.New(), fwd)

	assert.Equal(t, wire.RespKO, rt.Dispatch("SET x 1 1"))
	assert.Empty(t, fwd.noRetryCalls)
	assert.Empty(t, fwd.retryCalls)
}

func TestCrossShardForwardWithRetry(t *testing.T) {
	table, err := cluster.Parse(`[["127.0.0.1:5000","127.0.0.1:5001"],["127.0.0.1:6000","127.0.0.1:6001"]]`)
	require.NoError(t, err)

	// Find a key owned by the other shard; the hash is stable so the
	// search terminates immediately in practice.
	var key string
	for i := 0; ; i++ {
		key = fmt.Sprintf("key-%d", i)
		if table.ShardFor(key) == 1 {
			break
		}
	}

	c := &fakeConsensus{leader: true}
	fwd := &fakeForwarder{reply: wire.RespOK}
	rt := newTestRouter(t, table, 0, 0, c, kv.New(), fwd)

	assert.Equal(t, wire.RespOK, rt.Dispatch(fmt.Sprintf("SET %s 1 1", key)))
	require.Len(t, fwd.retryCalls, 1, "cross-shard forwarding retries transient failures")
	assert.Empty(t, c.submitted, "foreign keys are never replicated locally")
	assert.Equal(t, "127.0.0.1:6000", fwd.addrs[0], "cross-shard commands go to the shard's first replica")
}

func TestPeerRPCsDispatchToConsensus(t *testing.T) {
	c := &fakeConsensus{}
	rt := newTestRouter(t, singleShardTable(t), 0, 0, c, kv.New(), &fakeForwarder{})

	reply := rt.Dispatch("VOTE-REQ 1 5 2 10")
	require.Len(t, c.voteReqs, 1)
	assert.Equal(t, wire.VoteReq{Candidate: 1, Term: 5, LastLogTerm: 2, LastLogIndex: 10}, c.voteReqs[0])
	rep, err := wire.ParseVoteRep(reply)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.VotedFor)

	reply = rt.Dispatch(`APPEND-REQ 0 5 -1 0 [[5,"SET a 1 1"]] -1 5000`)
	require.Len(t, c.appendReqs, 1)
	assert.Equal(t, "SET a 1 1", c.appendReqs[0].Entries[0].Command)
	arep, err := wire.ParseAppendRep(reply)
	require.NoError(t, err)
	assert.True(t, arep.Success)
}

type panickyConsensus struct{ fakeConsensus }

func (p *panickyConsensus) IsLeader() bool { panic("boom") }

func TestPanicInHandlerRepliesKo(t *testing.T) {
	rt := newTestRouter(t, singleShardTable(t), 0, 0, &panickyConsensus{}, kv.New(), &fakeForwarder{})
	assert.Equal(t, wire.RespKO, rt.Dispatch("SET x 1 1"))
}
