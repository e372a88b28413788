package raft

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leasekv/leasekv/internal/wire"
)

// electionLoop watches the election deadline and starts an election when a
// follower or candidate lets it lapse.
func (r *Replica) electionLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.closed:
			return
		case <-time.After(pollInterval):
		}

		r.mu.Lock()
		if r.state != Leader && time.Now().After(r.electionDeadline) {
			r.startElectionLocked()
		}
		r.mu.Unlock()
	}
}

// startElectionLocked transitions to candidate, votes for itself, and
// spawns one vote requester per peer. Callers hold mu.
func (r *Replica) startElectionLocked() {
	r.state = Candidate
	r.currentTerm++
	r.votedFor = r.self
	r.votes = map[int]bool{r.self: true}
	r.oldLeaderLeaseMs = 0
	r.leaderID = none
	r.resetElectionTimeoutLocked()

	term := r.currentTerm
	lastIndex, lastTerm := r.log.LastIndexTerm()

	r.logger.Info("election started",
		zap.Uint64("term", term),
		zap.Int64("last_index", lastIndex),
		zap.Uint64("last_term", lastTerm))
	r.metrics.ElectionStarted()
	r.metrics.SetTerm(term)
	r.metrics.SetState(int(r.state))

	req := wire.VoteReq{
		Candidate:    r.self,
		Term:         term,
		LastLogTerm:  lastTerm,
		LastLogIndex: lastIndex,
	}
	for j := range r.shard {
		if j == r.self {
			continue
		}
		go r.requestVote(j, req)
	}
}

// requestVote solicits peer j's vote, retrying until the election deadline
// passes, the candidacy ends, or a reply arrives.
func (r *Replica) requestVote(peer int, req wire.VoteReq) {
	addr := r.shard[peer].Addr()

	for {
		r.mu.Lock()
		live := r.state == Candidate && r.currentTerm == req.Term &&
			time.Now().Before(r.electionDeadline) && !r.isClosed()
		r.mu.Unlock()
		if !live {
			return
		}

		resp, err := r.sender.SendAndRecvNoRetry(req.Encode(), addr, r.opts.RPCTimeout)
		if err == nil {
			if rep, perr := wire.ParseVoteRep(resp); perr == nil {
				r.handleVoteReply(rep)
				return
			}
		}
		r.metrics.RPCFailure("vote")
		time.Sleep(voteRetryInterval)
	}
}

// handleVoteReply tallies one vote reply and converts to leader on a
// strict majority.
func (r *Replica) handleVoteReply(rep wire.VoteRep) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() {
		return
	}
	if rep.Term > r.currentTerm {
		r.stepDownLocked(rep.Term)
		return
	}
	if r.state != Candidate || rep.Term != r.currentTerm {
		return
	}

	if rep.VotedFor == r.self {
		r.votes[rep.Voter] = true
		if rep.OldLeaderLeaseMs > r.oldLeaderLeaseMs {
			r.oldLeaderLeaseMs = rep.OldLeaderLeaseMs
		}
	}

	if 2*len(r.votes) > len(r.shard) {
		r.becomeLeaderLocked()
	}
}

// becomeLeaderLocked wins the election. The lease handshake completes
// asynchronously: the new leader must wait out the longest old-leader
// lease it learned of before serving, so replication stays idle until
// establishLease finishes.
func (r *Replica) becomeLeaderLocked() {
	r.state = Leader
	r.leaderID = r.self
	r.leaseEstablished = false
	wait := r.oldLeaderLeaseMs

	r.logger.Info("won election",
		zap.Uint64("term", r.currentTerm),
		zap.Int("votes", len(r.votes)),
		zap.Int64("old_lease_wait_ms", wait))
	r.metrics.SetState(int(r.state))

	go r.establishLease(r.currentTerm, wait)
}

// establishLease waits out the previous leader's lease, anchors the new
// term with a no-op entry, and opens this leader's own lease window.
func (r *Replica) establishLease(term uint64, oldLeaseMs int64) {
	if oldLeaseMs > 0 {
		select {
		case <-r.closed:
			return
		case <-time.After(time.Duration(oldLeaseMs) * time.Millisecond):
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() || r.state != Leader || r.currentTerm != term {
		return
	}

	if _, _, err := r.log.Append(term, fmt.Sprintf("NO-OP %d", term)); err != nil {
		// A leader whose term is not anchored by a durable no-op cannot
		// serve; surrender leadership and let the shard re-elect.
		r.logger.Error("commit log append failed", zap.Error(err))
		r.stepDownLocked(r.currentTerm)
		return
	}
	lastIndex, _ := r.log.LastIndexTerm()
	for j := range r.shard {
		r.nextIndex[j] = lastIndex + 1
		r.matchIndex[j] = -1
	}

	r.leaseStart = time.Now()
	r.leaseEstablished = true
	r.metrics.LeaderElected()
	r.logger.Info("lease established", zap.Uint64("term", term), zap.Int64("last_index", lastIndex))
}

// HandleVoteRequest answers a candidate's VOTE-REQ. The vote is granted
// only in the candidate's exact term, at most once per term, and only when
// the candidate's log is at least as complete as ours.
func (r *Replica) HandleVoteRequest(req wire.VoteReq) wire.VoteRep {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Term > r.currentTerm {
		r.stepDownLocked(req.Term)
	}

	selfLastIndex, selfLastTerm := r.log.LastIndexTerm()
	upToDate := req.LastLogTerm > selfLastTerm ||
		(req.LastLogTerm == selfLastTerm && req.LastLogIndex >= selfLastIndex)

	if req.Term == r.currentTerm &&
		(r.votedFor == none || r.votedFor == req.Candidate) &&
		upToDate {
		r.votedFor = req.Candidate
		r.state = Follower
		r.resetElectionTimeoutLocked()
		r.metrics.SetState(int(r.state))
		r.logger.Info("vote granted",
			zap.Int("candidate", req.Candidate),
			zap.Uint64("term", r.currentTerm))
	} else {
		r.logger.Debug("vote denied",
			zap.Int("candidate", req.Candidate),
			zap.Uint64("term", r.currentTerm),
			zap.Int("voted_for", r.votedFor))
	}

	return wire.VoteRep{
		Voter:            r.self,
		Term:             r.currentTerm,
		VotedFor:         r.votedFor,
		OldLeaderLeaseMs: r.remainingLeaseMsLocked(),
	}
}
