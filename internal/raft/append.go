package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/leasekv/leasekv/internal/commitlog"
	"github.com/leasekv/leasekv/internal/wire"
)

// HandleAppendRequest answers a leader's APPEND-REQ: refresh the election
// timer, verify the log-matching prefix, repair the log when needed, and
// acknowledge with the matched index.
func (r *Replica) HandleAppendRequest(req wire.AppendReq) wire.AppendRep {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetElectionTimeoutLocked()

	if req.Term > r.currentTerm {
		r.stepDownLocked(req.Term)
	}
	if req.Term < r.currentTerm {
		// Stale leader; it will step down on seeing our term.
		return wire.AppendRep{Follower: r.self, Term: r.currentTerm, Success: false, MatchedIndex: 0}
	}

	r.leaderID = req.Leader
	if r.state == Candidate {
		r.state = Follower
		r.metrics.SetState(int(r.state))
	}
	// Honor the leader's lease from receipt time; reported on later vote
	// replies so a successor waits it out.
	r.heardLeaseUntil = time.Now().Add(time.Duration(req.LeaseMs) * time.Millisecond)

	success := req.PrevIndex == none
	if !success {
		if entries := r.log.ReadRange(req.PrevIndex, req.PrevIndex); len(entries) > 0 {
			success = entries[0].Term == req.PrevTerm
		}
	}

	var matched int64
	if success {
		lastIndex, lastTerm := r.log.LastIndexTerm()
		if n := len(req.Entries); n > 0 && lastTerm == req.Entries[n-1].Term && lastIndex == r.commitIndex {
			// Retransmission of a slice we already hold; acknowledge
			// without rewriting.
			matched = r.commitIndex
		} else {
			var ok bool
			matched, ok = r.storeEntriesLocked(req.PrevIndex, req.Entries)
			success = ok
		}
	}

	return wire.AppendRep{
		Follower:     r.self,
		Term:         r.currentTerm,
		Success:      success,
		MatchedIndex: matched,
	}
}

// storeEntriesLocked repairs the log from the leader's slice, replacing
// everything after prevIndex, and applies the stored commands to the state
// machine. Callers hold mu.
func (r *Replica) storeEntriesLocked(prevIndex int64, entries []commitlog.Entry) (int64, bool) {
	commands := make([]string, len(entries))
	for i, e := range entries {
		commands[i] = e.Command
	}

	lastIndex, _, err := r.log.ReplaceFrom(r.currentTerm, commands, prevIndex+1)
	if err != nil {
		// The repair did not reach disk; report failure so the leader
		// retries rather than assuming the prefix matched.
		r.logger.Error("commit log repair failed", zap.Error(err))
		return 0, false
	}

	r.commitIndex = lastIndex
	r.metrics.SetCommitIndex(lastIndex)
	r.commitCond.Broadcast()

	for _, cmd := range commands {
		r.applyCommand(cmd)
	}
	return lastIndex, true
}

// applyCommand updates the state machine for one replicated command.
// Only SET mutates; NO-OP anchors a term and is skipped.
func (r *Replica) applyCommand(cmd string) {
	set, err := wire.ParseSet(cmd)
	if err != nil {
		return
	}
	r.store.Set(set.Key, set.Value, set.ReqID)
	r.metrics.CommandApplied()
}
