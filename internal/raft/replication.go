package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/leasekv/leasekv/internal/wire"
)

// leaderLoop drives replication while this replica leads. Each iteration
// is one append round; a round that falls due after the lease window
// doubles as the lease refresh and failing it forces a step-down.
func (r *Replica) leaderLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.closed:
			return
		case <-time.After(r.opts.HeartbeatInterval):
		}

		r.mu.Lock()
		if r.state != Leader || !r.leaseEstablished {
			r.mu.Unlock()
			continue
		}
		term := r.currentTerm
		renewing := time.Since(r.leaseStart) > r.opts.LeaseDuration
		r.mu.Unlock()

		start := time.Now()
		ok := r.appendRound(term)
		r.metrics.ObserveRound(time.Since(start))

		r.mu.Lock()
		if r.state == Leader && r.currentTerm == term {
			if ok {
				if renewing {
					r.leaseStart = time.Now()
					r.metrics.LeaseRenewed()
				}
				r.advanceCommitLocked()
			} else if renewing {
				r.logger.Warn("lease renewal failed, stepping down",
					zap.Uint64("term", term))
				r.stepDownLocked(r.currentTerm)
			}
		}
		r.mu.Unlock()
	}
}

// appendRound issues APPEND-REQ to every peer and blocks until a strict
// majority of the shard has acknowledged, the round deadline passes, or
// every peer has reported. Stragglers keep repairing in the background.
func (r *Replica) appendRound(term uint64) bool {
	peers := 0
	for j := range r.shard {
		if j != r.self {
			peers++
		}
	}
	if peers == 0 {
		return true
	}

	// Acks from len(shard)/2 peers plus the leader itself form a strict
	// majority of the shard.
	needed := len(r.shard) / 2

	results := make(chan bool, peers)
	for j := range r.shard {
		if j == r.self {
			continue
		}
		go r.sendAppend(j, term, results)
	}

	deadline := time.After(r.opts.RPCTimeout)
	acks, replies := 0, 0
	for {
		select {
		case <-r.closed:
			return false
		case <-deadline:
			return acks >= needed
		case ok := <-results:
			replies++
			if ok {
				acks++
				if acks >= needed {
					return true
				}
			}
			if replies == peers {
				return acks >= needed
			}
		}
	}
}

// sendAppend replicates to one peer for one round. A reply counts as the
// peer's acknowledgement even when it signals a log mismatch; mismatches
// are repaired by backtracking nextIndex one entry at a time and resending
// until the prefixes match or the round deadline passes.
func (r *Replica) sendAppend(peer int, term uint64, results chan<- bool) {
	addr := r.shard[peer].Addr()
	deadline := time.Now().Add(r.opts.RPCTimeout)

	reported := false
	report := func(ok bool) {
		if !reported {
			reported = true
			results <- ok
		}
	}

	for {
		r.mu.Lock()
		if r.isClosed() || r.state != Leader || r.currentTerm != term {
			r.mu.Unlock()
			report(false)
			return
		}
		req := r.buildAppendLocked(peer, term)
		r.mu.Unlock()

		resp, err := r.sender.SendAndRecvNoRetry(req.Encode(), addr, r.opts.RPCTimeout)
		if err != nil {
			r.metrics.RPCFailure("append")
			report(false)
			return
		}
		rep, perr := wire.ParseAppendRep(resp)
		if perr != nil {
			report(false)
			return
		}
		report(true)

		if !r.handleAppendReply(peer, term, rep) || time.Now().After(deadline) {
			return
		}
	}
}

// buildAppendLocked assembles the APPEND-REQ for one peer from its
// nextIndex. Callers hold mu.
func (r *Replica) buildAppendLocked(peer int, term uint64) wire.AppendReq {
	prevIndex := r.nextIndex[peer] - 1
	var prevTerm uint64
	if prevIndex >= 0 {
		if entries := r.log.ReadRange(prevIndex, prevIndex); len(entries) > 0 {
			prevTerm = entries[0].Term
		}
	}
	return wire.AppendReq{
		Leader:      r.self,
		Term:        term,
		PrevIndex:   prevIndex,
		PrevTerm:    prevTerm,
		Entries:     r.log.ReadFrom(prevIndex + 1),
		CommitIndex: r.commitIndex,
		LeaseMs:     r.opts.LeaseDuration.Milliseconds(),
	}
}

// handleAppendReply digests one APPEND-REP. It returns true when the
// caller should immediately retry with a backed-off nextIndex.
func (r *Replica) handleAppendReply(peer int, term uint64, rep wire.AppendRep) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() {
		return false
	}
	if rep.Term > r.currentTerm {
		r.stepDownLocked(rep.Term)
		return false
	}
	if r.state != Leader || r.currentTerm != term {
		return false
	}

	if rep.Success {
		r.nextIndex[peer] = rep.MatchedIndex + 1
		r.matchIndex[peer] = rep.MatchedIndex
		return false
	}

	// Log mismatch: back up one entry and resend until a matching prefix
	// is found.
	if r.nextIndex[peer] > 0 {
		r.nextIndex[peer]--
	}
	return true
}

// advanceCommitLocked advances commitIndex to the highest index that a
// strict majority of the shard holds and whose entry was written in the
// current term. Callers hold mu.
func (r *Replica) advanceCommitLocked() {
	lastIndex, _ := r.log.LastIndexTerm()

	for idx := lastIndex; idx > r.commitIndex; idx-- {
		replicated := 1 // self
		for j := range r.shard {
			if j != r.self && r.matchIndex[j] >= idx {
				replicated++
			}
		}
		if 2*replicated <= len(r.shard) {
			continue
		}

		entries := r.log.ReadRange(idx, idx)
		if len(entries) > 0 && entries[0].Term == r.currentTerm {
			r.commitIndex = idx
			r.metrics.SetCommitIndex(idx)
			r.commitCond.Broadcast()
		}
		// The highest majority-replicated index decides the round either
		// way; older-term entries commit implicitly once a current-term
		// entry above them does.
		return
	}
}
