// Package wire implements the textual protocol spoken between clients and
// replicas and among replicas themselves. Every message is one line of
// space-delimited ASCII tokens; the log slice carried by APPEND-REQ is a
// single bracketed JSON literal of [term,"command"] tuples so arbitrary
// command text round-trips losslessly.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/leasekv/leasekv/internal/commitlog"
)

// Replies sent to clients.
const (
	RespOK             = "ok"
	RespKO             = "ko"
	RespInvalidCommand = "Error: Invalid command"
	RespNoKey          = "Error: Non existent key"
)

// ErrNoMatch reports that a line does not match the expected message shape.
var ErrNoMatch = errors.New("wire: no match")

var (
	setRe       = regexp.MustCompile(`^SET (\S+) (\S+) ([0-9]+)$`)
	getRe       = regexp.MustCompile(`^GET (\S+) ([0-9]+)$`)
	voteReqRe   = regexp.MustCompile(`^VOTE-REQ ([0-9]+) ([0-9]+) ([0-9]+) (-?[0-9]+)$`)
	voteRepRe   = regexp.MustCompile(`^VOTE-REP ([0-9]+) ([0-9]+) (-?[0-9]+) (-?[0-9]+)$`)
	appendReqRe = regexp.MustCompile(`^APPEND-REQ ([0-9]+) ([0-9]+) (-?[0-9]+) ([0-9]+) (\[.*\]) (-?[0-9]+) ([0-9]+)$`)
	appendRepRe = regexp.MustCompile(`^APPEND-REP ([0-9]+) ([0-9]+) ([01]) (-?[0-9]+)$`)
)

// SetCmd is a client write: SET <key> <value> <reqId>.
type SetCmd struct {
	Key   string
	Value string
	ReqID uint64
	Raw   string
}

// GetCmd is a client read: GET <key> <reqId>.
type GetCmd struct {
	Key   string
	ReqID uint64
	Raw   string
}

// VoteReq is a candidate's vote solicitation.
type VoteReq struct {
	Candidate    int
	Term         uint64
	LastLogTerm  uint64
	LastLogIndex int64
}

// VoteRep is a voter's reply. VotedFor and OldLeaderLeaseMs are -1 when the
// voter has not voted this term or knows of no live lease.
type VoteRep struct {
	Voter            int
	Term             uint64
	VotedFor         int
	OldLeaderLeaseMs int64
}

// AppendReq carries a replication round from the leader: the log slice
// after PrevIndex plus the leader's commit index and lease duration.
type AppendReq struct {
	Leader      int
	Term        uint64
	PrevIndex   int64
	PrevTerm    uint64
	Entries     []commitlog.Entry
	CommitIndex int64
	LeaseMs     int64
}

// AppendRep is a follower's replication acknowledgement.
type AppendRep struct {
	Follower     int
	Term         uint64
	Success      bool
	MatchedIndex int64
}

// EncodeEntries renders a log slice as its compact JSON literal.
func EncodeEntries(entries []commitlog.Entry) string {
	if len(entries) == 0 {
		return "[]"
	}
	data, err := json.Marshal(entries)
	if err != nil {
		// Entries are term+string tuples; marshalling cannot fail.
		panic(fmt.Sprintf("wire: encode entries: %v", err))
	}
	return string(data)
}

// ParseEntries parses the JSON log-slice literal.
func ParseEntries(literal string) ([]commitlog.Entry, error) {
	var entries []commitlog.Entry
	if err := json.Unmarshal([]byte(literal), &entries); err != nil {
		return nil, fmt.Errorf("wire: parse entries: %w", err)
	}
	return entries, nil
}

// ParseSet parses a SET command line.
func ParseSet(line string) (SetCmd, error) {
	m := setRe.FindStringSubmatch(line)
	if m == nil {
		return SetCmd{}, ErrNoMatch
	}
	reqID, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return SetCmd{}, ErrNoMatch
	}
	return SetCmd{Key: m[1], Value: m[2], ReqID: reqID, Raw: line}, nil
}

// ParseGet parses a GET command line.
func ParseGet(line string) (GetCmd, error) {
	m := getRe.FindStringSubmatch(line)
	if m == nil {
		return GetCmd{}, ErrNoMatch
	}
	reqID, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return GetCmd{}, ErrNoMatch
	}
	return GetCmd{Key: m[1], ReqID: reqID, Raw: line}, nil
}

// ParseVoteReq parses a VOTE-REQ line.
func ParseVoteReq(line string) (VoteReq, error) {
	m := voteReqRe.FindStringSubmatch(line)
	if m == nil {
		return VoteReq{}, ErrNoMatch
	}
	return VoteReq{
		Candidate:    atoi(m[1]),
		Term:         atou(m[2]),
		LastLogTerm:  atou(m[3]),
		LastLogIndex: atoi64(m[4]),
	}, nil
}

// Encode renders the VOTE-REQ line.
func (r VoteReq) Encode() string {
	return fmt.Sprintf("VOTE-REQ %d %d %d %d", r.Candidate, r.Term, r.LastLogTerm, r.LastLogIndex)
}

// ParseVoteRep parses a VOTE-REP line.
func ParseVoteRep(line string) (VoteRep, error) {
	m := voteRepRe.FindStringSubmatch(line)
	if m == nil {
		return VoteRep{}, ErrNoMatch
	}
	return VoteRep{
		Voter:            atoi(m[1]),
		Term:             atou(m[2]),
		VotedFor:         atoi(m[3]),
		OldLeaderLeaseMs: atoi64(m[4]),
	}, nil
}

// Encode renders the VOTE-REP line.
func (r VoteRep) Encode() string {
	return fmt.Sprintf("VOTE-REP %d %d %d %d", r.Voter, r.Term, r.VotedFor, r.OldLeaderLeaseMs)
}

// ParseAppendReq parses an APPEND-REQ line, including its log slice.
func ParseAppendReq(line string) (AppendReq, error) {
	m := appendReqRe.FindStringSubmatch(line)
	if m == nil {
		return AppendReq{}, ErrNoMatch
	}
	entries, err := ParseEntries(m[5])
	if err != nil {
		return AppendReq{}, err
	}
	return AppendReq{
		Leader:      atoi(m[1]),
		Term:        atou(m[2]),
		PrevIndex:   atoi64(m[3]),
		PrevTerm:    atou(m[4]),
		Entries:     entries,
		CommitIndex: atoi64(m[6]),
		LeaseMs:     atoi64(m[7]),
	}, nil
}

// Encode renders the APPEND-REQ line.
func (r AppendReq) Encode() string {
	return fmt.Sprintf("APPEND-REQ %d %d %d %d %s %d %d",
		r.Leader, r.Term, r.PrevIndex, r.PrevTerm, EncodeEntries(r.Entries), r.CommitIndex, r.LeaseMs)
}

// ParseAppendRep parses an APPEND-REP line.
func ParseAppendRep(line string) (AppendRep, error) {
	m := appendRepRe.FindStringSubmatch(line)
	if m == nil {
		return AppendRep{}, ErrNoMatch
	}
	return AppendRep{
		Follower:     atoi(m[1]),
		Term:         atou(m[2]),
		Success:      m[3] == "1",
		MatchedIndex: atoi64(m[4]),
	}, nil
}

// Encode renders the APPEND-REP line.
func (r AppendRep) Encode() string {
	flag := 0
	if r.Success {
		flag = 1
	}
	return fmt.Sprintf("APPEND-REP %d %d %d %d", r.Follower, r.Term, flag, r.MatchedIndex)
}

// The regexps above guarantee these conversions succeed.

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func atou(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
