package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasekv/leasekv/internal/commitlog"
)

func TestParseSet(t *testing.T) {
	cmd, err := ParseSet("SET x 1 42")
	require.NoError(t, err)
	assert.Equal(t, "x", cmd.Key)
	assert.Equal(t, "1", cmd.Value)
	assert.Equal(t, uint64(42), cmd.ReqID)
	assert.Equal(t, "SET x 1 42", cmd.Raw)

	for _, bad := range []string{"SET x 1", "SET x 1 -2", "SET x 1 1 extra", "set x 1 1", ""} {
		_, err := ParseSet(bad)
		assert.ErrorIs(t, err, ErrNoMatch, "line %q", bad)
	}
}

func TestParseGet(t *testing.T) {
	cmd, err := ParseGet("GET x 7")
	require.NoError(t, err)
	assert.Equal(t, "x", cmd.Key)
	assert.Equal(t, uint64(7), cmd.ReqID)

	_, err = ParseGet("GET x")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestVoteReqRoundTrip(t *testing.T) {
	req := VoteReq{Candidate: 2, Term: 9, LastLogTerm: 4, LastLogIndex: -1}

	parsed, err := ParseVoteReq(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
	assert.Equal(t, "VOTE-REQ 2 9 4 -1", req.Encode())
}

func TestVoteRepRoundTrip(t *testing.T) {
	rep := VoteRep{Voter: 1, Term: 9, VotedFor: -1, OldLeaderLeaseMs: -1}

	parsed, err := ParseVoteRep(rep.Encode())
	require.NoError(t, err)
	assert.Equal(t, rep, parsed)

	rep = VoteRep{Voter: 0, Term: 3, VotedFor: 2, OldLeaderLeaseMs: 4711}
	parsed, err = ParseVoteRep(rep.Encode())
	require.NoError(t, err)
	assert.Equal(t, rep, parsed)
}

func TestAppendReqRoundTrip(t *testing.T) {
	req := AppendReq{
		Leader:    0,
		Term:      5,
		PrevIndex: 2,
		PrevTerm:  4,
		Entries: []commitlog.Entry{
			{Term: 5, Command: "SET key value 1"},
			{Term: 5, Command: "NO-OP 5"},
		},
		CommitIndex: 2,
		LeaseMs:     5000,
	}

	parsed, err := ParseAppendReq(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
}

func TestAppendReqEmptySlice(t *testing.T) {
	req := AppendReq{Leader: 1, Term: 2, PrevIndex: -1, PrevTerm: 0, CommitIndex: -1, LeaseMs: 5000}

	encoded := req.Encode()
	assert.Contains(t, encoded, " [] ")

	parsed, err := ParseAppendReq(encoded)
	require.NoError(t, err)
	assert.Empty(t, parsed.Entries)
	assert.Equal(t, int64(-1), parsed.PrevIndex)
	assert.Equal(t, int64(-1), parsed.CommitIndex)
}

func TestAppendRepRoundTrip(t *testing.T) {
	rep := AppendRep{Follower: 2, Term: 5, Success: true, MatchedIndex: 17}

	parsed, err := ParseAppendRep(rep.Encode())
	require.NoError(t, err)
	assert.Equal(t, rep, parsed)

	rep.Success = false
	rep.MatchedIndex = 0
	parsed, err = ParseAppendRep(rep.Encode())
	require.NoError(t, err)
	assert.Equal(t, rep, parsed)
}

func TestEntriesLiteralLossless(t *testing.T) {
	entries := []commitlog.Entry{
		{Term: 1, Command: `SET k "v with spaces" 3`},
		{Term: 2, Command: "SET brackets ]weird[ 4"},
	}

	back, err := ParseEntries(EncodeEntries(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, back)
}

func TestEntriesLiteralIsOneToken(t *testing.T) {
	// The slice literal must stay a single bracketed field so the
	// APPEND-REQ regexp can isolate it.
	literal := EncodeEntries([]commitlog.Entry{{Term: 1, Command: "SET a b 1"}})
	assert.Equal(t, byte('['), literal[0])
	assert.Equal(t, byte(']'), literal[len(literal)-1])
}

func TestMessagesDoNotCrossParse(t *testing.T) {
	_, err := ParseVoteReq("APPEND-REP 1 2 1 0")
	assert.ErrorIs(t, err, ErrNoMatch)
	_, err = ParseAppendReq("VOTE-REQ 1 2 3 4")
	assert.ErrorIs(t, err, ErrNoMatch)
	_, err = ParseAppendRep("APPEND-REP 1 2 3 0")
	assert.ErrorIs(t, err, ErrNoMatch)
}
