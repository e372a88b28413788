// Package cluster describes the static partition table: an ordered list of
// shards, each an ordered list of replica endpoints. Every replica holds the
// whole table and locates itself in it by its own host:port.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Endpoint is one replica's network address.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the dialable host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }

// Table is the partition table for a deployment. It is immutable after
// construction; membership changes are not supported.
type Table struct {
	shards [][]Endpoint
}

// Parse builds a Table from the literal passed on the command line, e.g.
//
//	[["127.0.0.1:5000","127.0.0.1:5001","127.0.0.1:5002"]]
//
// Single-quoted literals are accepted for operator convenience.
func Parse(literal string) (*Table, error) {
	normalized := strings.ReplaceAll(literal, "'", `"`)

	var raw [][]string
	if err := json.Unmarshal([]byte(normalized), &raw); err != nil {
		return nil, fmt.Errorf("parse partition table: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("partition table has no shards")
	}

	shards := make([][]Endpoint, len(raw))
	for i, members := range raw {
		if len(members) == 0 {
			return nil, fmt.Errorf("shard %d has no replicas", i)
		}
		shards[i] = make([]Endpoint, len(members))
		for j, addr := range members {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("shard %d replica %d: %w", i, j, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("shard %d replica %d: bad port %q", i, j, portStr)
			}
			shards[i][j] = Endpoint{Host: host, Port: port}
		}
	}
	return &Table{shards: shards}, nil
}

// NumShards returns the number of shards in the table.
func (t *Table) NumShards() int { return len(t.shards) }

// Shard returns the replica endpoints of shard i in table order.
func (t *Table) Shard(i int) []Endpoint { return t.shards[i] }

// Locate finds the shard and replica index of the given endpoint.
// ok is false when the endpoint is not part of the table.
func (t *Table) Locate(self Endpoint) (shard, replica int, ok bool) {
	for i, members := range t.shards {
		for j, ep := range members {
			if ep == self {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

// ShardFor maps a key to the shard that owns it. Every replica and client
// must agree on this mapping, so the hash is fixed: MurmurHash3 x86 32-bit,
// seed 0, interpreted unsigned.
func (t *Table) ShardFor(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(len(t.shards)))
}
