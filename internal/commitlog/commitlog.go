// Package commitlog provides the durable, append-only log of replicated
// commands. Entries are addressed by a dense, 0-based index; terms along the
// log never decrease. The log survives restart: every mutation is synced to
// a newline-delimited file before it is acknowledged.
package commitlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Entry is one log record: the term it was written under and the raw
// command text. It serializes as a two-element JSON tuple [term,"command"],
// the same literal used on the wire for log slices.
type Entry struct {
	Term    uint64
	Command string
}

// MarshalJSON encodes the entry as [term,"command"].
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Term, e.Command})
}

// UnmarshalJSON decodes the [term,"command"] tuple form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("log entry: want 2 fields, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.Term); err != nil {
		return fmt.Errorf("log entry term: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Command); err != nil {
		return fmt.Errorf("log entry command: %w", err)
	}
	return nil
}

// Log is the commit log backed by a single file. The replica serializes its
// own writes; reads may run concurrently with each other.
type Log struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	entries []Entry
}

// Open creates the log file if absent, loads any existing entries, and
// returns a Log positioned for appends.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open commit log: %w", err)
	}

	entries, err := load(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{path: path, file: f, entries: entries}, nil
}

func load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read commit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt commit log record %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan commit log: %w", err)
	}
	return entries, nil
}

// Append writes one entry and syncs it, returning the new last index and
// last term.
func (l *Log) Append(term uint64, command string) (int64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeRecord(Entry{Term: term, Command: command}); err != nil {
		return 0, 0, err
	}
	if err := l.file.Sync(); err != nil {
		return 0, 0, fmt.Errorf("sync commit log: %w", err)
	}
	l.entries = append(l.entries, Entry{Term: term, Command: command})
	return int64(len(l.entries)) - 1, term, nil
}

func (l *Log) writeRecord(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode commit log record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write commit log: %w", err)
	}
	return nil
}

// LastIndexTerm returns the index and term of the last entry, or (-1, 0)
// when the log is empty.
func (l *Log) LastIndexTerm() (int64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return -1, 0
	}
	last := len(l.entries) - 1
	return int64(last), l.entries[last].Term
}

// ReadFrom returns all entries starting at start. Past-the-end or negative
// starts yield nil.
func (l *Log) ReadFrom(start int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if start < 0 || start >= int64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(start))
	copy(out, l.entries[start:])
	return out
}

// ReadRange returns entries in the inclusive index range [start, end],
// clipped to the log bounds.
func (l *Log) ReadRange(start, end int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if start < 0 {
		start = 0
	}
	if end >= int64(len(l.entries)) {
		end = int64(len(l.entries)) - 1
	}
	if start > end {
		return nil
	}
	out := make([]Entry, end-start+1)
	copy(out, l.entries[start:end+1])
	return out
}

// ReplaceFrom truncates the log at start and appends each command under the
// given term. This is how a follower repairs its log to match the leader.
// The rewrite is durable before ReplaceFrom returns.
func (l *Log) ReplaceFrom(term uint64, commands []string, start int64) (int64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if start < 0 {
		start = 0
	}
	if start > int64(len(l.entries)) {
		start = int64(len(l.entries))
	}

	// Nothing to truncate: plain appends, no rewrite. This is the steady
	// state for replication heartbeats.
	if start == int64(len(l.entries)) {
		for _, cmd := range commands {
			if err := l.writeRecord(Entry{Term: term, Command: cmd}); err != nil {
				return 0, 0, err
			}
		}
		if len(commands) > 0 {
			if err := l.file.Sync(); err != nil {
				return 0, 0, fmt.Errorf("sync commit log: %w", err)
			}
			for _, cmd := range commands {
				l.entries = append(l.entries, Entry{Term: term, Command: cmd})
			}
		}
		if len(l.entries) == 0 {
			return -1, 0, nil
		}
		last := l.entries[len(l.entries)-1]
		return int64(len(l.entries)) - 1, last.Term, nil
	}

	kept := make([]Entry, start)
	copy(kept, l.entries[:start])
	for _, cmd := range commands {
		kept = append(kept, Entry{Term: term, Command: cmd})
	}

	if err := l.rewrite(kept); err != nil {
		return 0, 0, err
	}
	l.entries = kept

	if len(l.entries) == 0 {
		return -1, 0, nil
	}
	last := l.entries[len(l.entries)-1]
	return int64(len(l.entries)) - 1, last.Term, nil
}

// rewrite replaces the backing file with the given entries via a synced
// temp file and rename, so a crash mid-repair leaves the old log intact.
func (l *Log) rewrite(entries []Entry) error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rewrite commit log: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode commit log record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("rewrite commit log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("rewrite commit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync commit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close commit log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("swap commit log: %w", err)
	}

	l.file.Close()
	nf, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen commit log: %w", err)
	}
	l.file = nf
	return nil
}

// Close releases the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
