package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous line, so editing or
// deleting a line breaks every link after it.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
	entries  int
	now      func() time.Time
}

// Open opens or creates the log at path. An existing log is scanned to
// recover the chain tail; appending to it continues that chain.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash, entries, err := recoverTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{
		path:     path,
		file:     file,
		prevHash: prevHash,
		entries:  entries,
		now:      time.Now,
	}, nil
}

// recoverTail returns the hash of the last line and the line count.
func recoverTail(path string) (string, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	var last []byte
	count := 0
	if err := scanLines(f, func(n int, line []byte) error {
		last, count = line, n
		return nil
	}); err != nil {
		return "", 0, fmt.Errorf("audit: scan existing log: %w", err)
	}
	if last == nil {
		return GenesisHash, 0, nil
	}
	return HashLine(last), count, nil
}

// Record appends an entry to the log with hash chaining.
// It sets PrevHash and Timestamp (if empty), writes the line and syncs.
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	l.entries++
	return nil
}

// Entries returns how many lines the log holds, including those recovered
// on Open.
func (l *Log) Entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
