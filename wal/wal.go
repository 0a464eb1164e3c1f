package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OpScored records a job group that was finalized and scored.
const OpScored = "scored"

const fileName = "current.log"

// Entry is one journal line.
type Entry struct {
	Seq   int64           `json:"seq"`
	Op    string          `json:"op"`
	Key   string          `json:"key"` // job ID
	At    time.Time       `json:"at"`
	Value json.RawMessage `json:"value,omitempty"`
}

// WAL is an append-only JSON-lines journal.
type WAL struct {
	mu      sync.Mutex
	dir     string   // data dir, e.g. data/validator
	file    *os.File // current.log handle
	nextSeq int64    // next sequence to assign
}

// Open opens (or creates) the journal in dir and positions the sequence after
// the last intact entry.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating wal dir: %w", err)
	}
	w := &WAL{dir: dir, nextSeq: 1}

	good, err := w.scan(func(e Entry) error {
		w.nextSeq = e.Seq + 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fileName)
	if info, err := os.Stat(path); err == nil && info.Size() > good {
		// drop the torn tail so the next append starts on a fresh line
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("truncating torn wal tail: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening wal: %w", err)
	}
	w.file = f
	return w, nil
}

// Append writes one entry and syncs it to disk. value is JSON-encoded.
func (w *WAL) Append(op, key string, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encoding wal value: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, errors.New("wal is closed")
	}

	e := Entry{Seq: w.nextSeq, Op: op, Key: key, At: time.Now().UTC(), Value: raw}
	line, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("writing wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("syncing wal: %w", err)
	}
	w.nextSeq++
	return e.Seq, nil
}

// Replay calls fn for every intact entry in sequence order.
func (w *WAL) Replay(fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.scan(fn)
	return err
}

// scan reads the journal from disk and returns the byte length of its intact
// prefix. Only newline-terminated lines count. A torn final line, left by a
// crash mid write, is skipped even if it parses; corruption anywhere else is
// an error.
func (w *WAL) scan(fn func(Entry) error) (int64, error) {
	f, err := os.Open(filepath.Join(w.dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening wal for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		pending error
		good    int64
		lineNo  int
	)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 && pending == nil {
				pending = fmt.Errorf("wal line %d: missing newline", lineNo+1)
			}
			break
		}
		if err != nil {
			return good, fmt.Errorf("reading wal: %w", err)
		}
		lineNo++
		if pending != nil {
			return good, pending
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			pending = fmt.Errorf("wal line %d: %w", lineNo, err)
			continue
		}
		if err := fn(e); err != nil {
			return good, err
		}
		good += int64(len(line))
	}
	if pending != nil {
		log.Printf("[wal] skipping torn tail: %v", pending)
	}
	return good, nil
}

// Close closes the journal file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
