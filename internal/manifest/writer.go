package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends records to the manifest file. Every record is fsynced
// before Append returns. A file changed behind the writer's back is refused
// with ErrCorrupt instead of being appended to.
type Writer struct {
	Path string
	Now  func() time.Time

	mu   sync.Mutex
	f    *os.File
	seq  int64
	size int64
}

// OpenWriter opens path for appending; lastSeq is the sequence number of the
// last record already in the file.
func OpenWriter(path string, lastSeq int64) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if created {
		if err := fsyncDir(dir); err != nil {
			f.Close()
			return nil, err
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	return &Writer{Path: path, Now: time.Now, f: f, seq: lastSeq, size: fi.Size()}, nil
}

// checkUntouched fails when the file on disk is no longer exactly what this
// writer produced: replaced, truncated or appended to by someone else.
func (w *Writer) checkUntouched() error {
	fi, err := w.f.Stat()
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	onDisk, err := os.Stat(w.Path)
	if err != nil || !os.SameFile(fi, onDisk) {
		return &CorruptError{Line: int(w.seq), Reason: "manifest file was replaced outside the orchestrator"}
	}
	if fi.Size() != w.size {
		return &CorruptError{Line: int(w.seq), Reason: fmt.Sprintf("manifest size changed outside the orchestrator (%d bytes, expected %d)", fi.Size(), w.size)}
	}
	return nil
}

// Append assigns the next sequence number and timestamp, writes the record
// as one line and syncs it.
func (w *Writer) Append(rec Record) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return rec, fmt.Errorf("manifest writer closed")
	}
	if err := w.checkUntouched(); err != nil {
		return rec, err
	}
	rec.Seq = w.seq + 1
	if rec.TS.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		rec.TS = now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal manifest record: %w", err)
	}
	data = append(data, '\n')
	n, err := w.f.Write(data)
	w.size += int64(n)
	if err != nil {
		return rec, fmt.Errorf("append manifest: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return rec, fmt.Errorf("sync manifest: %w", err)
	}
	w.seq = rec.Seq
	return rec, nil
}

func (w *Writer) Seq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Archive moves a finished manifest into dir and returns its new path.
func Archive(path, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, fmt.Sprintf("manifest-%s.jsonl", now.UTC().Format("20060102T150405Z")))
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("archive %s already exists", dest)
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archive manifest: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return "", err
	}
	return dest, fsyncDir(filepath.Dir(path))
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
