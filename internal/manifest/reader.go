package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrCorrupt marks a manifest that cannot be trusted. It is never repaired
// automatically.
var ErrCorrupt = errors.New("manifest corrupt")

// ErrUnreadable marks a manifest that exists but could not be read.
var ErrUnreadable = errors.New("manifest unreadable")

func unreadable(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnreadable, path, err)
}

// CorruptError locates the offending record.
type CorruptError struct {
	Line   int
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("manifest corrupt at line %d: %s", e.Line, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

func corrupt(line int, format string, args ...any) error {
	return &CorruptError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

// ReadRecords parses every line of the manifest strictly. A missing file
// yields no records.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, unreadable(path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var records []Record
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(raw) > 0 {
				return nil, corrupt(line, "truncated record")
			}
			return records, nil
		}
		if err != nil {
			return nil, unreadable(path, err)
		}
		rec, err := decodeStrict(raw)
		if err != nil {
			return nil, corrupt(line, "%v", err)
		}
		if rec.Seq != int64(line) {
			return nil, corrupt(line, "sequence %d out of order", rec.Seq)
		}
		records = append(records, rec)
	}
}

func decodeStrict(raw []byte) (Record, error) {
	var rec Record
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return rec, fmt.Errorf("empty line")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return rec, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return rec, fmt.Errorf("trailing content")
	}
	if !rec.Kind.valid() {
		return rec, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	if rec.TaskID == "" {
		return rec, fmt.Errorf("record without task_id")
	}
	return rec, nil
}

// Load reads and replays the manifest. A missing manifest is an empty state.
func Load(path string) (*State, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	return Replay(records)
}

// ReadAfter returns complete records with seq greater than after, at most
// limit of them (0 for all). A partially written last line is left for a
// later call rather than reported as corruption.
func ReadAfter(path string, after int64, limit int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, unreadable(path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var out []Record
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, unreadable(path, err)
		}
		if int64(line) <= after {
			continue
		}
		rec, err := decodeStrict(raw)
		if err != nil {
			return nil, corrupt(line, "%v", err)
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
	}
}
