package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindSymlink EntryKind = "symlink"
	KindDir     EntryKind = "dir"
)

// Entry is one recorded path of a snapshot. Hash is empty for directories;
// for symlinks the blob holds the link target.
type Entry struct {
	Path string
	Kind EntryKind
	Mode uint32
	Hash string
}

type Snapshot struct {
	ID        string
	ParentID  string
	Prefixes  []string
	CreatedAt string
}

// SnapshotTx collects the entries of one snapshot inside a transaction.
type SnapshotTx struct {
	ctx context.Context
	tx  *sql.Tx
	id  string
}

// BeginSnapshot inserts the snapshot header and returns a handle for adding entries.
func (r Repo) BeginSnapshot(ctx context.Context, snap Snapshot) (*SnapshotTx, error) {
	if snap.ID == "" {
		return nil, fmt.Errorf("snapshot id required")
	}
	if snap.CreatedAt == "" {
		snap.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	prefixes := snap.Prefixes
	if prefixes == nil {
		prefixes = []string{}
	}
	prefixesJSON, err := json.Marshal(prefixes)
	if err != nil {
		return nil, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(id,parent_id,prefixes_json,created_at) VALUES (?,?,?,?)`,
		snap.ID, nullable(snap.ParentID), string(prefixesJSON), snap.CreatedAt); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return &SnapshotTx{ctx: ctx, tx: tx, id: snap.ID}, nil
}

// Add records an entry; content is stored once per hash.
func (s *SnapshotTx) Add(e Entry, content []byte) error {
	if e.Hash != "" {
		if _, err := s.tx.ExecContext(s.ctx, `INSERT OR IGNORE INTO blobs(hash,size,content) VALUES (?,?,?)`,
			e.Hash, len(content), content); err != nil {
			return fmt.Errorf("insert blob %s: %w", e.Path, err)
		}
	}
	_, err := s.tx.ExecContext(s.ctx, `INSERT OR REPLACE INTO snapshot_entries(snapshot_id,path,kind,mode,hash) VALUES (?,?,?,?,?)`,
		s.id, e.Path, string(e.Kind), e.Mode, nullable(e.Hash))
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.Path, err)
	}
	return nil
}

// CopyFrom copies every entry of parent except the given paths.
func (s *SnapshotTx) CopyFrom(parentID string, except []string) error {
	if _, err := s.tx.ExecContext(s.ctx, `INSERT INTO snapshot_entries(snapshot_id,path,kind,mode,hash)
SELECT ?, path, kind, mode, hash FROM snapshot_entries WHERE snapshot_id=?`, s.id, parentID); err != nil {
		return fmt.Errorf("copy entries: %w", err)
	}
	for _, p := range except {
		if _, err := s.tx.ExecContext(s.ctx, `DELETE FROM snapshot_entries WHERE snapshot_id=? AND path=?`, s.id, p); err != nil {
			return fmt.Errorf("drop entry %s: %w", p, err)
		}
	}
	return nil
}

func (s *SnapshotTx) Commit() error   { return s.tx.Commit() }
func (s *SnapshotTx) Rollback() error { return s.tx.Rollback() }

func (r Repo) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	var parent sql.NullString
	var prefixesJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT id,parent_id,prefixes_json,created_at FROM snapshots WHERE id=?`, id).
		Scan(&snap.ID, &parent, &prefixesJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return snap, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return snap, err
	}
	if parent.Valid {
		snap.ParentID = parent.String
	}
	if err := json.Unmarshal([]byte(prefixesJSON), &snap.Prefixes); err != nil {
		return snap, fmt.Errorf("snapshot %s prefixes: %w", id, err)
	}
	return snap, nil
}

// Entries returns the recorded entries of a snapshot keyed by path.
func (r Repo) Entries(ctx context.Context, id string) (map[string]Entry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT path,kind,mode,COALESCE(hash,'') FROM snapshot_entries WHERE snapshot_id=? ORDER BY path`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]Entry{}
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.Path, &kind, &e.Mode, &e.Hash); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		res[e.Path] = e
	}
	return res, rows.Err()
}

func (r Repo) Blob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := r.DB.QueryRowContext(ctx, `SELECT content FROM blobs WHERE hash=?`, hash).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	return content, err
}

// PurgeSnapshots drops every snapshot and every blob, returning the number of snapshots removed.
func (r Repo) PurgeSnapshots(ctx context.Context) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_entries`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
