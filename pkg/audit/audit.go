// Package audit flushes the storage layer's append-only audit table to
// an external writer (disk, stdout, a log shipper) as newline-delimited
// JSON. The audit table itself — ordering, durability, the never-delete
// invariant — lives in pkg/storage; this package is the optional
// "audit flusher" task the scheduling model names, giving operators a
// tail-able record of every mutation without reading the database file.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/MikeSquared-Agency/cortex/pkg/storage"
)

// Flusher writes newly-committed audit entries to Writer as
// newline-delimited JSON, tracking how far it has flushed by sequence
// number so repeated calls never re-emit an entry.
type Flusher struct {
	engine storage.Engine
	writer io.Writer

	mu       sync.Mutex
	lastSeq  uint64
	lastSeen bool
}

// NewFlusher returns a Flusher that reads from engine and writes to w.
func NewFlusher(engine storage.Engine, w io.Writer) *Flusher {
	return &Flusher{engine: engine, writer: w}
}

// line is the JSON shape written per audit entry, one per line.
type line struct {
	At       string          `json:"at"`
	Seq      uint64          `json:"seq"`
	Op       storage.AuditOp `json:"op"`
	TargetID string          `json:"target_id"`
	Detail   string          `json:"detail,omitempty"`
}

// Flush writes every audit entry committed since the last successful
// Flush and returns how many were written. Safe for concurrent use;
// concurrent callers serialize and each sees a disjoint slice of the
// log, since position is tracked by sequence number.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	txn, err := f.engine.BeginRead(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Discard()

	n := 0
	err = txn.AllAudit(func(e storage.AuditEntry) error {
		if f.lastSeen && e.Seq <= f.lastSeq {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		enc := json.NewEncoder(f.writer)
		if err := enc.Encode(line{
			At:       e.At.Format("2006-01-02T15:04:05.000000000Z07:00"),
			Seq:      e.Seq,
			Op:       e.Op,
			TargetID: e.TargetID,
			Detail:   e.Detail,
		}); err != nil {
			return err
		}
		f.lastSeq = e.Seq
		f.lastSeen = true
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, nil
}
