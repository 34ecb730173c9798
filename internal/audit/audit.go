// Package audit implements the event ledger (SPEC_FULL.md §3.5):
// connection/monitor lifecycle and failure-muting events recorded as an
// append-only trail, for diagnostics rather than replay. Two
// interchangeable sinks ship: a JSONL file (EnsureFile/Append, carried
// over from the teacher's internal/audit almost unchanged) and an
// optional sqlite-backed ledger for callers who want queryable history
// instead of a flat file.
package audit

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const idPrefix = "evt-"

// Kind enumerates the event kinds an Entry can carry (spec.md §5's
// failure muting, §4.4's monitor lifecycle, §4.5's dedup). The
// connection runtime does not append entries itself; a caller records
// them through a Sink.
type Kind string

const (
	KindConnectionStarted    Kind = "connection_started"
	KindConnectionShutdown   Kind = "connection_shutdown"
	KindMonitorCreated       Kind = "monitor_created"
	KindMonitorRerooted      Kind = "monitor_rerooted"
	KindMonitorDeleted       Kind = "monitor_deleted"
	KindRefreshErrorEntered  Kind = "refresh_error_entered"
	KindRefreshErrorCleared  Kind = "refresh_error_cleared"
	KindWorkerFailureMuted   Kind = "worker_failure_muted"
	KindWorkerFailureSummary Kind = "worker_failure_summary"
	KindDataBlockDeduped     Kind = "data_block_deduped"
)

// Entry is one append-only audit event. Extra carries anything not
// covered by the named fields, echoing the teacher's own Entry.Extra.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	Connection string `json:"connection,omitempty"`
	Monitor    string `json:"monitor,omitempty"`
	Worker     string `json:"worker,omitempty"`
	Detail     string `json:"detail,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Sink is an append-only destination for audit entries. JSONLSink and
// SQLiteSink both satisfy it.
type Sink interface {
	Append(ctx context.Context, e *Entry) (string, error)
	Close() error
}

func newID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("audit: generate id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}

func prepare(e *Entry) error {
	if e == nil {
		return fmt.Errorf("audit: nil entry")
	}
	if e.Kind == "" {
		return fmt.Errorf("audit: kind is required")
	}
	if e.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}
	return nil
}

// JSONLSink appends one JSON object per line to a file, grounded
// directly on the teacher's internal/audit.Append: open-append-flush
// per call, no buffering held across calls, lines never rewritten.
type JSONLSink struct {
	path string
}

// NewJSONLSink opens (creating if needed) a JSONL ledger at path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create ledger directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("audit: stat ledger: %w", err)
		}
		// #nosec G306 -- readable by whatever tooling a host wires up to
		// inspect it, matching the teacher's own interactions.jsonl.
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("audit: create ledger: %w", err)
		}
	}
	return &JSONLSink{path: path}, nil
}

// Append writes e as one JSON line, assigning an ID/timestamp if absent.
func (s *JSONLSink) Append(_ context.Context, e *Entry) (string, error) {
	if err := prepare(e); err != nil {
		return "", err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("audit: open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", fmt.Errorf("audit: write entry: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("audit: flush ledger: %w", err)
	}
	return e.ID, nil
}

// Close is a no-op for JSONLSink; every Append opens and closes its own
// file handle.
func (s *JSONLSink) Close() error { return nil }
