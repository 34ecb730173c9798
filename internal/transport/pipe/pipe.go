// Package pipe implements a spool-directory Transport (SPEC_FULL.md
// §3.1): inbound blocks are JSON files dropped into one directory,
// watched with fsnotify and falling back to a poll ticker exactly the
// way the teacher's cmd/bd/daemon_watcher.go FileWatcher falls back when
// fsnotify.NewWatcher fails or a watch can't be established; outbound
// blocks are written to a second directory as one file per SendUpdates
// call.
package pipe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/untoldecay/varmesh/internal/block"
	"github.com/untoldecay/varmesh/internal/conn"
	"github.com/untoldecay/varmesh/internal/rtlog"
)

// Transport watches inDir for new inbound block files and writes outgoing
// batches to outDir.
type Transport struct {
	inDir  string
	outDir string
	log    rtlog.Logger

	watcher     *fsnotify.Watcher
	pollingMode bool
	pollPeriod  time.Duration

	inbound chan conn.OrderedBlocks

	seenMu sync.Mutex
	seen   map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq   int64
	seqMu sync.Mutex
}

// New creates inDir/outDir if needed and prepares a watcher, falling back
// to a 2s poll loop if fsnotify can't be established (grounded on the
// teacher's NewFileWatcher).
func New(inDir, outDir string, log rtlog.Logger) (*Transport, error) {
	if log == nil {
		log = rtlog.Discard
	}
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipe: create inbound dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipe: create outbound dir: %w", err)
	}

	t := &Transport{
		inDir:      inDir,
		outDir:     outDir,
		log:        log,
		pollPeriod: 2 * time.Second,
		inbound:    make(chan conn.OrderedBlocks, 32),
		seen:       make(map[string]bool),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("pipe: fsnotify unavailable (%v), falling back to polling mode", err)
		t.pollingMode = true
		return t, nil
	}
	if err := watcher.Add(inDir); err != nil {
		_ = watcher.Close()
		log.Warnf("pipe: failed to watch %s (%v), falling back to polling mode", inDir, err)
		t.pollingMode = true
		return t, nil
	}
	t.watcher = watcher
	return t, nil
}

func (t *Transport) Init(ctx context.Context, _ *conn.Connection) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	// Pick up whatever is already sitting in inDir before watching begins.
	t.scanOnce()

	if t.pollingMode {
		t.wg.Add(1)
		go t.pollLoop(runCtx)
		return nil
	}

	t.wg.Add(1)
	go t.watchLoop(runCtx)
	return nil
}

func (t *Transport) watchLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				t.consume(event.Name)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warnf("pipe: watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) pollLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.scanOnce()
		case <-ctx.Done():
			return
		}
	}
}

// scanOnce reads inDir and consumes every file not already processed,
// in name order, so a burst of drops is handled deterministically.
func (t *Transport) scanOnce() {
	entries, err := os.ReadDir(t.inDir)
	if err != nil {
		t.log.Warnf("pipe: read %s: %v", t.inDir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		t.consume(filepath.Join(t.inDir, name))
	}
}

// consume reads path as a batch of blocks and removes it once decoded, so
// a restart never replays it (spec.md §1's no-persistence stance extends
// to the spool files themselves: they are a delivery mechanism, not a
// log).
func (t *Transport) consume(path string) {
	t.seenMu.Lock()
	if t.seen[path] {
		t.seenMu.Unlock()
		return
	}
	t.seen[path] = true
	t.seenMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warnf("pipe: read %s: %v", path, err)
		}
		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		t.log.Warnf("pipe: %s is not a JSON array of blocks: %v", path, err)
		_ = os.Remove(path)
		return
	}

	var ob conn.OrderedBlocks
	for _, raw := range raws {
		var b block.Block
		if err := json.Unmarshal(raw, &b); err != nil {
			t.log.Warnf("pipe: %s contains a malformed block: %v", path, err)
			continue
		}
		ob.Set(b.Name, b)
	}
	_ = os.Remove(path)

	if ob.Len() > 0 {
		t.inbound <- ob
	}
}

func (t *Transport) IncomingUpdatePeriod(*conn.Connection) time.Duration { return 0 }
func (t *Transport) OutgoingUpdatePeriod(*conn.Connection) time.Duration { return 0 }

func (t *Transport) GetUpdates(ctx context.Context, _ *conn.Connection, wait time.Duration) (conn.OrderedBlocks, error) {
	select {
	case ob := <-t.inbound:
		return ob, nil
	case <-time.After(wait):
		return conn.NewOrderedBlocks(), nil
	case <-ctx.Done():
		return conn.NewOrderedBlocks(), ctx.Err()
	}
}

// SendUpdates writes outgoing as one JSON array file per call, named with
// a monotonically increasing sequence so readers can process drops in
// order.
func (t *Transport) SendUpdates(_ context.Context, _ *conn.Connection, outgoing conn.OrderedBlocks) error {
	raws := make([]json.RawMessage, 0, outgoing.Len())
	outgoing.Range(func(_ string, b block.Block) {
		if len(b.Raw) > 0 {
			raws = append(raws, b.Raw)
		}
	})
	payload, err := json.Marshal(raws)
	if err != nil {
		return fmt.Errorf("pipe: marshal outgoing batch: %w", err)
	}

	t.seqMu.Lock()
	t.seq++
	seq := t.seq
	t.seqMu.Unlock()

	name := fmt.Sprintf("%020d.json", seq)
	tmpPath := filepath.Join(t.outDir, "."+name+".tmp")
	finalPath := filepath.Join(t.outDir, name)
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("pipe: write %s: %w", tmpPath, err)
	}
	// Rename so a concurrent reader never observes a partially written file.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("pipe: rename %s: %w", tmpPath, err)
	}
	return nil
}

func (t *Transport) HasUpdates(outgoing conn.OrderedBlocks) bool { return outgoing.Len() > 0 }

// Close stops the watch/poll loop and releases the fsnotify watcher.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	if t.watcher != nil {
		return t.watcher.Close()
	}
	return nil
}
