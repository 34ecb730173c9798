package conn

import (
	"sync"
	"time"

	"github.com/untoldecay/varmesh/internal/rtlog"
)

// accounting tracks every callable currently submitted to a worker and
// warns — but never kills — one that runs past threshold (spec.md §5:
// "the accounting worker warns, it never kills"; SPEC_FULL.md §4's
// default threshold of 5s, scaled down from the teacher's 30s
// requestTimeout since this engine polls far more often than an RPC
// round trip).
type accounting struct {
	threshold time.Duration
	log       rtlog.Logger

	mu      sync.Mutex
	inflight map[int64]inflightEntry
	nextID   int64
}

type inflightEntry struct {
	worker    ID
	label     string
	startedAt time.Time
}

func newAccounting(threshold time.Duration, log rtlog.Logger) *accounting {
	if threshold <= 0 {
		threshold = 5 * time.Second
	}
	return &accounting{
		threshold: threshold,
		log:       log,
		inflight:  make(map[int64]inflightEntry),
	}
}

// track registers the start of a submitted callable and returns a
// function to call on its completion.
func (a *accounting) track(worker ID, label string) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.inflight[id] = inflightEntry{worker: worker, label: label, startedAt: timeNow()}
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.inflight, id)
		a.mu.Unlock()
	}
}

// sweep logs a warning for every callable that has been running longer
// than threshold. Called periodically by the ACCOUNTING worker's own
// loop; it never cancels or interrupts the callables it reports on.
func (a *accounting) sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, entry := range a.inflight {
		running := now.Sub(entry.startedAt)
		if running >= a.threshold {
			a.log.Warnf("accounting: %s callable %q has been running %s (threshold %s), id=%d",
				entry.worker, entry.label, running.Round(time.Millisecond), a.threshold, id)
		}
	}
}

// Snapshot reports every callable currently tracked, for Status().
func (a *accounting) Snapshot(now time.Time) []InflightCallable {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]InflightCallable, 0, len(a.inflight))
	for _, entry := range a.inflight {
		out = append(out, InflightCallable{
			Worker:   entry.worker,
			Label:    entry.label,
			Duration: now.Sub(entry.startedAt),
		})
	}
	return out
}

// InflightCallable is a Status() snapshot entry describing one
// in-progress submitted callable.
type InflightCallable struct {
	Worker   ID
	Label    string
	Duration time.Duration
}

// timeNow exists so tests can be confident about ordering without the
// package reaching for time.Now() in more than one place; production
// code always calls the real clock.
var timeNow = time.Now
