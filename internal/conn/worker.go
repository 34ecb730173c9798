// Package conn implements the connection runtime (spec.md §4.6, §5): the
// five cooperating workers (COMMAND, REFRESH, INPUT, OUTPUT, ACCOUNTING),
// each backed by its own FIFO queue, plus the start/send/sync/async/
// shutdown surface and the outer update cycle that ties them together.
//
// Grounded on the teacher's internal/rpc/server_core.go (a mutex-guarded
// Server with readyChan/shutdownChan/doneChan and a single sync.Once
// stop) and cmd/bd/daemon_event_loop.go (a multi-ticker select loop with
// debouncers and graceful signal-driven shutdown), generalized from one
// fixed daemon loop to five independently paced worker loops coordinated
// through golang.org/x/sync/errgroup.
package conn

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/untoldecay/varmesh/internal/rtlog"
)

// ID names one of the five cooperating workers (spec.md §5's table).
type ID string

const (
	Command    ID = "COMMAND"
	Refresh    ID = "REFRESH"
	Input      ID = "INPUT"
	Output     ID = "OUTPUT"
	Accounting ID = "ACCOUNTING"
)

type workerCtxKey struct{}

// onWorker reports whether ctx was produced by worker id's own run loop,
// the condition under which Submit must run its callable inline instead
// of enqueueing — enqueueing here would deadlock the worker against
// itself (spec.md §4.6: "when invoked from the target worker it runs
// inline to avoid deadlock").
func onWorker(ctx context.Context, id ID) bool {
	cur, ok := ctx.Value(workerCtxKey{}).(ID)
	return ok && cur == id
}

type job struct {
	run func(ctx context.Context)
}

// worker owns one FIFO queue of submitted callables and its own
// consecutive/total failure counters (spec.md §5's failure muting).
type worker struct {
	id       ID
	queue    chan job
	log      rtlog.Logger
	closedCh chan struct{}
	closeOne sync.Once

	mu          sync.Mutex
	consecutive int
	total       int64
}

// ErrShutdown is returned by Submit/Async once the connection's worker
// pool has been shut down (spec.md §4.6: "after which every send is a
// no-op with a warning").
var ErrShutdown = &shutdownError{}

type shutdownError struct{}

func (*shutdownError) Error() string { return "conn: worker pool is shut down" }

func newWorker(id ID, queueSize int, log rtlog.Logger) *worker {
	return &worker{
		id:       id,
		queue:    make(chan job, queueSize),
		log:      log,
		closedCh: make(chan struct{}),
	}
}

// run drains w's queue until ctx is canceled or the worker is closed,
// executing each job with a context tagged so nested Submit calls
// targeting the same worker can detect they're already on it.
func (w *worker) run(ctx context.Context) {
	workerCtx := context.WithValue(ctx, workerCtxKey{}, w.id)
	for {
		select {
		case j := <-w.queue:
			j.run(workerCtx)
		case <-ctx.Done():
			w.drain(workerCtx)
			return
		}
	}
}

// drain runs whatever is already queued before exiting, so a caller
// blocked in Submit observes its job complete rather than hang forever
// when shutdown races with submission.
func (w *worker) drain(ctx context.Context) {
	for {
		select {
		case j := <-w.queue:
			j.run(ctx)
		default:
			return
		}
	}
}

func (w *worker) close() {
	w.closeOne.Do(func() { close(w.closedCh) })
}

// submit runs fn on worker w and returns its result, blocking the caller
// until it completes (spec.md §4.6's sync). A caller already running on
// w runs fn inline.
func submit[T any](ctx context.Context, w *worker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if onWorker(ctx, w.id) {
		return fn(ctx)
	}

	select {
	case <-w.closedCh:
		return zero, ErrShutdown
	default:
	}

	type result struct {
		v   T
		err error
	}
	resultCh := make(chan result, 1)
	j := job{run: func(jctx context.Context) {
		v, err := fn(jctx)
		w.recordResult(err)
		resultCh <- result{v, err}
	}}

	select {
	case w.queue <- j:
	case <-w.closedCh:
		return zero, ErrShutdown
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-resultCh:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// submitAsync submits fn to run on worker w without waiting for it to
// finish (spec.md §4.6's async); an uncaught failure is logged with full
// context through w's own muting policy rather than propagated anywhere.
func submitAsync(ctx context.Context, w *worker, fn func(context.Context) error) error {
	if onWorker(ctx, w.id) {
		go func() {
			defer w.recoverPanic()
			if err := fn(ctx); err != nil {
				w.recordResult(err)
			}
		}()
		return nil
	}

	select {
	case <-w.closedCh:
		return ErrShutdown
	default:
	}

	j := job{run: func(jctx context.Context) {
		defer w.recoverPanic()
		err := fn(jctx)
		w.recordResult(err)
	}}
	select {
	case w.queue <- j:
		return nil
	case <-w.closedCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) recoverPanic() {
	if r := recover(); r != nil {
		w.log.Errorf("%s: async callable panicked: %v\n%s", w.id, r, debug.Stack())
	}
}

// recordResult implements spec.md §5's failure-muting policy: the first
// three consecutive failures log with a stack trace, the third is
// immediately followed by a single muting notice, and every 10ᴺ total
// failures thereafter logs a one-line summary. Any success resets the
// consecutive counter.
func (w *worker) recordResult(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		w.consecutive = 0
		return
	}
	w.consecutive++
	w.total++

	switch {
	case w.consecutive <= 3:
		w.log.Errorf("%s: callable failed (%d consecutive): %v\n%s", w.id, w.consecutive, err, debug.Stack())
		if w.consecutive == 3 {
			w.log.Warnf("%s: muting further failure logs until it recovers", w.id)
		}
	case isPowerOfTen(w.total):
		w.log.Warnf("%s: %d total failures so far (still failing)", w.id, w.total)
	}
}

func isPowerOfTen(n int64) bool {
	if n <= 0 {
		return false
	}
	for n%10 == 0 {
		n /= 10
	}
	return n == 1
}

// pool owns the five named workers of one connection and their shared
// lifecycle.
type pool struct {
	command    *worker
	refresh    *worker
	input      *worker
	output     *worker
	accounting *worker
}

func newPool(queueSize int, log rtlog.Logger) *pool {
	return &pool{
		command:    newWorker(Command, queueSize, log),
		refresh:    newWorker(Refresh, queueSize, log),
		input:      newWorker(Input, queueSize, log),
		output:     newWorker(Output, queueSize, log),
		accounting: newWorker(Accounting, queueSize, log),
	}
}

func (p *pool) byID(id ID) *worker {
	switch id {
	case Command:
		return p.command
	case Refresh:
		return p.refresh
	case Input:
		return p.input
	case Output:
		return p.output
	case Accounting:
		return p.accounting
	default:
		return nil
	}
}

func (p *pool) closeAll() {
	p.command.close()
	p.refresh.close()
	p.input.close()
	p.output.close()
	p.accounting.close()
}
