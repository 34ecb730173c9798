package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/varmesh/internal/block"
	"github.com/untoldecay/varmesh/internal/monitor"
	"github.com/untoldecay/varmesh/internal/rtlog"
	"github.com/untoldecay/varmesh/internal/varenv"
)

// Defaults spec.md §6 names directly: incoming polls every 2s absent a
// transport override, and the outgoing cadence falls back to
// default_update (0.1s) when no monitor declares a period of its own.
const (
	defaultIncomingPeriod = 2 * time.Second
	defaultUpdatePeriod   = 100 * time.Millisecond
)

// Options configures Start. Every field has a workable zero value.
type Options struct {
	Logger              rtlog.Logger
	DefaultUpdate       time.Duration
	IndicateStart       bool
	QueueSize           int
	AccountingThreshold time.Duration
	Evaluator           Evaluator
	// OnData is invoked (synchronously, on the COMMAND worker) whenever
	// an inbound "data" block's value differs from what's cached for its
	// name. Optional; data blocks with no subscriber are still deduped
	// and cached, just never handed anywhere.
	OnData func(name string, value json.RawMessage)
}

// Stats are the connection's lifetime counters (SPEC_FULL.md §4's
// status snapshot).
type Stats struct {
	IncomingBlocks int64
	OutgoingBlocks int64
	RefreshCycles  int64
}

// dataEntry is one inbound "data" block's cached value alongside the
// tags it carried, so a later tagged delete block (spec.md §8) can find
// it the same way it finds a tagged monitor.
type dataEntry struct {
	Value json.RawMessage
	Tags  block.StringSet
}

// Connection is one running instance of the engine: a variable
// environment, a monitor manager, a transport, and the five workers that
// drive them (spec.md §3's Connection, §4.6, §5).
//
// Grounded on the teacher's cmd/bd/daemon_event_loop.go event loop
// (multi-ticker select, debounced pumps, signal-driven graceful
// shutdown) generalized from one fixed daemon loop into five
// independently paced worker loops, and internal/rpc/server_core.go's
// shutdownChan/doneChan/sync.Once stop sequencing.
type Connection struct {
	Name     string
	Data     any // opaque user/transport handle, spec.md §3's Connection.data
	Env      *varenv.VarEnv
	Monitors *monitor.Manager

	// InstanceID distinguishes this particular run of Name from any
	// other (a restart under the same name, or two hosts sharing a
	// name): unlike Name, which a caller chooses and may reuse, this is
	// generated fresh every Start so a registry/audit trail can tell
	// restarts apart even when nothing else about the connection changed.
	InstanceID string

	transport Transport
	evaluator Evaluator
	onData    func(name string, value json.RawMessage)
	log       rtlog.Logger

	pool *pool
	acct *accounting

	defaultUpdate time.Duration
	indicateStart bool
	indicated     bool

	stateMu    sync.Mutex
	outgoing   OrderedBlocks
	dataBlocks map[string]dataEntry
	stats      Stats

	startTime time.Time

	shutdownOnce   sync.Once
	shutdownCh     chan struct{}
	shutdownReason string

	cancel context.CancelFunc
	doneCh chan struct{}
}

// Start brings up a connection: builds its variable environment over
// roots, initializes transport, and launches the five workers (spec.md
// §4.6's start).
func Start(ctx context.Context, name string, data any, roots map[string]any, transport Transport, opts Options) (*Connection, error) {
	if transport == nil {
		return nil, fmt.Errorf("conn: transport is required")
	}
	log := opts.Logger
	if log == nil {
		log = rtlog.Discard
	}
	defUpdate := opts.DefaultUpdate
	if defUpdate <= 0 {
		defUpdate = defaultUpdatePeriod
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}

	env := varenv.New(name)
	for rname, value := range roots {
		env.SetRoot(rname, value)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	con := &Connection{
		Name:          name,
		InstanceID:    uuid.New().String(),
		Data:          data,
		Env:           env,
		Monitors:      monitor.NewManager(env, log, defUpdate),
		transport:     transport,
		evaluator:     opts.Evaluator,
		onData:        opts.OnData,
		log:           log,
		pool:          newPool(queueSize, log),
		acct:          newAccounting(opts.AccountingThreshold, log),
		defaultUpdate: defUpdate,
		indicateStart: opts.IndicateStart,
		outgoing:      NewOrderedBlocks(),
		dataBlocks:    make(map[string]dataEntry),
		startTime:     time.Now(),
		shutdownCh:    make(chan struct{}),
		cancel:        cancel,
		doneCh:        make(chan struct{}),
	}

	if err := transport.Init(gctx, con); err != nil {
		cancel()
		return nil, fmt.Errorf("conn: transport init: %w", err)
	}

	// COMMAND and REFRESH are purely reactive: they only ever run
	// callables submitted to them (spec.md §5's ownership table), so the
	// generic queue-draining loop is their entire job.
	group.Go(func() error { con.pool.command.run(gctx); return nil })
	group.Go(func() error { con.pool.refresh.run(gctx); return nil })

	// INPUT, OUTPUT and ACCOUNTING are active pumps with their own
	// cadence; they still drain anything submitted to their queue, but
	// their loop is otherwise driven by the transport or a ticker.
	group.Go(func() error { con.runInput(gctx); return nil })
	group.Go(func() error { con.runOutput(gctx); return nil })
	group.Go(func() error { con.runAccounting(gctx); return nil })

	go func() {
		_ = group.Wait()
		close(con.doneCh)
	}()

	return con, nil
}

// Sync submits fn to worker w and blocks for its result (spec.md §4.6's
// sync). Calling it from the worker it targets runs fn inline.
func (c *Connection) Sync(ctx context.Context, w ID, fn func(context.Context) error) error {
	target := c.pool.byID(w)
	if target == nil {
		return fmt.Errorf("conn: unknown worker %q", w)
	}
	done := c.acct.track(w, "sync")
	defer done()
	_, err := submit(ctx, target, func(jctx context.Context) (struct{}, error) {
		return struct{}{}, fn(jctx)
	})
	return err
}

// Async submits fn to worker w without waiting (spec.md §4.6's async).
func (c *Connection) Async(ctx context.Context, w ID, fn func(context.Context) error) error {
	target := c.pool.byID(w)
	if target == nil {
		return fmt.Errorf("conn: unknown worker %q", w)
	}
	return submitAsync(ctx, target, fn)
}

// Send publishes name as a "data" block carrying value, last write wins
// within one outgoing cycle (spec.md §4.6's send). Sending to a
// shut-down connection logs and discards (spec.md §7).
func (c *Connection) Send(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("conn: marshal send value for %q: %w", name, err)
	}

	_, err = submit(ctx, c.pool.command, func(context.Context) (struct{}, error) {
		c.stateMu.Lock()
		c.dataBlocks[name] = dataEntry{Value: raw}
		c.stateMu.Unlock()
		return struct{}{}, nil
	})
	if err != nil {
		if err == ErrShutdown {
			c.log.Warnf("send %q: connection %q is shut down, discarding", name, c.Name)
		}
		return err
	}

	_, err = submit(ctx, c.pool.refresh, func(context.Context) (struct{}, error) {
		wrapped, werr := buildDataBlock(name, raw)
		if werr != nil {
			return struct{}{}, werr
		}
		c.stateMu.Lock()
		c.outgoing.Set(name, block.Block{Type: block.TypeData, Name: name, Raw: wrapped, Value: raw})
		c.stateMu.Unlock()
		return struct{}{}, nil
	})
	return err
}

// Shutdown closes every worker queue, records reason for Status(), and
// waits for all five workers to drain and exit (spec.md §4.6's
// shutdown). Subsequent Send/Sync/Async calls fail with ErrShutdown.
func (c *Connection) Shutdown(reason string) {
	c.shutdownOnce.Do(func() {
		c.stateMu.Lock()
		c.shutdownReason = reason
		c.stateMu.Unlock()
		close(c.shutdownCh)
		c.pool.closeAll()
		c.cancel()
	})
	<-c.doneCh
}

// runInput is the INPUT pump (spec.md §5): repeatedly calls
// GetUpdates, handing any returned batch to COMMAND for dispatch.
func (c *Connection) runInput(ctx context.Context) {
	w := c.pool.input
	workerCtx := context.WithValue(ctx, workerCtxKey{}, Input)
	for {
		select {
		case <-ctx.Done():
			w.drain(workerCtx)
			return
		default:
		}
		w.drain(workerCtx)

		updates, err := c.transport.GetUpdates(ctx, c, c.incomingPeriod())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.pool.input.recordResult(err)
			continue
		}
		c.pool.input.recordResult(nil)
		if updates.Len() == 0 {
			continue
		}

		c.recordIncoming(updates.Len())
		if _, err := submit(workerCtx, c.pool.command, func(jctx context.Context) (struct{}, error) {
			c.dispatchBatch(jctx, updates)
			return struct{}{}, nil
		}); err != nil && err != ErrShutdown {
			c.log.Warnf("input: handoff to command: %v", err)
		}
	}
}

// runOutput is the OUTPUT pump (spec.md §5): paces itself at
// outgoing_update_period/10, asks REFRESH to tick the monitors due, then
// drains and sends whatever landed in outgoing.
func (c *Connection) runOutput(ctx context.Context) {
	w := c.pool.output
	workerCtx := context.WithValue(ctx, workerCtxKey{}, Output)
	for {
		select {
		case <-ctx.Done():
			w.drain(workerCtx)
			return
		default:
		}
		w.drain(workerCtx)

		sleepFor := c.outgoingPeriod() / 10
		if sleepFor <= 0 {
			sleepFor = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepFor):
		}

		if _, err := submit(workerCtx, c.pool.refresh, func(jctx context.Context) (struct{}, error) {
			c.runRefreshTick(jctx)
			return struct{}{}, nil
		}); err != nil {
			if err != ErrShutdown {
				c.log.Warnf("output: refresh handoff: %v", err)
			}
			continue
		}

		batch := c.snapshotOutgoing()
		if !c.transport.HasUpdates(batch) {
			continue
		}

		done := c.acct.track(Output, "send_updates")
		sendErr := c.transport.SendUpdates(ctx, c, batch)
		done()
		c.pool.output.recordResult(sendErr)
		if sendErr != nil {
			continue
		}

		c.recordOutgoing(batch.Len())
		if c.indicateStart && !c.indicated {
			c.indicated = true
			fmt.Println("READY")
		}
	}
}

// runAccounting periodically sweeps inflight callables for ones running
// past threshold, warning without ever interrupting them (spec.md §5).
func (c *Connection) runAccounting(ctx context.Context) {
	w := c.pool.accounting
	workerCtx := context.WithValue(ctx, workerCtxKey{}, Accounting)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.drain(workerCtx)
			return
		case j := <-w.queue:
			j.run(workerCtx)
		case now := <-ticker.C:
			c.acct.sweep(now)
		}
	}
}

// dispatchBatch runs on COMMAND: sorts one incoming batch lexicographically
// by name and dispatches each block in turn (spec.md §4.5).
func (c *Connection) dispatchBatch(ctx context.Context, updates OrderedBlocks) {
	blocks := make([]block.Block, 0, updates.Len())
	updates.Range(func(_ string, b block.Block) { blocks = append(blocks, b) })
	block.SortByName(blocks)
	for _, b := range blocks {
		c.dispatchOne(ctx, b)
	}
}

func (c *Connection) dispatchOne(ctx context.Context, b block.Block) {
	switch b.Type {
	case block.TypeMonitor:
		if err := c.Monitors.Ingest(b.Name, b); err != nil {
			c.log.Warnf("command: monitor %q: %v", b.Name, err)
			return
		}
		c.Monitors.Force(b.Name)
	case block.TypeData:
		c.applyInboundData(b)
	case block.TypeDelete:
		c.applyDelete(b)
	case block.TypeCode:
		c.applyCode(ctx, b)
	default:
		c.log.Warnf("command: block %q has unknown type %q", b.Name, b.Type)
	}
}

// applyInboundData caches b's value and hands it to OnData only when it
// actually differs from the last cached value for b.Name (spec.md §4.5's
// data-block dedup).
func (c *Connection) applyInboundData(b block.Block) {
	c.stateMu.Lock()
	prev, existed := c.dataBlocks[b.Name]
	c.dataBlocks[b.Name] = dataEntry{
		Value: append(json.RawMessage(nil), b.Value...),
		Tags:  b.Tags,
	}
	c.stateMu.Unlock()

	if existed && string(prev.Value) == string(b.Value) {
		return
	}
	if c.onData != nil {
		c.onData(b.Name, b.Value)
	}
}

// applyDelete handles the three value shapes spec.md §4.5 and §8 allow
// for a delete block's value: a bare name, an array of names, or
// {tagged: tag | [tag, ...]} removing every monitor and data block
// carrying one of the named tags. Decoding is shared with
// internal/block's own Router so both paths agree on the shape.
func (c *Connection) applyDelete(b block.Block) {
	target, err := block.ParseDeleteValue(b.Value)
	if err != nil {
		c.log.Warnf("command: delete %q: %v", b.Name, err)
		return
	}
	for _, name := range target.Names {
		if c.Monitors.Delete(name) {
			continue
		}
		c.removeDataBlock(name)
	}
	for _, tag := range target.Tagged {
		for _, name := range c.Monitors.NamesWithTag(tag) {
			c.Monitors.Delete(name)
		}
		for _, name := range c.dataNamesWithTag(tag) {
			c.removeDataBlock(name)
		}
	}
}

func (c *Connection) removeDataBlock(name string) {
	c.stateMu.Lock()
	delete(c.dataBlocks, name)
	c.outgoing.Delete(name)
	c.stateMu.Unlock()
}

// dataNamesWithTag mirrors monitor.Manager.NamesWithTag for cached data
// blocks, so a tagged delete block removes matching data blocks too.
func (c *Connection) dataNamesWithTag(tag string) []string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	var out []string
	for name, entry := range c.dataBlocks {
		if entry.Tags.Has(tag) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Connection) applyCode(ctx context.Context, b block.Block) {
	if c.evaluator == nil {
		c.log.Warnf("command: code block %q: no evaluator installed", b.Name)
		return
	}
	// Pulled with gjson rather than a throwaway decode struct: code/data
	// are the only two fields a code block's payload needs, and gjson
	// reads them directly out of the raw bytes without allocating an
	// intermediate Go value for the rest of the object.
	if len(b.Raw) > 0 && !gjson.ValidBytes(b.Raw) {
		c.log.Warnf("command: code block %q: invalid JSON", b.Name)
		return
	}
	result := gjson.ParseBytes(b.Raw)
	code := result.Get("code").String()
	var data json.RawMessage
	if dataResult := result.Get("data"); dataResult.Exists() {
		data = json.RawMessage(dataResult.Raw)
	}
	if _, err := c.evaluator.Eval(ctx, b.Name, code, data); err != nil {
		c.log.Warnf("command: code block %q: eval: %v", b.Name, err)
	}
}

// runRefreshTick runs on REFRESH: ticks every due monitor and merges its
// outgoing publish into the pending outgoing batch (spec.md §4.4, §5).
func (c *Connection) runRefreshTick(_ context.Context) {
	outs, err := c.Monitors.Tick(time.Now())
	if err != nil {
		c.log.Warnf("refresh: tick: %v", err)
		return
	}
	if len(outs) == 0 {
		return
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, ob := range outs {
		wrapped, werr := wrapMonitorOutgoing(ob.Name, ob.JSON)
		if werr != nil {
			c.log.Warnf("refresh: wrap outgoing %q: %v", ob.Name, werr)
			continue
		}
		c.outgoing.Set(ob.Name, block.Block{
			Type: block.TypeMonitor, Name: ob.Name, Topics: ob.Topics, Raw: wrapped, Value: wrapped,
		})
	}
	c.stats.RefreshCycles++
}

func (c *Connection) snapshotOutgoing() OrderedBlocks {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	batch := c.outgoing
	c.outgoing = NewOrderedBlocks()
	return batch
}

func (c *Connection) recordIncoming(n int) {
	c.stateMu.Lock()
	c.stats.IncomingBlocks += int64(n)
	c.stateMu.Unlock()
}

func (c *Connection) recordOutgoing(n int) {
	c.stateMu.Lock()
	c.stats.OutgoingBlocks += int64(n)
	c.stateMu.Unlock()
}

func (c *Connection) incomingPeriod() time.Duration {
	if p := c.transport.IncomingUpdatePeriod(c); p > 0 {
		return p
	}
	return defaultIncomingPeriod
}

// outgoingPeriod is the transport's own override, else the minimum of
// every known monitor's update period, else default_update (spec.md §6).
func (c *Connection) outgoingPeriod() time.Duration {
	if p := c.transport.OutgoingUpdatePeriod(c); p > 0 {
		return p
	}
	var min time.Duration
	for _, name := range c.Monitors.Names() {
		data, ok := c.Monitors.Get(name)
		if !ok || data.Update <= 0 {
			continue
		}
		if min == 0 || data.Update < min {
			min = data.Update
		}
	}
	if min > 0 {
		return min
	}
	return c.defaultUpdate
}

// wrapMonitorOutgoing merges a monitor's assembled payload (root,
// optional rename/update/quiet/updatetopics, value) under the final
// wire envelope's type/name fields, preserving the payload's own key
// order (spec.md §4.4, §6).
func wrapMonitorOutgoing(name string, payload json.RawMessage) (json.RawMessage, error) {
	keys, err := block.OrderedKeys(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	b := block.NewOutgoingBuilder(nil, nil)
	if err := b.Set("type", string(block.TypeMonitor)); err != nil {
		return nil, err
	}
	if err := b.Set("name", name); err != nil {
		return nil, err
	}
	for _, k := range keys {
		b.SetRaw(k, fields[k])
	}
	return b.Build()
}

// buildDataBlock wraps an outbound Send() value as a full "data" block.
func buildDataBlock(name string, value json.RawMessage) (json.RawMessage, error) {
	b := block.NewOutgoingBuilder(nil, nil)
	if err := b.Set("type", string(block.TypeData)); err != nil {
		return nil, err
	}
	if err := b.Set("name", name); err != nil {
		return nil, err
	}
	b.SetRaw("value", value)
	return b.Build()
}

// Status is a point-in-time diagnostic snapshot (SPEC_FULL.md §4).
type Status struct {
	Name           string
	InstanceID     string
	Uptime         time.Duration
	Monitors       []MonitorStatus
	Stats          Stats
	Inflight       []InflightCallable
	ShuttingDown   bool
	ShutdownReason string
}

// MonitorStatus summarizes one monitor's current configuration.
type MonitorStatus struct {
	Name         string
	Quiet        bool
	Disabled     bool
	UpdatePeriod time.Duration
}

// Status reports a diagnostic snapshot: uptime, per-monitor state,
// lifetime counters, and any callable running long enough for the
// accounting worker to be tracking it.
func (c *Connection) Status() Status {
	now := time.Now()

	c.stateMu.Lock()
	stats := c.stats
	reason := c.shutdownReason
	c.stateMu.Unlock()

	var shuttingDown bool
	select {
	case <-c.shutdownCh:
		shuttingDown = true
	default:
	}

	names := c.Monitors.Names()
	monitors := make([]MonitorStatus, 0, len(names))
	for _, name := range names {
		data, ok := c.Monitors.Get(name)
		if !ok {
			continue
		}
		monitors = append(monitors, MonitorStatus{
			Name: name, Quiet: data.Quiet, Disabled: data.Disabled, UpdatePeriod: data.Update,
		})
	}

	return Status{
		Name:           c.Name,
		InstanceID:     c.InstanceID,
		Uptime:         now.Sub(c.startTime),
		Monitors:       monitors,
		Stats:          stats,
		Inflight:       c.acct.Snapshot(now),
		ShuttingDown:   shuttingDown,
		ShutdownReason: reason,
	}
}
