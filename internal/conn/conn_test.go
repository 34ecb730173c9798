package conn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/untoldecay/varmesh/internal/block"
)

// fakeTransport is an in-memory Transport: push to its inbound channel to
// feed inbound blocks, and read its sent slice to observe whatever
// SendUpdates has flushed so far. It
// blocks GetUpdates on a channel rather than polling, so tests don't
// need to guess at timing beyond "wait for a send".
type fakeTransport struct {
	mu       sync.Mutex
	inbound  chan OrderedBlocks
	sent     []OrderedBlocks
	sentCond chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan OrderedBlocks, 8),
		sentCond: make(chan struct{}, 64),
	}
}

func (f *fakeTransport) Init(context.Context, *Connection) error { return nil }

func (f *fakeTransport) IncomingUpdatePeriod(*Connection) time.Duration { return 0 }
func (f *fakeTransport) OutgoingUpdatePeriod(*Connection) time.Duration {
	return 20 * time.Millisecond
}

func (f *fakeTransport) GetUpdates(ctx context.Context, _ *Connection, wait time.Duration) (OrderedBlocks, error) {
	select {
	case ob := <-f.inbound:
		return ob, nil
	case <-time.After(wait):
		return NewOrderedBlocks(), nil
	case <-ctx.Done():
		return NewOrderedBlocks(), ctx.Err()
	}
}

func (f *fakeTransport) SendUpdates(_ context.Context, _ *Connection, outgoing OrderedBlocks) error {
	f.mu.Lock()
	f.sent = append(f.sent, outgoing)
	f.mu.Unlock()
	select {
	case f.sentCond <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeTransport) HasUpdates(outgoing OrderedBlocks) bool { return outgoing.Len() > 0 }

// waitForNonEmptySend blocks until SendUpdates has been called at least once
// with a non-empty batch, or the deadline passes.
func (f *fakeTransport) waitForNonEmptySend(t *testing.T, timeout time.Duration) OrderedBlocks {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, ob := range f.sent {
			if ob.Len() > 0 {
				f.mu.Unlock()
				return ob
			}
		}
		f.mu.Unlock()
		select {
		case <-f.sentCond:
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatalf("timed out waiting for a non-empty SendUpdates batch")
	return OrderedBlocks{}
}

func decodeConnBlock(t *testing.T, raw string) block.Block {
	t.Helper()
	var b block.Block
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("decode block: %v", err)
	}
	return b
}

func TestStartIngestsMonitorAndPublishesSnapshot(t *testing.T) {
	ft := newFakeTransport()
	person := map[string]any{"name": "Herman"}

	con, err := Start(context.Background(), "test", nil, map[string]any{"person": person}, ft, Options{
		QueueSize: 8,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer con.Shutdown("test complete")

	var ob OrderedBlocks
	ob.Set("m1", decodeConnBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":""}}`))
	ft.inbound <- ob

	sent := ft.waitForNonEmptySend(t, time.Second)
	b, ok := sent.Get("m1")
	if !ok {
		t.Fatalf("expected m1 in outgoing batch, got names %v", sent.Names())
	}

	var decoded map[string]any
	if err := json.Unmarshal(b.Raw, &decoded); err != nil {
		t.Fatalf("decode wrapped outgoing: %v", err)
	}
	if decoded["type"] != "monitor" {
		t.Fatalf("expected type monitor, got %v", decoded["type"])
	}
	if decoded["name"] != "m1" {
		t.Fatalf("expected name m1, got %v", decoded["name"])
	}
	value, ok := decoded["value"].(map[string]any)
	if !ok {
		t.Fatalf("expected value object, got %v", decoded["value"])
	}
	if value["name"] != "Herman" {
		t.Fatalf("value.name = %v, want Herman", value["name"])
	}
}

func TestSendPublishesDataBlock(t *testing.T) {
	ft := newFakeTransport()
	con, err := Start(context.Background(), "test", nil, nil, ft, Options{QueueSize: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer con.Shutdown("test complete")

	if err := con.Send(context.Background(), "counter", 42); err != nil {
		t.Fatalf("send: %v", err)
	}

	sent := ft.waitForNonEmptySend(t, time.Second)
	b, ok := sent.Get("counter")
	if !ok {
		t.Fatalf("expected counter in outgoing batch, got names %v", sent.Names())
	}
	var decoded map[string]any
	if err := json.Unmarshal(b.Raw, &decoded); err != nil {
		t.Fatalf("decode wrapped data block: %v", err)
	}
	if decoded["type"] != "data" {
		t.Fatalf("expected type data, got %v", decoded["type"])
	}
	if decoded["value"].(float64) != 42 {
		t.Fatalf("value = %v, want 42", decoded["value"])
	}
}

// fakeEvaluator records every code block it's asked to run.
type fakeEvaluator struct {
	mu    sync.Mutex
	calls []struct {
		name, code string
		data       json.RawMessage
	}
}

func (e *fakeEvaluator) Eval(_ context.Context, name, code string, data json.RawMessage) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, struct {
		name, code string
		data       json.RawMessage
	}{name, code, append(json.RawMessage(nil), data...)})
	return nil, nil
}

func (e *fakeEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func TestCodeBlockDispatchesCodeAndDataFields(t *testing.T) {
	ft := newFakeTransport()
	ev := &fakeEvaluator{}
	con, err := Start(context.Background(), "test", nil, nil, ft, Options{QueueSize: 8, Evaluator: ev})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer con.Shutdown("test complete")

	var batch OrderedBlocks
	batch.Set("hook", decodeConnBlock(t, `{"type":"code","name":"hook","code":"greet.sh","data":{"who":"Herman"}}`))
	ft.inbound <- batch

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && ev.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.calls) != 1 {
		t.Fatalf("expected 1 eval call, got %d", len(ev.calls))
	}
	call := ev.calls[0]
	if call.name != "hook" || call.code != "greet.sh" {
		t.Fatalf("unexpected call: %+v", call)
	}
	var data map[string]any
	if err := json.Unmarshal(call.data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["who"] != "Herman" {
		t.Fatalf("data = %v, want who=Herman", data)
	}
}

func TestDeleteBlockRemovesMonitor(t *testing.T) {
	ft := newFakeTransport()
	person := map[string]any{"name": "Herman"}
	con, err := Start(context.Background(), "test", nil, map[string]any{"person": person}, ft, Options{QueueSize: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer con.Shutdown("test complete")

	var install OrderedBlocks
	install.Set("m1", decodeConnBlock(t, `{"type":"monitor","name":"m1","root":"@person","value":{"name":""}}`))
	ft.inbound <- install
	ft.waitForNonEmptySend(t, time.Second)

	var del OrderedBlocks
	del.Set("m1", decodeConnBlock(t, `{"type":"delete","name":"m1","value":"m1"}`))
	ft.inbound <- del

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := con.Monitors.Get("m1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected monitor m1 to be deleted")
}

func TestDeleteBlockTaggedRemovesMatchingMonitor(t *testing.T) {
	ft := newFakeTransport()
	person := map[string]any{"name": "Herman"}
	con, err := Start(context.Background(), "test", nil, map[string]any{"person": person}, ft, Options{QueueSize: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer con.Shutdown("test complete")

	var install OrderedBlocks
	install.Set("m1", decodeConnBlock(t, `{"type":"monitor","name":"m1","tags":"ui","root":"@person","value":{"name":""}}`))
	install.Set("m2", decodeConnBlock(t, `{"type":"monitor","name":"m2","tags":"other","root":"@person","value":{"name":""}}`))
	ft.inbound <- install
	ft.waitForNonEmptySend(t, time.Second)

	var del OrderedBlocks
	del.Set("del", decodeConnBlock(t, `{"type":"delete","name":"del","value":{"tagged":"ui"}}`))
	ft.inbound <- del

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, m1Present := con.Monitors.Get("m1")
		_, m2Present := con.Monitors.Get("m2")
		if !m1Present && m2Present {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected only tagged monitor m1 to be deleted")
}

func TestDeleteBlockTaggedRemovesMatchingDataBlock(t *testing.T) {
	ft := newFakeTransport()
	con, err := Start(context.Background(), "test", nil, nil, ft, Options{QueueSize: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer con.Shutdown("test complete")

	var install OrderedBlocks
	install.Set("d1", decodeConnBlock(t, `{"type":"data","name":"d1","tags":"ui","value":1}`))
	install.Set("d2", decodeConnBlock(t, `{"type":"data","name":"d2","tags":"other","value":2}`))
	ft.inbound <- install

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		con.stateMu.Lock()
		_, d1Present := con.dataBlocks["d1"]
		_, d2Present := con.dataBlocks["d2"]
		con.stateMu.Unlock()
		if d1Present && d2Present {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var del OrderedBlocks
	del.Set("del", decodeConnBlock(t, `{"type":"delete","name":"del","value":{"tagged":["ui"]}}`))
	ft.inbound <- del

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		con.stateMu.Lock()
		_, d1Present := con.dataBlocks["d1"]
		_, d2Present := con.dataBlocks["d2"]
		con.stateMu.Unlock()
		if !d1Present && d2Present {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected only tagged data block d1 to be deleted")
}

func TestShutdownStopsWorkersAndStatusReportsIt(t *testing.T) {
	ft := newFakeTransport()
	con, err := Start(context.Background(), "test", nil, nil, ft, Options{QueueSize: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	con.Shutdown("requested by test")

	status := con.Status()
	if !status.ShuttingDown {
		t.Fatalf("expected ShuttingDown true after Shutdown")
	}
	if status.ShutdownReason != "requested by test" {
		t.Fatalf("got reason %q", status.ShutdownReason)
	}

	if err := con.Send(context.Background(), "x", 1); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown sending after shutdown, got %v", err)
	}
}
