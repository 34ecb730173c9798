// Package memory implements an in-process channel Transport (SPEC_FULL.md
// §3.1): inbound blocks are pushed directly onto a buffered channel and
// outbound batches are appended to a slice a caller can drain, with no
// socket or filesystem in the loop at all. It exists for tests and for
// single-binary embedding where the subscriber lives in the same process
// as the engine.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/untoldecay/varmesh/internal/conn"
)

// Transport is a conn.Transport backed entirely by in-memory channels and
// a mutex-guarded slice.
type Transport struct {
	incomingPeriod time.Duration
	outgoingPeriod time.Duration

	inbound chan conn.OrderedBlocks

	mu   sync.Mutex
	sent []conn.OrderedBlocks
	cond chan struct{}
}

// New returns a ready-to-use Transport. incomingPeriod/outgoingPeriod of
// 0 defer to the connection's own defaults.
func New(incomingPeriod, outgoingPeriod time.Duration) *Transport {
	return &Transport{
		incomingPeriod: incomingPeriod,
		outgoingPeriod: outgoingPeriod,
		inbound:        make(chan conn.OrderedBlocks, 32),
		cond:           make(chan struct{}, 64),
	}
}

// Publish enqueues an inbound batch as if a subscriber had sent it.
func (t *Transport) Publish(ob conn.OrderedBlocks) {
	t.inbound <- ob
}

func (t *Transport) Init(context.Context, *conn.Connection) error { return nil }

func (t *Transport) IncomingUpdatePeriod(*conn.Connection) time.Duration { return t.incomingPeriod }
func (t *Transport) OutgoingUpdatePeriod(*conn.Connection) time.Duration { return t.outgoingPeriod }

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

func (t *Transport) SendUpdates(_ context.Context, _ *conn.Connection, outgoing conn.OrderedBlocks) error {
	t.mu.Lock()
	t.sent = append(t.sent, outgoing)
	t.mu.Unlock()
	select {
	case t.cond <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) HasUpdates(outgoing conn.OrderedBlocks) bool { return outgoing.Len() > 0 }

// Sent returns every batch SendUpdates has received so far, in order.
func (t *Transport) Sent() []conn.OrderedBlocks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]conn.OrderedBlocks(nil), t.sent...)
}

// Notify returns a channel that receives a value each time SendUpdates is
// called, letting a caller wait for the next flush without polling.
func (t *Transport) Notify() <-chan struct{} { return t.cond }
