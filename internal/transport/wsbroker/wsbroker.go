// Package wsbroker implements a websocket-broadcast Transport
// (SPEC_FULL.md §3.1), grounded directly on the teacher's
// examples/monitor-webui: an http.HandlerFunc, mounted by the caller on
// its own server, upgrading connections with gorilla/websocket, and a
// broadcast fan-out to every connected client — generalized from
// monitor-webui's one-way
// "broadcast daemon mutations" dashboard to a two-way transport where
// client messages are themselves inbound blocks rather than just
// read-and-discard keepalives.
package wsbroker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/untoldecay/varmesh/internal/block"
	"github.com/untoldecay/varmesh/internal/conn"
	"github.com/untoldecay/varmesh/internal/rtlog"
)

// defaultStream is the topic name an untargeted, topic-less client is
// understood to be watching (block.OnTopic's defaultStream argument,
// spec.md §4.5: "topics is empty and topic is the connection's default
// output stream").
const defaultStream = "default"

// wsClient is one connected subscriber: its websocket connection plus
// the subscriber name and topic subscriptions it announced on connect,
// used to filter SendUpdates's broadcast per spec.md §4.5 ("Transports
// further filter by topic").
type wsClient struct {
	conn       *websocket.Conn
	subscriber string
	topics     []string // empty: watching only defaultStream
}

func (c *wsClient) wants(b block.Block) bool {
	if !b.Targeted(c.subscriber) {
		return false
	}
	if len(c.topics) == 0 {
		return b.OnTopic(defaultStream, defaultStream)
	}
	for _, topic := range c.topics {
		if b.OnTopic(topic, defaultStream) {
			return true
		}
	}
	return false
}

// Transport serves outgoing blocks to every connected websocket client,
// filtered per client by its announced subscriber name/topics, and
// accepts inbound blocks from whatever a client sends. Init does
// nothing; the caller mounts Handler on its own server's mux.
type Transport struct {
	log rtlog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*wsClient

	inbound chan conn.OrderedBlocks
}

// New returns a Transport ready to have its handler mounted via Handler.
// log may be nil, in which case rtlog.Discard is used.
func New(log rtlog.Logger) *Transport {
	if log == nil {
		log = rtlog.Discard
	}
	return &Transport{
		log:     log,
		clients: make(map[*websocket.Conn]*wsClient),
		inbound: make(chan conn.OrderedBlocks, 32),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the http.HandlerFunc to mount at the server's websocket
// path (e.g. mux.HandleFunc("/ws", t.Handler())). A client announces
// itself via query parameters on the upgrade request: ?subscriber=name
// sets the name block.Targeted matches against, and one or more
// repeated ?topic=x params set the topics it watches (watching
// defaultStream only when none are given).
func (t *Transport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Warnf("wsbroker: upgrade failed: %v", err)
			return
		}
		client := &wsClient{
			conn:       wsConn,
			subscriber: r.URL.Query().Get("subscriber"),
			topics:     r.URL.Query()["topic"],
		}
		t.mu.Lock()
		t.clients[wsConn] = client
		t.mu.Unlock()

		go t.readLoop(wsConn)
	}
}

// readLoop decodes each client message as a single block and enqueues it
// as a one-block inbound batch, until the client disconnects.
func (t *Transport) readLoop(wsConn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.clients, wsConn)
		t.mu.Unlock()
		wsConn.Close()
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		var b block.Block
		if err := json.Unmarshal(data, &b); err != nil {
			t.log.Warnf("wsbroker: dropping malformed client message: %v", err)
			continue
		}
		var ob conn.OrderedBlocks
		ob.Set(b.Name, b)
		t.inbound <- ob
	}
}

func (t *Transport) Init(context.Context, *conn.Connection) error { return nil }

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

// SendUpdates sends each outgoing block only to the clients whose
// announced subscriber/topics accept it (block.Targeted/OnTopic, spec.md
// §4.5), closing and removing any client whose write fails.
func (t *Transport) SendUpdates(_ context.Context, _ *conn.Connection, outgoing conn.OrderedBlocks) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	outgoing.Range(func(_ string, b block.Block) {
		payload := b.Raw
		if len(payload) == 0 {
			return
		}
		for wsConn, client := range t.clients {
			if !client.wants(b) {
				continue
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, payload); err != nil {
				t.log.Warnf("wsbroker: write failed, dropping client: %v", err)
				wsConn.Close()
				delete(t.clients, wsConn)
			}
		}
	})
	return nil
}

func (t *Transport) HasUpdates(outgoing conn.OrderedBlocks) bool { return outgoing.Len() > 0 }

// ClientCount reports how many websocket clients are currently connected.
func (t *Transport) ClientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}
