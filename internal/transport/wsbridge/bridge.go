// Package wsbridge serves radar detection packets to WebSocket subscribers.
//
// Each published packet is sent to every client as a binary message. Binary
// messages from a client are treated as relay commands. The relay is Active
// while at least one client is connected.
package wsbridge

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/rd03d.relay/internal/monitoring"
	"github.com/banshee-data/rd03d.relay/internal/relay"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	maxCommandSize = 512
	sendBuffer     = 4
)

var errClientLagging = errors.New("subscriber lagging, packet dropped")

var _ relay.Publisher = (*Bridge)(nil)

// client is one subscriber. Packets are queued on send and written by the
// connection's own goroutine so a slow client cannot hold up the others.
type client struct {
	conn *websocket.Conn
	addr string
	send chan []byte
}

// Bridge is an http.Handler that upgrades requests to WebSocket subscribers.
type Bridge struct {
	upgrader websocket.Upgrader
	ctrl     relay.Control

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New returns a Bridge that reports subscriber presence and commands to ctrl.
func New(ctrl relay.Control) *Bridge {
	return &Bridge{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctrl:    ctrl,
		clients: make(map[*client]struct{}),
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{conn: conn, addr: r.RemoteAddr, send: make(chan []byte, sendBuffer)}
	if !b.addClient(c) {
		conn.Close()
		return
	}
	monitoring.Logf("websocket subscriber connected from %s", c.addr)

	done := make(chan struct{})
	go c.writeLoop(done)
	defer close(done)
	defer b.removeClient(c)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(payload) == 0 {
			continue
		}
		b.ctrl.HandleCommand(payload)
	}
}

// writeLoop is the only writer on the connection. A failed write closes the
// connection, which ends the read loop and removes the client.
func (c *client) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-done:
			return
		case packet := <-c.send:
			err = c.write(websocket.BinaryMessage, packet)
		case <-ticker.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (c *client) write(messageType int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, payload)
}

// Publish queues packet for every connected client without waiting on any of
// them. A client whose queue is full misses the packet.
func (b *Bridge) Publish(packet []byte) error {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	var errs []error
	for _, c := range clients {
		select {
		case c.send <- packet:
		default:
			errs = append(errs, fmt.Errorf("%s: %w", c.addr, errClientLagging))
		}
	}
	return errors.Join(errs...)
}

// Clients returns the number of connected subscribers.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client and refuses new ones.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		b.removeClient(c)
	}
	return nil
}

func (b *Bridge) addClient(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = struct{}{}
	if len(b.clients) == 1 {
		b.ctrl.SetActive(true)
	}
	return true
}

func (b *Bridge) removeClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	if ok && len(b.clients) == 0 {
		b.ctrl.SetActive(false)
	}
	b.mu.Unlock()
	if ok {
		monitoring.Logf("websocket subscriber %s disconnected", c.addr)
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
