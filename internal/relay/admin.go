package relay

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rd03d.relay/internal/httputil"
)

// Tap fans published detections out to any number of live subscribers, such
// as the /debug/tail event stream. Slow subscribers miss detections rather
// than hold up the publisher.
type Tap struct {
	mu          sync.Mutex
	subscribers map[string]chan Detection
	closing     bool
}

// NewTap returns a Tap with no subscribers.
func NewTap() *Tap {
	return &Tap{subscribers: make(map[string]chan Detection)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving detections. The ID is used to
// unsubscribe.
func (t *Tap) Subscribe() (string, <-chan Detection) {
	id := randomID()
	ch := make(chan Detection, 8)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Tap) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Observe implements Observer.
func (t *Tap) Observe(d Detection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- d:
		default:
			// if the channel is full skip so as not to block the publisher
		}
	}
}

// Close closes all subscriber channels.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}

// AttachAdminRoutes attaches relay debugging endpoints to the given HTTP mux
// under /debug/. These routes are accessible only over localhost or via
// Tailscale.
func (r *Relay) AttachAdminRoutes(mux *http.ServeMux, tap *Tap) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Subscriber attached", func() any { return r.Active() })
	debug.KVFunc("Frames decoded", func() any { return r.Stats().Sync.Frames })
	debug.KVFunc("Packets published", func() any { return r.Stats().Published })

	debug.HandleFunc("relay-stats", "relay and synchronizer counters", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSONOK(w, r.Stats())
	})

	// API endpoint to inject a subscriber command, given as hex, e.g. command=01
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, req *http.Request) {
		if !httputil.AllowMethods(w, req, http.MethodPost) {
			return
		}
		command := strings.TrimSpace(req.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "Missing command")
			return
		}
		raw, err := hex.DecodeString(command)
		if err != nil || len(raw) == 0 {
			httputil.BadRequest(w, "Command must be hex encoded bytes")
			return
		}
		r.HandleCommand(raw)
		httputil.WriteJSONOK(w, map[string]string{"applied": hex.EncodeToString(raw)})
	})

	// API endpoint to issue Server-Side Events (SSE) for each published detection.
	debug.HandleFunc("tail", "live stream of published detections", func(w http.ResponseWriter, req *http.Request) {
		if !httputil.AllowMethods(w, req, http.MethodGet) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := tap.Subscribe()
		defer tap.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case d, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(d)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-req.Context().Done():
				return
			}
		}
	})
}
