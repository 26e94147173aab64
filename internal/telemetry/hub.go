package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

// Event is one message fanned out to live subscribers. States carries every
// motor's current error status; it is sent first on subscribe and again
// whenever a status change could not be queued for the subscriber.
type Event struct {
	Points []Point        `json:"points,omitempty"`
	Status *StatusUpdate  `json:"status,omitempty"`
	States []StatusUpdate `json:"states,omitempty"`
}

type subscriber struct {
	ch chan Event
	// resync is set when a status change was missed; the next event that
	// fits is a full snapshot.
	resync bool
}

// Hub is a PlotSink and StatusSink that fans events out to any number of
// subscribers. Slow subscribers miss point batches rather than stalling
// delivery, but always recover the latest error status of every motor.
type Hub struct {
	mu          sync.Mutex
	keys        []string
	subscribers map[uuid.UUID]*subscriber
	states      map[int]StatusUpdate
	missed      uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID]*subscriber),
		states:      make(map[int]StatusUpdate),
	}
}

func (h *Hub) Register(keys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = append([]string(nil), keys...)
}

// Keys returns the registered plot keys.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.keys...)
}

func (h *Hub) Push(points []Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publish(Event{Points: points}, false)
}

func (h *Hub) StatusChanged(u StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[u.Motor] = u
	h.publish(Event{Status: &u}, true)
}

// States returns the last status delivered for each motor that has reported
// one, ordered by motor.
func (h *Hub) States() []StatusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *Hub) snapshot() []StatusUpdate {
	out := make([]StatusUpdate, 0, len(h.states))
	for _, u := range h.states {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Motor < out[j].Motor })
	return out
}

// publish must be called with h.mu held.
func (h *Hub) publish(ev Event, isStatus bool) {
	for _, sub := range h.subscribers {
		if sub.resync {
			if !trySend(sub.ch, Event{States: h.snapshot()}) {
				h.missed++
				continue
			}
			sub.resync = false
			if isStatus {
				// The snapshot already carries this change.
				continue
			}
		}
		if !trySend(sub.ch, ev) {
			h.missed++
			if isStatus {
				sub.resync = true
			}
		}
	}
}

func trySend(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Subscribe returns a new subscription with the given channel depth. When any
// motor has reported a status, the first event is a snapshot of them all.
func (h *Hub) Subscribe(depth int) (uuid.UUID, <-chan Event) {
	if depth <= 0 {
		depth = 16
	}
	id := uuid.New()
	sub := &subscriber{ch: make(chan Event, depth)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) > 0 {
		sub.ch <- Event{States: h.snapshot()}
	}
	h.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[id]; ok {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Missed returns how many events were skipped for slow subscribers.
func (h *Hub) Missed() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// AttachAdminRoutes adds a server-sent-events tail of status changes under
// /debug/status-tail.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("status-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
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
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := h.Subscribe(64)
		defer h.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case ev, ok := <-c:
				if !ok {
					return
				}
				updates := ev.States
				if ev.Status != nil {
					updates = []StatusUpdate{*ev.Status}
				}
				if len(updates) == 0 {
					continue
				}
				for _, u := range updates {
					b, err := json.Marshal(u)
					if err != nil {
						continue
					}
					if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
						return
					}
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
