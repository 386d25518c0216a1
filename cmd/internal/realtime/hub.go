package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// Hub fans account events out to subscribed clients.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*Client
	closed bool
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		subs: make(map[string]map[string]*Client),
	}
}

// Subscribe registers c under its account. It returns false once the hub has
// been shut down.
func (h *Hub) Subscribe(c *Client) bool {
	if c == nil || c.AccountID == "" || c.ConnectionID == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.subs[c.AccountID]
	if !ok {
		set = make(map[string]*Client)
		h.subs[c.AccountID] = set
	}
	set[c.ConnectionID] = c
	return true
}

// Unsubscribe removes c and signals it to stop. Removal happens before Close
// so a publisher never holds a client that is being torn down.
func (h *Hub) Unsubscribe(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	if set, ok := h.subs[c.AccountID]; ok {
		delete(set, c.ConnectionID)
		if len(set) == 0 {
			delete(h.subs, c.AccountID)
		}
	}
	h.mu.Unlock()

	c.Close()
}

// Publish sends an event to every client of accountID. It never blocks; a
// full queue drops the event for that client. It returns the number of
// clients the event was queued for.
func (h *Hub) Publish(accountID, typ string, payload any) int {
	h.mu.RLock()
	n := len(h.subs[accountID])
	h.mu.RUnlock()
	if n == 0 {
		return 0
	}

	env, err := NewEnvelope(typ, payload, time.Now())
	if err != nil {
		h.log.Error("realtime.publish.encode", "type", typ, "err", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.subs[accountID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			sent++
		default:
			h.log.Warn("realtime.publish.dropped", "account_id", accountID, "connection_id", c.ConnectionID, "type", typ)
		}
	}
	return sent
}

// Subscribers returns the number of clients subscribed to accountID.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Shutdown closes every client and refuses new subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, set := range h.subs {
		for _, c := range set {
			all = append(all, c)
		}
	}
	h.subs = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	if len(all) > 0 {
		h.log.Info("realtime.shutdown", "clients", len(all))
	}
}
