package ingress

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has been blocked after too many
// rejected credentials.
var ErrRateLimited = errors.New("too many rejected credentials")

// RateLimitError carries how long the client should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many rejected credentials; retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// FailureThrottle counts rejected credentials per client over a sliding
// window. It is process local; each replica throttles independently.
type FailureThrottle struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
	checks   int
}

// NewFailureThrottle returns a throttle blocking a client once it has limit
// failures inside window. limit <= 0 disables it.
func NewFailureThrottle(limit int, window time.Duration) *FailureThrottle {
	if window <= 0 {
		window = time.Minute
	}
	return &FailureThrottle{
		max:      limit,
		window:   window,
		now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

// Check reports whether key is currently blocked and for how long.
func (t *FailureThrottle) Check(key string) (bool, time.Duration) {
	if t == nil || t.max <= 0 || key == "" {
		return false, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	kept := t.prune(key, now)

	t.checks++
	if t.checks%256 == 0 {
		t.sweep(now)
	}

	if len(kept) < t.max {
		return false, 0
	}
	// Blocked until the oldest failure that still counts leaves the window.
	oldest := kept[len(kept)-t.max]
	wait := oldest.Add(t.window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return true, wait
}

// Record adds a failure for key.
func (t *FailureThrottle) Record(key string) {
	if t == nil || t.max <= 0 || key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	kept := t.prune(key, now)
	t.failures[key] = append(kept, now)
}

// Reset forgets all failures for key.
func (t *FailureThrottle) Reset(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.failures, key)
	t.mu.Unlock()
}

func (t *FailureThrottle) prune(key string, now time.Time) []time.Time {
	list := t.failures[key]
	cut := now.Add(-t.window)
	i := 0
	for i < len(list) && !list[i].After(cut) {
		i++
	}
	if i == len(list) {
		delete(t.failures, key)
		return nil
	}
	if i > 0 {
		list = append(list[:0], list[i:]...)
		t.failures[key] = list
	}
	return list
}

func (t *FailureThrottle) sweep(now time.Time) {
	cut := now.Add(-t.window)
	for key, list := range t.failures {
		if len(list) == 0 || !list[len(list)-1].After(cut) {
			delete(t.failures, key)
		}
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func clientKey(r *http.Request, trustProxy bool) string {
	if ip := clientIP(r, trustProxy); ip != nil {
		return ip.String()
	}
	return ""
}
