package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"

	"trustcore/cmd/identity/ids"
)

const (
	defaultSendQueueSize = 16
	defaultWriteTimeout  = 5 * time.Second
	defaultHeartbeat     = 25 * time.Second
	defaultPingTimeout   = 5 * time.Second
	closeGrace           = time.Second

	maxPingFailures = 3
	maxFrameBytes   = 4 << 10
)

// GatewayConfig tunes the websocket gateway. Zero values take defaults.
type GatewayConfig struct {
	// AllowedOrigins lists cross-origin pages allowed to connect. Same-host
	// origins are always allowed.
	AllowedOrigins []string

	SendQueueSize int
	WriteTimeout  time.Duration
	Heartbeat     time.Duration
	PingTimeout   time.Duration
}

// SnapshotFunc loads the current state sent in the hello frame.
type SnapshotFunc func(ctx context.Context) (any, error)

// Gateway upgrades authenticated requests into account feeds.
type Gateway struct {
	log            *slog.Logger
	hub            *Hub
	cfg            GatewayConfig
	originPatterns []string
}

// NewGateway constructs a Gateway publishing from hub.
func NewGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	return &Gateway{
		log:            log,
		hub:            hub,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// Hub returns the hub the gateway subscribes clients to.
func (g *Gateway) Hub() *Hub { return g.hub }

// Serve upgrades the request and streams events for accountID until the
// peer goes away, the request context ends or the hub shuts down.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, accountID string, snapshot SnapshotFunc) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		g.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := ids.NewULID(time.Now())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(accountID, connID, g.cfg.SendQueueSize)

	// The feed is write-only; CloseRead answers control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the snapshot so no update between the two is lost.
	if !g.hub.Subscribe(client) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer g.hub.Unsubscribe(client)

	hello, err := g.hello(ctx, client, snapshot)
	if err != nil {
		g.log.Warn("ws.snapshot.fail", "account_id", accountID, "err", err)
		g.closeWithError(ctx, conn, "snapshot_failed", "unable to load current state")
		return
	}
	if err := writeEnvelope(ctx, conn, hello, g.cfg.WriteTimeout); err != nil {
		g.log.Info("ws.write.fail", "connection_id", connID, "err", err)
		return
	}
	g.log.Info("ws.connected", "connection_id", connID, "account_id", accountID)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, cancel)
	}()

	status, reason := g.writeLoop(ctx, conn, client)
	cancel()
	_ = conn.Close(status, reason)

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("ws.disconnected", "connection_id", connID, "reason", reason)
}

func (g *Gateway) hello(ctx context.Context, client *Client, snapshot SnapshotFunc) (Envelope, error) {
	p := HelloPayload{ConnectionID: client.ConnectionID, AccountID: client.AccountID}
	if snapshot != nil {
		v, err := snapshot(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return Envelope{}, err
			}
			p.Snapshot = b
		}
	}
	return NewEnvelope(TypeHello, p, time.Now())
}

func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "bye"
		case <-client.Done():
			return websocket.StatusGoingAway, "server shutting down"
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "connection_id", client.ConnectionID, "close_status", websocket.CloseStatus(err), "err", err)
				return websocket.StatusAbnormalClosure, "write failed"
			}
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, cancel context.CancelFunc) {
	t := time.NewTicker(g.cfg.Heartbeat)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "connection_id", client.ConnectionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					cancel()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *Gateway) closeWithError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	if env, err := NewEnvelope(TypeError, ErrorPayload{Code: code, Message: msg}, time.Now()); err == nil {
		_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
	}
	_ = conn.Close(websocket.StatusInternalError, code)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns turns an origin allowlist into websocket.Accept host
// patterns. Wildcards are dropped; "*" would disable the check entirely.
func originPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
