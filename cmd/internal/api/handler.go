// Package api exposes the HTTP endpoints for sign-in, sessions, balances and
// provider callbacks.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trustcore/cmd/internal/ingress"
	"trustcore/cmd/internal/lock"
	"trustcore/cmd/internal/realtime"
	"trustcore/cmd/internal/reqctx"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/verify"
)

const (
	defaultMaxBody  int64 = 16 << 10
	defaultEventTTL       = 72 * time.Hour
)

// Handler wires HTTP endpoints to the session manager and balance gateway.
type Handler struct {
	log      *slog.Logger
	pipeline *ingress.Pipeline
	balances *lock.Gateway

	payments verify.Verifier
	bot      verify.Verifier
	feed     *realtime.Gateway

	events   session.Store
	eventNS  string
	eventTTL time.Duration
	maxBody  int64
	clockNow func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithPaymentsVerifier enables POST /v1/webhooks/payments.
func WithPaymentsVerifier(v verify.Verifier) HandlerOption {
	return func(h *Handler) {
		if v != nil {
			h.payments = v
		}
	}
}

// WithBotVerifier enables POST /v1/webhooks/bot.
func WithBotVerifier(v verify.Verifier) HandlerOption {
	return func(h *Handler) {
		if v != nil {
			h.bot = v
		}
	}
}

// WithEventStore records processed payment event ids in store so provider
// retries are not credited twice. Records expire after ttl.
func WithEventStore(store session.Store, namespace string, ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		if store == nil {
			return
		}
		h.events = store
		if ns := strings.TrimSpace(namespace); ns != "" {
			h.eventNS = ns
		}
		if ttl > 0 {
			h.eventTTL = ttl
		}
	}
}

// WithFeed enables GET /v1/balance/stream and publishes balance changes to
// its hub.
func WithFeed(g *realtime.Gateway) HandlerOption {
	return func(h *Handler) { h.feed = g }
}

// WithMaxBody bounds JSON request bodies.
func WithMaxBody(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler constructs a Handler. balances may be nil, in which case the
// balance and payment routes are not registered.
func NewHandler(log *slog.Logger, pipeline *ingress.Pipeline, balances *lock.Gateway, opts ...HandlerOption) (*Handler, error) {
	if pipeline == nil {
		return nil, errors.New("api: nil pipeline")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		pipeline: pipeline,
		balances: balances,
		eventNS:  "trustcore",
		eventTTL: defaultEventTTL,
		maxBody:  defaultMaxBody,
		clockNow: time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	p := h.pipeline

	mux.HandleFunc("POST /v1/auth/launch", h.handleLaunch)
	mux.Handle("GET /v1/session", p.RequireIdentity(http.HandlerFunc(h.handleSessionGet)))
	mux.Handle("DELETE /v1/session", p.RequireIdentity(http.HandlerFunc(h.handleSessionDelete)))

	if h.balances != nil {
		mux.Handle("GET /v1/balance", p.RequireIdentity(http.HandlerFunc(h.handleBalance)))
		mux.Handle("POST /v1/balance/deduct", p.RequireIdentity(http.HandlerFunc(h.handleDeduct)))
		if h.feed != nil {
			mux.Handle("GET /v1/balance/stream", p.RequireIdentity(http.HandlerFunc(h.handleBalanceStream)))
		}
		if h.payments != nil {
			mux.Handle("POST /v1/webhooks/payments", p.RequireWebhook("payments", h.payments, http.HandlerFunc(h.handlePayment)))
		}
	}
	if h.bot != nil {
		mux.Handle("POST /v1/webhooks/bot", p.RequireWebhook("bot", h.bot, http.HandlerFunc(h.handleBotUpdate)))
	}
}

// ---- handlers ----

func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.Header.Get(ingress.HeaderLaunchData))
	if raw == "" && r.ContentLength != 0 {
		var req launchRequest
		if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
			ingress.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		raw = req.InitData
	}

	id, err := h.pipeline.VerifyLaunch(r, raw)
	if err != nil {
		ingress.WriteError(w, r, h.log, err)
		return
	}

	d, err := h.pipeline.StartSession(w, r, id)
	if err != nil {
		ingress.WriteError(w, r, h.log, err)
		return
	}

	reqctx.Logger(r.Context(), h.log).Info("session.created", "principal_type", d.PrincipalType)
	ingress.WriteJSON(w, http.StatusCreated, toSessionResponse(d))
}

func (h *Handler) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	d, ok := ingress.SessionFrom(r.Context())
	if !ok {
		ingress.WriteError(w, r, h.log, session.ErrNotFound)
		return
	}
	ingress.WriteJSON(w, http.StatusOK, toSessionResponse(d))
}

func (h *Handler) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.EndSession(w, r); err != nil {
		ingress.WriteError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	principal := reqctx.PrincipalID(r.Context())
	b, err := h.balances.Balance(r.Context(), principal)
	if err != nil {
		ingress.WriteError(w, r, h.log, err)
		return
	}
	ingress.WriteJSON(w, http.StatusOK, toBalanceResponse(b))
}

func (h *Handler) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		ingress.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	wait, ok := parseWaitPolicy(req.Wait)
	if !ok {
		ingress.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "wait must be block, nowait or skip_locked")
		return
	}

	principal := reqctx.PrincipalID(r.Context())
	b, err := h.balances.Deduct(r.Context(), principal, req.Amount, wait)
	if err != nil {
		ingress.WriteError(w, r, h.log, err)
		return
	}
	resp := toBalanceResponse(b)
	h.publish(resp)
	ingress.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBalanceStream(w http.ResponseWriter, r *http.Request) {
	principal := reqctx.PrincipalID(r.Context())
	h.feed.Serve(w, r, principal, func(ctx context.Context) (any, error) {
		b, err := h.balances.Balance(ctx, principal)
		if errors.Is(err, lock.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return toBalanceResponse(b), nil
	})
}

func (h *Handler) publish(b balanceResponse) {
	if h.feed == nil {
		return
	}
	h.feed.Hub().Publish(b.AccountID, realtime.TypeBalanceUpdated, b)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	var ev paymentEvent
	if err := decodeEvent(r, &ev); err != nil {
		ingress.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	log := reqctx.Logger(r.Context(), h.log).With("event_id", ev.ID)

	if ev.Type != "payment" || ev.Status != "succeeded" {
		log.Info("payment.ignored", "type", ev.Type, "status", ev.Status)
		ingress.WriteJSON(w, http.StatusOK, paymentResponse{Status: "ignored"})
		return
	}
	ev.AccountID = strings.TrimSpace(ev.AccountID)
	if ev.AccountID == "" || ev.Credits <= 0 || strings.TrimSpace(ev.ID) == "" {
		ingress.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "event needs id, account_id and positive credits")
		return
	}

	ctx := r.Context()
	marked := false
	if h.events != nil {
		first, err := h.events.Insert(ctx, h.eventKey(ev.ID), []byte(h.clockNow().UTC().Format(time.RFC3339)), h.eventTTL)
		if err != nil {
			ingress.WriteError(w, r, h.log, err)
			return
		}
		if !first {
			log.Info("payment.duplicate")
			ingress.WriteJSON(w, http.StatusOK, paymentResponse{Status: "duplicate"})
			return
		}
		marked = true
	}

	b, err := h.credit(ctx, ev.AccountID, ev.Credits)
	if err != nil {
		if marked {
			// Let the provider's retry through.
			if _, derr := h.events.Delete(context.WithoutCancel(ctx), h.eventKey(ev.ID)); derr != nil {
				log.Warn("payment.unmark_failed", "err", derr)
			}
		}
		ingress.WriteError(w, r, h.log, err)
		return
	}

	log.Info("payment.credited", "account_id", b.ID, "credits", ev.Credits, "version", b.Version)
	resp := toBalanceResponse(b)
	h.publish(resp)
	ingress.WriteJSON(w, http.StatusOK, paymentResponse{Status: "credited", Balance: &resp})
}

// credit adds amount to id, opening the balance on the first payment.
func (h *Handler) credit(ctx context.Context, id string, amount int64) (lock.Balance, error) {
	b, err := h.balances.Credit(ctx, id, amount)
	if !errors.Is(err, lock.ErrNotFound) {
		return b, err
	}
	b, err = h.balances.Open(ctx, id, amount)
	if errors.Is(err, lock.ErrExists) {
		return h.balances.Credit(ctx, id, amount)
	}
	return b, err
}

func (h *Handler) eventKey(eventID string) string {
	return h.eventNS + ":payment_event:" + eventID
}

func (h *Handler) handleBotUpdate(w http.ResponseWriter, r *http.Request) {
	var u botUpdate
	if err := decodeEvent(r, &u); err != nil {
		ingress.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	reqctx.Logger(r.Context(), h.log).Info("bot.update", "update_id", u.UpdateID)
	ingress.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseWaitPolicy(s string) (lock.WaitPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return lock.Block, true
	case "nowait":
		return lock.NoWait, true
	case "skip_locked":
		return lock.SkipLocked, true
	default:
		return 0, false
	}
}
