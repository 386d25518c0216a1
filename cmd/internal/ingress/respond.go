package ingress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"trustcore/cmd/internal/lock"
	"trustcore/cmd/internal/reqctx"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/verify"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorCode writes the standard error envelope.
func WriteErrorCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

type errorMapping struct {
	err    error
	status int
	code   string
	msg    string
}

var errorMappings = []errorMapping{
	{verify.ErrMissingPayload, http.StatusBadRequest, "missing_payload", "credential payload is missing"},
	{verify.ErrMalformedPayload, http.StatusBadRequest, "malformed_payload", "credential payload is malformed"},
	{verify.ErrMissingSignature, http.StatusUnauthorized, "missing_signature", "signature is missing"},
	{verify.ErrSignatureMismatch, http.StatusUnauthorized, "signature_mismatch", "signature is invalid"},
	{verify.ErrStalePayload, http.StatusUnauthorized, "stale_payload", "credential has expired"},
	{session.ErrNotFound, http.StatusUnauthorized, "unauthorized", "session is missing or expired"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "too many attempts"},
	{ErrLaunchDisabled, http.StatusServiceUnavailable, "launch_disabled", "launch data sign-in is not configured"},
	{session.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable"},
	{lock.ErrBusy, http.StatusConflict, "busy", "resource is busy"},
	{lock.ErrInsufficientFunds, http.StatusConflict, "insufficient_funds", "insufficient funds"},
	{lock.ErrNotFound, http.StatusNotFound, "not_found", "resource not found"},
	{lock.ErrExists, http.StatusConflict, "exists", "resource already exists"},
	{lock.ErrInvalidInput, http.StatusBadRequest, "invalid_request", "invalid request"},
	{lock.ErrPoolExhausted, http.StatusInternalServerError, "pool_exhausted", "internal error"},
}

// StatusOf maps err to its HTTP status and error code.
func StatusOf(err error) (int, string, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.msg
		}
	}
	return http.StatusInternalServerError, "internal", "internal error"
}

// WriteError maps err to the error envelope and logs it at a level that
// matches its severity. Messages never include credential material.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code, msg := StatusOf(err)

	var limited *RateLimitError
	if errors.As(err, &limited) {
		setRetryAfter(w, limited.RetryAfter)
	}

	l := reqctx.Logger(r.Context(), logger)
	switch {
	case status >= http.StatusInternalServerError:
		l.LogAttrs(r.Context(), slog.LevelError, "http.error",
			slog.String("code", code),
			slog.String("err", err.Error()),
		)
	case status == http.StatusConflict:
		l.LogAttrs(r.Context(), slog.LevelInfo, "http.conflict", slog.String("code", code))
	}

	WriteErrorCode(w, status, code, msg)
}

func setRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

func writeDraining(w http.ResponseWriter, retryAfter time.Duration) {
	setRetryAfter(w, retryAfter)
	w.Header().Set("Connection", "close")
	WriteErrorCode(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
