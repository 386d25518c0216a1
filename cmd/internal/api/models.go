package api

import (
	"encoding/json"
	"time"

	"trustcore/cmd/internal/lock"
	"trustcore/cmd/internal/session"
)

type launchRequest struct {
	InitData string `json:"init_data"`
}

type sessionResponse struct {
	PrincipalID    string                     `json:"principal_id"`
	PrincipalType  string                     `json:"principal_type,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	LastAccessedAt time.Time                  `json:"last_accessed_at"`
	ExpiresAt      time.Time                  `json:"expires_at"`
}

func toSessionResponse(d session.Data) sessionResponse {
	return sessionResponse{
		PrincipalID:    d.PrincipalID,
		PrincipalType:  d.PrincipalType,
		Metadata:       d.Metadata,
		CreatedAt:      d.CreatedAt,
		LastAccessedAt: d.LastAccessedAt,
		ExpiresAt:      d.ExpiresAt,
	}
}

type deductRequest struct {
	Amount int64  `json:"amount"`
	Wait   string `json:"wait,omitempty"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
	Version   int64  `json:"version"`
}

func toBalanceResponse(b lock.Balance) balanceResponse {
	return balanceResponse{AccountID: b.ID, Credits: b.Credits, Version: b.Version}
}

// paymentEvent is the subset of a payment provider callback we act on.
type paymentEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Status    string `json:"status"`
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

type paymentResponse struct {
	Status  string           `json:"status"`
	Balance *balanceResponse `json:"balance,omitempty"`
}

type botUpdate struct {
	UpdateID int64 `json:"update_id"`
}
