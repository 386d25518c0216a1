package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"trustcore/cmd/identity/ids"
)

// Version is the envelope schema version.
const Version = 1

// Subprotocol is the websocket subprotocol negotiated by the gateway.
const Subprotocol = "trustcore.feed.v1"

// Event types.
const (
	TypeHello          = "hello"
	TypeBalanceUpdated = "balance.updated"
	TypeError          = "error"
)

// Envelope is the frame written to clients.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is sent once after the upgrade.
type HelloPayload struct {
	ConnectionID string          `json:"connection_id"`
	AccountID    string          `json:"account_id"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
}

// ErrorPayload is sent before the server closes a connection on error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope of type typ.
func NewEnvelope(typ string, payload any, ts time.Time) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	id, err := ids.NewULID(ts)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
