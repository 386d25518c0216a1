package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trustcore/cmd/security/signature"
)

// DefaultWebhookFields are the canonical fields signed by payment providers.
var DefaultWebhookFields = []string{"type", "id", "status"}

// BotSecretHeader carries the static secret token on bot-platform webhooks.
const BotSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

var (
	// ErrSecretMissing is returned by constructors for a blank shared secret.
	ErrSecretMissing = errors.New("verify: shared secret missing")
	// ErrNoFields is returned when a WebhookVerifier is configured without canonical fields.
	ErrNoFields = errors.New("verify: no canonical fields configured")
)

// WebhookVerifier checks provider callbacks signed with HMAC-SHA256 over an
// '&'-joined list of required body fields.
type WebhookVerifier struct {
	provider string
	secret   []byte
	fields   []string
	header   string
	now      func() time.Time
}

// WebhookOption configures a WebhookVerifier.
type WebhookOption func(*WebhookVerifier)

// WithFields sets the ordered list of canonical fields.
func WithFields(fields ...string) WebhookOption {
	return func(v *WebhookVerifier) {
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
		v.fields = out
	}
}

// WithSignatureHeader reads the signature from a plain header instead of
// "Authorization: Bearer".
func WithSignatureHeader(name string) WebhookOption {
	return func(v *WebhookVerifier) {
		v.header = strings.TrimSpace(name)
	}
}

// WithWebhookClock overrides the time source used for VerifiedAt.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewWebhookVerifier returns a verifier for one provider.
func NewWebhookVerifier(provider, secret string, opts ...WebhookOption) (*WebhookVerifier, error) {
	key, err := signature.KeyFromString(secret, 0)
	if err != nil {
		return nil, ErrSecretMissing
	}

	v := &WebhookVerifier{
		provider: strings.TrimSpace(provider),
		secret:   key,
		fields:   append([]string(nil), DefaultWebhookFields...),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if len(v.fields) == 0 {
		return nil, ErrNoFields
	}
	return v, nil
}

// Verify authenticates a callback body (in.Raw) against the transport signature.
func (v *WebhookVerifier) Verify(in Input) (Identity, error) {
	const op = "verify.Webhook"

	body := strings.TrimSpace(in.Raw)
	if body == "" {
		return Identity{}, fail(op, ErrMissingPayload, "")
	}

	canonical, claims, err := v.canonical(body)
	if err != nil {
		return Identity{}, fail(op, ErrMalformedPayload, err.Error())
	}

	expected := signature.HMACSHA256Hex(v.secret, []byte(canonical))

	provided := v.signatureFrom(in.Header)
	if provided == "" {
		return Identity{}, fail(op, ErrMissingSignature, "")
	}

	if !signature.EqualString(expected, provided) {
		return Identity{}, fail(op, ErrSignatureMismatch, "")
	}

	return newIdentity(v.provider, KindWebhookEvent, claims, v.now()), nil
}

// Sign returns the hex signature a provider would send for body.
// It is used by tests and local tooling.
func (v *WebhookVerifier) Sign(body string) (string, error) {
	canonical, _, err := v.canonical(strings.TrimSpace(body))
	if err != nil {
		return "", err
	}
	return signature.HMACSHA256Hex(v.secret, []byte(canonical)), nil
}

func (v *WebhookVerifier) canonical(body string) (string, map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return "", nil, errors.New("body is not a JSON object")
	}

	claims := make(map[string]string, len(doc))
	for k, val := range doc {
		if s, ok := scalarString(val); ok {
			claims[k] = s
		}
	}

	parts := make([]string, 0, len(v.fields))
	for _, f := range v.fields {
		// Blank counts as missing, but the value is signed as sent.
		s := claims[f]
		if strings.TrimSpace(s) == "" {
			return "", nil, fmt.Errorf("required field %q missing", f)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "&"), claims, nil
}

func (v *WebhookVerifier) signatureFrom(h http.Header) string {
	if h == nil {
		return ""
	}
	if v.header != "" {
		return strings.TrimSpace(h.Get(v.header))
	}
	token, _ := BearerToken(h.Get("Authorization"))
	return token
}

// BearerToken extracts the credential from an "Authorization: Bearer x" value.
func BearerToken(value string) (string, bool) {
	const bearer = "bearer "
	value = strings.TrimSpace(value)
	if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	return token, token != ""
}

// TokenVerifier checks bot-platform webhooks that carry a static shared
// secret in a header.
type TokenVerifier struct {
	provider string
	header   string
	token    []byte
	now      func() time.Time
}

// NewTokenVerifier returns a verifier comparing header against token.
// An empty header name defaults to BotSecretHeader.
func NewTokenVerifier(provider, header, token string) (*TokenVerifier, error) {
	key, err := signature.KeyFromString(token, 0)
	if err != nil {
		return nil, ErrSecretMissing
	}
	header = strings.TrimSpace(header)
	if header == "" {
		header = BotSecretHeader
	}
	return &TokenVerifier{
		provider: strings.TrimSpace(provider),
		header:   header,
		token:    key,
		now:      time.Now,
	}, nil
}

// Verify compares the header token; the body is not part of the credential.
func (v *TokenVerifier) Verify(in Input) (Identity, error) {
	const op = "verify.Token"

	var actual string
	if in.Header != nil {
		actual = strings.TrimSpace(in.Header.Get(v.header))
	}
	if actual == "" {
		return Identity{}, fail(op, ErrMissingSignature, "")
	}
	if !signature.Equal([]byte(actual), v.token) {
		return Identity{}, fail(op, ErrSignatureMismatch, "")
	}
	return newIdentity(v.provider, KindWebhookEvent, map[string]string{"provider": v.provider}, v.now()), nil
}
