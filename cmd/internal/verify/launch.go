package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"trustcore/cmd/security/signature"
)

// launchKeySalt is the fixed HMAC key used to derive the per-bot secret.
const launchKeySalt = "WebAppData"

const (
	fieldHash     = "hash"
	fieldUser     = "user"
	fieldAuthDate = "auth_date"
)

// ErrBotTokenMissing is returned by NewLaunchDataVerifier for a blank token.
var ErrBotTokenMissing = errors.New("verify: bot token missing")

// LaunchDataVerifier checks mini-app launch data signed by the host platform.
type LaunchDataVerifier struct {
	secretKey [signature.Size]byte
	maxAge    time.Duration
	now       func() time.Time
}

// LaunchOption configures a LaunchDataVerifier.
type LaunchOption func(*LaunchDataVerifier)

// WithMaxAge enables the auth_date freshness check. Zero disables it.
func WithMaxAge(d time.Duration) LaunchOption {
	return func(v *LaunchDataVerifier) {
		if d > 0 {
			v.maxAge = d
		}
	}
}

// WithLaunchClock overrides the time source used for VerifiedAt and freshness.
func WithLaunchClock(now func() time.Time) LaunchOption {
	return func(v *LaunchDataVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewLaunchDataVerifier derives the per-bot secret key once and returns a verifier.
func NewLaunchDataVerifier(botToken string, opts ...LaunchOption) (*LaunchDataVerifier, error) {
	botToken = strings.TrimSpace(botToken)
	if botToken == "" {
		return nil, ErrBotTokenMissing
	}

	v := &LaunchDataVerifier{
		secretKey: launchSecretKey(botToken),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify authenticates raw launch data carried in in.Raw.
func (v *LaunchDataVerifier) Verify(in Input) (Identity, error) {
	const op = "verify.LaunchData"

	raw := strings.TrimSpace(in.Raw)
	if raw == "" {
		return Identity{}, fail(op, ErrMissingPayload, "")
	}

	fields, err := parseLaunchFields(raw)
	if err != nil {
		return Identity{}, fail(op, ErrMalformedPayload, err.Error())
	}

	provided, ok := fields[fieldHash]
	if !ok || provided == "" {
		return Identity{}, fail(op, ErrMissingSignature, "")
	}
	delete(fields, fieldHash)
	// Nothing to sign: malformed, reported before any signature check.
	if len(fields) == 0 {
		return Identity{}, fail(op, ErrMalformedPayload, "no signed fields")
	}

	expected := signature.HMACSHA256Hex(v.secretKey[:], []byte(checkString(fields)))
	if !signature.EqualString(expected, provided) {
		return Identity{}, fail(op, ErrSignatureMismatch, "")
	}

	now := v.now()
	if v.maxAge > 0 {
		if err := checkFreshness(fields[fieldAuthDate], now, v.maxAge); err != nil {
			return Identity{}, fail(op, ErrStalePayload, err.Error())
		}
	}

	principalID, claims, err := launchClaims(fields)
	if err != nil {
		return Identity{}, fail(op, ErrMalformedPayload, err.Error())
	}

	return newIdentity(principalID, KindLaunchData, claims, now), nil
}

// SignLaunchData returns fields encoded as launch data with a valid hash.
// Only the first value of each key is used; any existing hash is replaced.
func SignLaunchData(botToken string, fields url.Values) string {
	flat := make(map[string]string, len(fields))
	for k, vals := range fields {
		if k == fieldHash || len(vals) == 0 {
			continue
		}
		flat[k] = vals[0]
	}

	key := launchSecretKey(strings.TrimSpace(botToken))
	out := url.Values{}
	for k, val := range flat {
		out.Set(k, val)
	}
	out.Set(fieldHash, signature.HMACSHA256Hex(key[:], []byte(checkString(flat))))
	return out.Encode()
}

func launchSecretKey(botToken string) [signature.Size]byte {
	return signature.HMACSHA256([]byte(launchKeySalt), []byte(botToken))
}

func parseLaunchFields(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, errors.New("invalid encoding")
	}

	fields := make(map[string]string, len(values))
	for k, vals := range values {
		if len(vals) != 1 {
			return nil, fmt.Errorf("duplicate field %q", k)
		}
		fields[k] = vals[0]
	}
	return fields, nil
}

// checkString sorts keys bytewise and joins key=value pairs with '\n'.
func checkString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

func checkFreshness(authDate string, now time.Time, maxAge time.Duration) error {
	if authDate == "" {
		return errors.New("auth_date missing")
	}
	sec, err := strconv.ParseInt(authDate, 10, 64)
	if err != nil || sec <= 0 {
		return errors.New("auth_date invalid")
	}
	if now.Sub(time.Unix(sec, 0)) > maxAge {
		return errors.New("auth_date too old")
	}
	return nil
}

func launchClaims(fields map[string]string) (string, map[string]string, error) {
	rawUser, ok := fields[fieldUser]
	if !ok || strings.TrimSpace(rawUser) == "" {
		return "", nil, errors.New("user field missing")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(rawUser)))
	dec.UseNumber()
	var user map[string]any
	if err := dec.Decode(&user); err != nil || user == nil {
		return "", nil, errors.New("user field is not a JSON object")
	}

	principalID, ok := scalarString(user["id"])
	if !ok || principalID == "" {
		return "", nil, errors.New("user.id missing")
	}

	claims := make(map[string]string, len(fields)+len(user))
	for k, val := range fields {
		claims[k] = val
	}
	for k, val := range user {
		if s, ok := scalarString(val); ok {
			claims[fieldUser+"."+k] = s
		}
	}
	return principalID, claims, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
