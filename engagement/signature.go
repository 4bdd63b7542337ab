package engagement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature covers every verification failure.
	ErrInvalidSignature = errors.New("engagement: invalid webhook signature")
	// ErrEmptySecret is returned when the verifier is built without a secret.
	ErrEmptySecret = errors.New("engagement: empty webhook secret")
)

// DefaultTolerance bounds clock skew between provider and server.
const DefaultTolerance = 5 * time.Minute

// Verifier checks Svix-style signatures: base64 HMAC-SHA256 over
// "<id>.<timestamp>.<body>" carried in svix-id, svix-timestamp and
// svix-signature headers.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier accepts the secret with or without its "whsec_" prefix.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := []byte(secret)
	if strings.HasPrefix(secret, "whsec_") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
		if err != nil {
			return nil, fmt.Errorf("engagement: decode webhook secret: %w", err)
		}
		key = decoded
	}
	return &Verifier{key: key, tolerance: DefaultTolerance, now: time.Now}, nil
}

// WithClock overrides the time source (tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Sign produces the header value for id, timestamp and body.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + strconv.FormatInt(ts.Unix(), 10) + "."))
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify returns the event id when the headers carry a valid, fresh
// signature for body.
func (v *Verifier) Verify(h http.Header, body []byte) (string, error) {
	id := h.Get("svix-id")
	tsRaw := h.Get("svix-timestamp")
	sigs := h.Get("svix-signature")
	if id == "" || tsRaw == "" || sigs == "" {
		return "", fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}
	secs, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	ts := time.Unix(secs, 0)
	if skew := v.now().Sub(ts); skew > v.tolerance || skew < -v.tolerance {
		return "", fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := []byte(v.Sign(id, ts, body))
	for _, candidate := range strings.Fields(sigs) {
		if hmac.Equal(expected, []byte(candidate)) {
			return id, nil
		}
	}
	return "", ErrInvalidSignature
}
