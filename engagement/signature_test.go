package engagement

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sigNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func signedHeaders(v *Verifier, id string, ts time.Time, body []byte) http.Header {
	h := http.Header{}
	h.Set("svix-id", id)
	h.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
	h.Set("svix-signature", v.Sign(id, ts, body))
	return h
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("signing-key-for-tests"))
	v, err := NewVerifier(secret)
	require.NoError(t, err)
	return v.WithClock(func() time.Time { return sigNow })
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{"type":"email.opened"}`)

	id, err := v.Verify(signedHeaders(v, "msg_1", sigNow.Add(-time.Minute), body), body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", id)
}

func TestVerifyAcceptsAnyListedSignature(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{}`)
	h := signedHeaders(v, "msg_2", sigNow, body)
	h.Set("svix-signature", "v1,bm90LXRoaXMtb25l "+h.Get("svix-signature"))

	_, err := v.Verify(h, body)
	assert.NoError(t, err)
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{"type":"email.clicked"}`)

	tests := []struct {
		name   string
		mutate func(h http.Header) []byte
	}{
		{"tampered body", func(http.Header) []byte { return []byte(`{"type":"email.opened"}`) }},
		{"stale timestamp", func(h http.Header) []byte {
			old := sigNow.Add(-10 * time.Minute)
			h.Set("svix-timestamp", strconv.FormatInt(old.Unix(), 10))
			h.Set("svix-signature", v.Sign("msg_3", old, body))
			return body
		}},
		{"future timestamp", func(h http.Header) []byte {
			ahead := sigNow.Add(10 * time.Minute)
			h.Set("svix-timestamp", strconv.FormatInt(ahead.Unix(), 10))
			h.Set("svix-signature", v.Sign("msg_3", ahead, body))
			return body
		}},
		{"other id", func(h http.Header) []byte { h.Set("svix-id", "msg_4"); return body }},
		{"missing signature", func(h http.Header) []byte { h.Del("svix-signature"); return body }},
		{"bad timestamp", func(h http.Header) []byte { h.Set("svix-timestamp", "yesterday"); return body }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := signedHeaders(v, "msg_3", sigNow, body)
			got := tt.mutate(h)
			_, err := v.Verify(h, got)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestNewVerifierRejectsEmptySecret(t *testing.T) {
	_, err := NewVerifier("  ")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestNewVerifierRejectsBadPrefixedSecret(t *testing.T) {
	_, err := NewVerifier("whsec_***")
	assert.Error(t, err)
}
