package compliance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// ErrEmptySecret is returned when a Signer is built without a key.
var ErrEmptySecret = errors.New("compliance: empty unsubscribe secret")

const tokenLength = sha256.Size * 2

// Signer issues and verifies unsubscribe tokens bound to a (contact, email)
// pair. Tokens are deterministic: the same inputs always produce the same
// token.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Issue returns the hex HMAC-SHA256 of contactID and the normalized email.
func (s *Signer) Issue(contactID, email string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(contactID))
	mac.Write([]byte{':'})
	mac.Write([]byte(normalizeEmail(email)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token was issued for the pair. Malformed input is
// simply false.
func (s *Signer) Verify(contactID, email, token string) bool {
	if contactID == "" || strings.TrimSpace(email) == "" || len(token) != tokenLength {
		return false
	}
	expected := s.Issue(contactID, email)
	return hmac.Equal([]byte(expected), []byte(token))
}

// UnsubscribeURL builds the one-click link embedded in outbound mail.
func (s *Signer) UnsubscribeURL(baseURL, contactID, email string) string {
	q := url.Values{}
	q.Set("contactId", contactID)
	q.Set("token", s.Issue(contactID, email))
	return strings.TrimRight(baseURL, "/") + "/unsubscribe?" + q.Encode()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
