package compliance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("test-unsubscribe-secret")
	require.NoError(t, err)
	return s
}

func TestNewSigner_RejectsEmptySecret(t *testing.T) {
	_, err := NewSigner("")
	require.ErrorIs(t, err, ErrEmptySecret)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	s := newTestSigner(t)
	pairs := [][2]string{
		{"c1", "anna@example.com"},
		{"0b5e3c1e-8f6e-4f7e-9d55-1f4d0a6f1b10", "Jan.Jansen@Bedrijf.NL"},
		{"x", " padded@example.org "},
	}
	for _, p := range pairs {
		tok := s.Issue(p[0], p[1])
		assert.Len(t, tok, tokenLength)
		assert.True(t, s.Verify(p[0], p[1], tok), p)
		assert.Equal(t, tok, s.Issue(p[0], p[1]), "deterministic")
	}
}

func TestVerify_EmailCaseInsensitive(t *testing.T) {
	s := newTestSigner(t)
	tok := s.Issue("c1", "Anna@Example.com")
	assert.True(t, s.Verify("c1", "anna@example.com", tok))
}

func TestVerify_RejectsEverySingleCharMutation(t *testing.T) {
	s := newTestSigner(t)
	tok := s.Issue("c1", "anna@example.com")
	for i := 0; i < len(tok); i++ {
		for _, r := range "0f9aA" {
			if byte(r) == tok[i] {
				continue
			}
			mutated := tok[:i] + string(r) + tok[i+1:]
			assert.False(t, s.Verify("c1", "anna@example.com", mutated), "position %d -> %c", i, r)
		}
	}
}

func TestVerify_WrongBinding(t *testing.T) {
	s := newTestSigner(t)
	tok := s.Issue("c1", "anna@example.com")
	assert.False(t, s.Verify("c2", "anna@example.com", tok))
	assert.False(t, s.Verify("c1", "bob@example.com", tok))

	other, err := NewSigner("another-secret-value")
	require.NoError(t, err)
	assert.False(t, other.Verify("c1", "anna@example.com", tok))
}

func TestVerify_Malformed(t *testing.T) {
	s := newTestSigner(t)
	tok := s.Issue("c1", "anna@example.com")
	for _, bad := range []string{"", "abc", tok + "0", tok[:len(tok)-1], strings.Repeat("z", tokenLength)} {
		assert.False(t, s.Verify("c1", "anna@example.com", bad), bad)
	}
	assert.False(t, s.Verify("", "anna@example.com", tok))
	assert.False(t, s.Verify("c1", "  ", tok))
}

func TestUnsubscribeURL(t *testing.T) {
	s := newTestSigner(t)
	u := s.UnsubscribeURL("https://app.example.com/", "c1", "anna@example.com")
	assert.True(t, strings.HasPrefix(u, "https://app.example.com/unsubscribe?"))
	assert.Contains(t, u, "contactId=c1")
	assert.Contains(t, u, "token="+s.Issue("c1", "anna@example.com"))
}
