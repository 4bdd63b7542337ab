package replies

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedPayload is returned for bodies that are neither JSON nor forms.
	ErrUnsupportedPayload = errors.New("replies: unsupported payload")
	// ErrMissingSender is returned when no sender address can be found.
	ErrMissingSender = errors.New("replies: missing sender email")
)

// InboundReply is the provider-independent shape every payload normalizes to.
type InboundReply struct {
	FromEmail          string
	Subject            string
	BodyText           string
	BodyHTML           string
	Source             string
	OutreachSequenceID string
	Provider           string
	ProviderMessageID  string
	AutoTriage         *bool
	Metadata           map[string]any
}

var (
	fromKeys      = []string{"fromEmail", "from_email", "from", "sender", "From", "data.from", "envelope.from"}
	subjectKeys   = []string{"subject", "Subject", "data.subject"}
	textKeys      = []string{"bodyText", "body_text", "text", "stripped-text", "body-plain", "TextBody", "plain", "data.text"}
	htmlKeys      = []string{"bodyHtml", "body_html", "html", "stripped-html", "body-html", "HtmlBody", "data.html"}
	sequenceKeys  = []string{"outreachSequenceId", "outreach_sequence_id", "sequenceId"}
	providerKeys  = []string{"provider"}
	messageIDKeys = []string{"providerMessageId", "messageId", "message_id", "Message-Id", "MessageID", "data.email_id", "data.message_id"}
	triageKeys    = []string{"autoTriage", "auto_triage"}
	sourceKeys    = []string{"source"}
)

// Normalize maps a parsed payload onto InboundReply.
func Normalize(p Payload) (InboundReply, error) {
	var f fieldSource
	switch v := p.(type) {
	case JSONPayload:
		f = jsonFields(v.Fields)
	case FormPayload:
		f = formFields(v.Values)
	case Unsupported:
		return InboundReply{}, fmt.Errorf("%w: %s", ErrUnsupportedPayload, v.Reason)
	default:
		return InboundReply{}, ErrUnsupportedPayload
	}

	in := InboundReply{
		FromEmail:          extractAddress(first(f, fromKeys)),
		Subject:            strings.TrimSpace(stringOf(first(f, subjectKeys))),
		BodyText:           stringOf(first(f, textKeys)),
		BodyHTML:           stringOf(first(f, htmlKeys)),
		Source:             strings.TrimSpace(stringOf(first(f, sourceKeys))),
		OutreachSequenceID: strings.TrimSpace(stringOf(first(f, sequenceKeys))),
		Provider:           strings.ToLower(strings.TrimSpace(stringOf(first(f, providerKeys)))),
		ProviderMessageID:  strings.Trim(strings.TrimSpace(stringOf(first(f, messageIDKeys))), "<>"),
		AutoTriage:         boolOf(first(f, triageKeys)),
		Metadata:           map[string]any{},
	}
	if in.FromEmail == "" {
		return InboundReply{}, ErrMissingSender
	}
	if in.Source == "" {
		in.Source = "webhook"
	}
	if in.Provider == "" {
		in.Provider = guessProvider(f)
	}
	if in.BodyText == "" && in.BodyHTML != "" {
		in.BodyText = htmlToText(in.BodyHTML)
	}
	switch v := p.(type) {
	case JSONPayload:
		if meta, ok := v.Fields["metadata"].(map[string]any); ok {
			for k, val := range meta {
				in.Metadata[k] = val
			}
		}
	case FormPayload:
		if len(v.Attachments) > 0 {
			in.Metadata["attachments"] = v.Attachments
		}
	}
	return in, nil
}

type fieldSource interface {
	lookup(key string) (any, bool)
}

type jsonFields map[string]any

func (j jsonFields) lookup(key string) (any, bool) {
	var cur any = map[string]any(j)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

type formFields map[string][]string

func (f formFields) lookup(key string) (any, bool) {
	v, ok := f[key]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v[0], true
}

func first(f fieldSource, keys []string) any {
	for _, k := range keys {
		if v, ok := f.lookup(k); ok {
			if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func guessProvider(f fieldSource) string {
	has := func(k string) bool { _, ok := f.lookup(k); return ok }
	switch {
	case has("body-plain") || has("stripped-text"):
		return "mailgun"
	case has("envelope") && has("charsets"):
		return "sendgrid"
	case has("MessageID") || has("TextBody"):
		return "postmark"
	case has("data.email_id"):
		return "resend"
	default:
		return "generic"
	}
}

// extractAddress accepts "addr", "Name <addr>", {"email": addr} or a list
// of those and returns the first lowercased address.
func extractAddress(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return ""
		}
		if addr, err := mail.ParseAddress(s); err == nil {
			return strings.ToLower(addr.Address)
		}
		if list, err := mail.ParseAddressList(s); err == nil && len(list) > 0 {
			return strings.ToLower(list[0].Address)
		}
		if strings.Contains(s, "@") && !strings.ContainsAny(s, " <>") {
			return strings.ToLower(s)
		}
		return ""
	case map[string]any:
		for _, k := range []string{"email", "address", "Email"} {
			if a := extractAddress(t[k]); a != "" {
				return a
			}
		}
	case []any:
		for _, item := range t {
			if a := extractAddress(item); a != "" {
				return a
			}
		}
	}
	return ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func boolOf(v any) *bool {
	var b bool
	switch t := v.(type) {
	case bool:
		b = t
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		b = parsed
	case float64:
		b = t != 0
	default:
		return nil
	}
	return &b
}

var (
	blockTags = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr)[^>]*>`)
	anyTag    = regexp.MustCompile(`<[^>]*>`)
	entities  = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'")
)

func htmlToText(h string) string {
	s := blockTags.ReplaceAllString(h, "\n")
	s = anyTag.ReplaceAllString(s, "")
	return strings.TrimSpace(entities.Replace(s))
}
