package replies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_JSONAliases(t *testing.T) {
	p := ParseBody("application/json", []byte(`{
		"from": "Anna de Vries <Anna@Bedrijf.nl>",
		"subject": " Re: korte vraag ",
		"html": "<p>Nu niet<br>groet</p>",
		"messageId": "<abc@mail>",
		"provider": "Resend",
		"autoTriage": "true",
		"outreachSequenceId": "seq-1",
		"metadata": {"campaign": "q2"}
	}`))
	in, err := Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, "anna@bedrijf.nl", in.FromEmail)
	assert.Equal(t, "Re: korte vraag", in.Subject)
	assert.Equal(t, "Nu niet\ngroet", in.BodyText)
	assert.Equal(t, "abc@mail", in.ProviderMessageID)
	assert.Equal(t, "resend", in.Provider)
	assert.Equal(t, "seq-1", in.OutreachSequenceID)
	require.NotNil(t, in.AutoTriage)
	assert.True(t, *in.AutoTriage)
	assert.Equal(t, "q2", in.Metadata["campaign"])
	assert.Equal(t, "webhook", in.Source)
}

func TestNormalize_NestedData(t *testing.T) {
	p := ParseBody("application/json", []byte(`{"type":"email.received","data":{"from":{"email":"jan@x.nl"},"text":"hi","email_id":"em_1"}}`))
	in, err := Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, "jan@x.nl", in.FromEmail)
	assert.Equal(t, "hi", in.BodyText)
	assert.Equal(t, "em_1", in.ProviderMessageID)
	assert.Equal(t, "resend", in.Provider)
	assert.Nil(t, in.AutoTriage)
}

func TestNormalize_MailgunForm(t *testing.T) {
	p := FormPayload{Values: map[string][]string{
		"sender":     {"piet@x.nl"},
		"subject":    {"Re: hallo"},
		"body-plain": {"Klinkt goed"},
		"Message-Id": {"<mg-1@x>"},
	}}
	in, err := Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, "piet@x.nl", in.FromEmail)
	assert.Equal(t, "mailgun", in.Provider)
	assert.Equal(t, "mg-1@x", in.ProviderMessageID)
}

func TestNormalize_Errors(t *testing.T) {
	_, err := Normalize(Unsupported{Reason: "nope"})
	require.ErrorIs(t, err, ErrUnsupportedPayload)

	_, err = Normalize(JSONPayload{Fields: map[string]any{"subject": "x"}})
	require.ErrorIs(t, err, ErrMissingSender)
}

func TestDedupeKey(t *testing.T) {
	a := InboundReply{FromEmail: "a@b.nl", Subject: "s", BodyText: "t"}
	assert.Equal(t, DedupeKey(a), DedupeKey(a))
	b := a
	b.BodyText = "t2"
	assert.NotEqual(t, DedupeKey(a), DedupeKey(b))

	a.Provider, a.ProviderMessageID = "mailgun", "m1"
	assert.Equal(t, "mailgun:m1", DedupeKey(a))
}
