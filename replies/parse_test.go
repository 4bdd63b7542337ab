package replies

import (
	"bytes"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBody_JSON(t *testing.T) {
	p := ParseBody("application/json; charset=utf-8", []byte(`{"from":"anna@bedrijf.nl","text":"hoi"}`))
	j, ok := p.(JSONPayload)
	require.True(t, ok, "%T", p)
	assert.Equal(t, "hoi", j.Fields["text"])
}

func TestParseBody_BadJSONIsUnsupported(t *testing.T) {
	p := ParseBody("application/json", []byte(`{"from":`))
	_, ok := p.(Unsupported)
	assert.True(t, ok)
}

func TestParseBody_URLEncodedKeepsRepeatedKeys(t *testing.T) {
	p := ParseBody("application/x-www-form-urlencoded", []byte("from=anna%40bedrijf.nl&to=a%40x.nl&to=b%40x.nl"))
	f, ok := p.(FormPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"a@x.nl", "b@x.nl"}, f.Values["to"])
}

func TestParseBody_Multipart(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("sender", "anna@bedrijf.nl"))
	require.NoError(t, w.WriteField("body-plain", "Nu niet"))
	require.NoError(t, w.WriteField("recipient", "one@x.nl"))
	require.NoError(t, w.WriteField("recipient", "two@x.nl"))
	fw, err := w.CreateFormFile("attachment-1", "offerte.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF"))
	require.NoError(t, w.Close())

	p := ParseBody(w.FormDataContentType(), buf.Bytes())
	f, ok := p.(FormPayload)
	require.True(t, ok, "%T", p)
	assert.Equal(t, []string{"one@x.nl", "two@x.nl"}, f.Values["recipient"])
	assert.Equal(t, []string{"offerte.pdf"}, f.Attachments)
}

func TestParseBody_SniffsWithoutContentType(t *testing.T) {
	_, isJSON := ParseBody("", []byte(` {"from":"a@b.nl"}`)).(JSONPayload)
	assert.True(t, isJSON)

	_, isForm := ParseBody("text/plain", []byte("from=a%40b.nl&subject=Re")).(FormPayload)
	assert.True(t, isForm)

	u, isUnsupported := ParseBody("", []byte("just some words")).(Unsupported)
	assert.True(t, isUnsupported)
	assert.NotEmpty(t, u.Reason)

	_, isUnsupported = ParseBody("", nil).(Unsupported)
	assert.True(t, isUnsupported)
}
