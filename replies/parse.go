package replies

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"
)

const maxMultipartMemory = 8 << 20

var errNoBoundary = errors.New("replies: multipart body without boundary")

// Payload is the result of parsing an inbound webhook body: exactly one of
// JSONPayload, FormPayload or Unsupported.
type Payload interface {
	isPayload()
}

// JSONPayload is a JSON object body.
type JSONPayload struct {
	Fields map[string]any
}

// FormPayload is a urlencoded or multipart body. Repeated keys keep every
// value in arrival order.
type FormPayload struct {
	Values      map[string][]string
	Attachments []string
}

// Unsupported is a body that is neither JSON nor a form.
type Unsupported struct {
	Reason string
}

func (JSONPayload) isPayload() {}
func (FormPayload) isPayload() {}
func (Unsupported) isPayload() {}

// ParseBody resolves the body shape once. An absent or unknown content type
// is tried as JSON and then as a urlencoded form.
func ParseBody(contentType string, body []byte) Payload {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if p, ok := parseJSON(body); ok {
			return p
		}
		return Unsupported{Reason: "invalid json body"}
	case mediaType == "multipart/form-data":
		p, err := parseMultipart(body, params["boundary"])
		if err != nil {
			return Unsupported{Reason: "invalid multipart body"}
		}
		return p
	case mediaType == "application/x-www-form-urlencoded":
		if p, ok := parseForm(body); ok {
			return p
		}
		return Unsupported{Reason: "invalid form body"}
	}

	if p, ok := parseJSON(body); ok {
		return p
	}
	if p, ok := parseForm(body); ok {
		return p
	}
	return Unsupported{Reason: "unsupported body"}
}

func parseJSON(body []byte) (JSONPayload, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return JSONPayload{}, false
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return JSONPayload{}, false
	}
	return JSONPayload{Fields: fields}, true
}

func parseForm(body []byte) (FormPayload, bool) {
	raw := strings.TrimSpace(string(body))
	if raw == "" || !strings.Contains(raw, "=") {
		return FormPayload{}, false
	}
	values, err := url.ParseQuery(raw)
	if err != nil || len(values) == 0 {
		return FormPayload{}, false
	}
	return FormPayload{Values: values}, true
}

func parseMultipart(body []byte, boundary string) (FormPayload, error) {
	if boundary == "" {
		return FormPayload{}, errNoBoundary
	}
	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(maxMultipartMemory)
	if err != nil {
		return FormPayload{}, err
	}
	defer form.RemoveAll()

	p := FormPayload{Values: make(map[string][]string, len(form.Value))}
	for k, v := range form.Value {
		p.Values[k] = append([]string(nil), v...)
	}
	for _, files := range form.File {
		for _, fh := range files {
			p.Attachments = append(p.Attachments, fh.Filename)
		}
	}
	sort.Strings(p.Attachments)
	return p, nil
}
