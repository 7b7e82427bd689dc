// Package format turns broker payloads into outbound message bodies.
package format

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Template tokens
const (
	TopicToken   = "[topic]"
	MessageToken = "[message]"
)

// Render substitutes every [topic] and [message] token in template in a
// single left-to-right pass. Inserted text is never scanned for tokens, so
// a topic containing "[message]" stays literal. No escaping is applied.
func Render(template, topic, payload string) string {
	if !strings.Contains(template, "[") {
		return template
	}
	r := strings.NewReplacer(TopicToken, topic, MessageToken, payload)
	return r.Replace(template)
}

// Decoder converts raw payload bytes into text.
type Decoder struct {
	charset string
	enc     encoding.Encoding // nil means bytes pass through unchanged
}

// NewDecoder returns a decoder for the IANA charset name. An empty name or
// any UTF-8 alias yields a pass-through decoder.
func NewDecoder(charset string) (*Decoder, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	switch name {
	case "", "utf-8", "utf8":
		return &Decoder{charset: "utf-8"}, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported payload charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported payload charset %q", charset)
	}
	return &Decoder{charset: name, enc: enc}, nil
}

// Charset returns the normalized charset name.
func (d *Decoder) Charset() string {
	return d.charset
}

// Decode converts payload to a string.
func (d *Decoder) Decode(payload []byte) (string, error) {
	if d == nil || d.enc == nil {
		return string(payload), nil
	}
	out, err := d.enc.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode payload as %s: %w", d.charset, err)
	}
	return string(out), nil
}
