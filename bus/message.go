// Package bus implements the Transport Message: the immutable value type for
// one stanza exchanged on the OpenSRF message bus, along with its wire
// encoding and decoding.
package bus

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// ErrKind partitions the wire-level error a stanza may carry.
type ErrKind struct {
	Type string
	Code string
}

// Message is one stanza on the bus. Once constructed, every field is either
// the empty string or a valid UTF-8 value. Sender carries the effective
// origin after router rewriting (RouterFrom overrides From on decode).
type Message struct {
	Sender    string
	Recipient string
	Thread    string
	Subject   string
	Body      string

	RouterFrom    string
	RouterTo      string
	RouterClass   string
	RouterCommand string
	Broadcast     bool

	XID string

	Err *ErrKind
}

// Option mutates a Message at construction time. Used for the router
// extension and xid fields, which are legitimately empty strings and so
// cannot be distinguished from "unset" by a zero-value check alone.
type Option func(*Message)

// WithRouterFrom sets the router_from extension attribute.
func WithRouterFrom(v string) Option { return func(m *Message) { m.RouterFrom = v } }

// WithRouterTo sets the router_to extension attribute.
func WithRouterTo(v string) Option { return func(m *Message) { m.RouterTo = v } }

// WithRouterClass sets the router_class extension attribute.
func WithRouterClass(v string) Option { return func(m *Message) { m.RouterClass = v } }

// WithRouterCommand sets the router_command extension attribute.
func WithRouterCommand(v string) Option { return func(m *Message) { m.RouterCommand = v } }

// WithBroadcast sets the broadcast flag.
func WithBroadcast(v bool) Option { return func(m *Message) { m.Broadcast = v } }

// WithXID sets the log-correlation id.
func WithXID(v string) Option { return func(m *Message) { m.XID = v } }

// WithError attaches a wire-level error to the message.
func WithError(errType, errCode string) Option {
	return func(m *Message) { m.Err = &ErrKind{Type: errType, Code: errCode} }
}

// New builds a Message from its required fields, applying any Options. A
// nil/empty body, subject, or thread is a valid empty string, not an error.
func New(body, subject, thread, recipient, sender string, opts ...Option) *Message {
	m := &Message{
		Sender:    sender,
		Recipient: recipient,
		Thread:    thread,
		Subject:   subject,
		Body:      body,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// wireMessage is the decode-side XML shape of a stanza. encoding/xml
// resolves entity and numeric character references on decode, so text
// escaped by escapeText on the way out round-trips back to its original
// value. Encoding does not go through this struct: the xml.Encoder has no
// hook for numeric-character-reference output, so ToWire writes the stanza
// itself through escapeText.
type wireMessage struct {
	XMLName xml.Name    `xml:"message"`
	To      string      `xml:"to,attr"`
	From    string      `xml:"from,attr"`
	Router  *wireRouter `xml:"router,omitempty"`
	Thread  string      `xml:"thread"`
	Subject string      `xml:"subject,omitempty"`
	Body    string      `xml:"body,omitempty"`
	Error   *wireMsgErr `xml:"error,omitempty"`
}

type wireRouter struct {
	From      string `xml:"router_from,attr,omitempty"`
	To        string `xml:"router_to,attr,omitempty"`
	Class     string `xml:"router_class,attr,omitempty"`
	Command   string `xml:"router_command,attr,omitempty"`
	Broadcast bool   `xml:"broadcast,attr,omitempty"`
	XID       string `xml:"osrf_xid,attr,omitempty"`
}

type wireMsgErr struct {
	Type string `xml:"type,attr"`
	Code string `xml:"code,attr"`
}

// escapeText renders s as XML text or attribute content: the five special
// characters become their named entities, and every code point above ASCII
// becomes a numeric character reference, so the wire carries only 7-bit
// bytes regardless of what the body holds. Whitespace passes through
// untouched.
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		case '\'':
			b.WriteString("&apos;")
		case '"':
			b.WriteString("&quot;")
		default:
			if r > 0x7F {
				fmt.Fprintf(&b, "&#x%X;", r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// writeAttr appends a name="value" attribute with escaped value, or nothing
// when value is empty.
func writeAttr(b *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString(`="`)
	b.WriteString(escapeText(value))
	b.WriteByte('"')
}

// ToWire renders the message as one stanza. All text nodes and attribute
// values pass through escapeText.
func (m *Message) ToWire() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`<message to="`)
	b.WriteString(escapeText(m.Recipient))
	b.WriteString(`" from="`)
	b.WriteString(escapeText(m.Sender))
	b.WriteString(`">`)

	if m.RouterFrom != "" || m.RouterTo != "" || m.RouterClass != "" ||
		m.RouterCommand != "" || m.Broadcast || m.XID != "" {
		b.WriteString("<router")
		writeAttr(&b, "router_from", m.RouterFrom)
		writeAttr(&b, "router_to", m.RouterTo)
		writeAttr(&b, "router_class", m.RouterClass)
		writeAttr(&b, "router_command", m.RouterCommand)
		if m.Broadcast {
			writeAttr(&b, "broadcast", "true")
		}
		writeAttr(&b, "osrf_xid", m.XID)
		b.WriteString("/>")
	}

	b.WriteString("<thread>")
	b.WriteString(escapeText(m.Thread))
	b.WriteString("</thread>")
	if m.Subject != "" {
		b.WriteString("<subject>")
		b.WriteString(escapeText(m.Subject))
		b.WriteString("</subject>")
	}
	if m.Body != "" {
		b.WriteString("<body>")
		b.WriteString(escapeText(m.Body))
		b.WriteString("</body>")
	}

	if m.Err != nil {
		b.WriteString("<error")
		writeAttr(&b, "type", m.Err.Type)
		writeAttr(&b, "code", m.Err.Code)
		b.WriteString("/>")
	}

	b.WriteString("</message>")
	return b.Bytes(), nil
}

// FromWire parses one stanza back into a Message. If router_from is present
// it overrides the top-level from, reflecting that the router rewrote the
// stanza's effective origin en route.
func FromWire(text []byte) (*Message, error) {
	var w wireMessage
	if err := xml.Unmarshal(text, &w); err != nil {
		return nil, fmt.Errorf("bus: failed to parse message: %w", err)
	}

	m := &Message{
		Sender:    w.From,
		Recipient: w.To,
		Thread:    w.Thread,
		Subject:   w.Subject,
		Body:      w.Body,
	}

	if w.Router != nil {
		m.RouterFrom = w.Router.From
		m.RouterTo = w.Router.To
		m.RouterClass = w.Router.Class
		m.RouterCommand = w.Router.Command
		m.Broadcast = w.Router.Broadcast
		m.XID = w.Router.XID

		if w.Router.From != "" {
			m.Sender = w.Router.From
		}
	}

	if w.Error != nil {
		m.Err = &ErrKind{Type: w.Error.Type, Code: w.Error.Code}
	}

	return m, nil
}
