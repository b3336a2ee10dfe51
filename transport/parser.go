package transport

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/evergreen-library-system/opensrf/bus"
)

// parser incrementally assembles complete top-level stanzas (<message>,
// <presence>, <iq>, <error>) out of an arbitrarily-chunked byte stream.
//
// It re-runs a fresh xml.Decoder over the whole accumulated buffer on every
// Feed call. A decode failure that amounts to "the buffer ends mid-token"
// is treated as not enough bytes yet: the buffer is retained untouched and
// retried on the next Feed with more data appended. A structural failure
// (mismatched end tag, illegal token) is surfaced as a parse error, since
// no amount of further input can repair bytes already malformed. This
// trades re-parsing work for a parser with no partial-token state to save
// across calls, matching the cooperative, single-threaded model the rest
// of the session uses.
type parser struct {
	buf bytes.Buffer
}

func newParser() *parser {
	return &parser{}
}

// Feed appends chunk to the pending buffer, extracts every complete
// top-level stanza now available, and returns the <message> stanzas among
// them as Transport Messages in wire order. <presence> and <iq> stanzas
// outside the handshake carry nothing the session consumes and are skipped;
// a top-level <error> means the peer is failing the stream and is surfaced
// as a parse error. A non-nil error means the session should be considered
// failed; any messages already extracted are still returned.
func (p *parser) Feed(chunk []byte) ([]*bus.Message, error) {
	p.buf.Write(chunk)

	var out []*bus.Message
	for {
		raw, rest, ok, serr := splitNextStanza(p.buf.Bytes())
		if serr != nil {
			return out, fmt.Errorf("transport: malformed stanza: %w", serr)
		}
		if !ok {
			break
		}
		p.buf.Reset()
		p.buf.Write(rest)

		switch rootName(raw) {
		case "message":
			m, err := bus.FromWire(raw)
			if err != nil {
				return out, err
			}
			out = append(out, m)
		case "presence", "iq":
			// nothing to deliver outside the handshake
		case "error":
			return out, fmt.Errorf("transport: peer sent stream-level error")
		default:
			// unknown stanza kind; a parse warning, not an error
		}
	}
	return out, nil
}

// rootName returns the local name of raw's top-level element.
func rootName(raw []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

// splitNextStanza scans buf for one complete top-level element and, if
// found, returns its bytes, the remaining unconsumed bytes, and ok=true. If
// buf merely ends mid-element (genuine EOF, or the decoder choking on a
// truncated token at the very end, which encoding/xml reports as an
// "unexpected EOF" syntax error), it returns ok=false with a nil error: the
// caller interprets this as "need more bytes" and retries with a longer
// buffer. Any other decode failure — a mismatched end tag, an illegal
// token — can never be repaired by more input and is returned as a real
// error so the session fails instead of retrying the same bytes forever.
func splitNextStanza(buf []byte) (stanza, rest []byte, ok bool, err error) {
	dec := xml.NewDecoder(bytes.NewReader(buf))

	var start xml.StartElement
	var haveStart bool
	depth := 0

	for {
		tok, terr := dec.Token()
		if terr != nil {
			if truncationError(terr) {
				return nil, nil, false, nil
			}
			return nil, nil, false, terr
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !haveStart {
				start = t.Copy()
				haveStart = true
			}
			depth++

		case xml.EndElement:
			depth--
			if haveStart && depth == 0 && t.Name.Local == start.Name.Local {
				end := dec.InputOffset()
				stanzaBytes := make([]byte, end)
				copy(stanzaBytes, buf[:end])
				remaining := make([]byte, len(buf)-int(end))
				copy(remaining, buf[end:])
				return stanzaBytes, remaining, true, nil
			}
		}
	}
}

// truncationError reports whether terr means the input simply ended too
// early, which more bytes can fix, as opposed to a structural fault in what
// has already arrived.
func truncationError(terr error) bool {
	if errors.Is(terr, io.EOF) || errors.Is(terr, io.ErrUnexpectedEOF) {
		return true
	}
	var syn *xml.SyntaxError
	return errors.As(terr, &syn) && strings.Contains(syn.Msg, "unexpected EOF")
}

// StreamOpenTag reports whether raw looks like the opening <stream:stream>
// framing element rather than a stanza; callers that see this inside
// ordinary traffic (a peer re-opening the stream without a fresh Connect)
// should treat it as a transport error.
func StreamOpenTag(raw []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	se, ok := tok.(xml.StartElement)
	if !ok {
		return false
	}
	return se.Name.Local == "stream"
}
