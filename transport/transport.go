// Package transport implements the Transport Session: the state machine
// that owns one long-lived connection to the message bus, drives the
// handshake, incrementally parses the inbound byte stream into Transport
// Messages, and delivers each to a callback.
//
// Scheduling model: single-threaded, cooperative. All I/O happens on calls
// into the Session from the owning goroutine; there is no background
// reader goroutine, matching the core's single-threaded-per-process
// concurrency model (every parallel unit is a separate prefork drone
// process, never a goroutine racing this Session).
package transport

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
)

// AuthMode selects the login variant used during Connect.
type AuthMode int

const (
	// AuthPlain sends the password in the clear.
	AuthPlain AuthMode = iota
	// AuthDigest sends SHA1(stream_id || password), hex-encoded.
	AuthDigest
	// AuthComponent performs the component handshake variant: a hash-only
	// exchange with no username or resource.
	AuthComponent
)

// WaitResult reports the outcome of one Wait call.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitClosed
	WaitTimeout
	WaitError
)

// Callback is invoked once per Transport Message, in the exact order the
// server delivered the underlying stanzas.
type Callback func(*bus.Message)

// ErrClosed is returned when an operation is attempted after the session
// has been disconnected.
var ErrClosed = errors.New("transport: session closed")

// Session owns one socket (TCP or Unix domain) and one incremental stanza
// parser. It is not safe for concurrent use: every method must be called
// from the single goroutine that owns the session, consistent with the
// core's cooperative scheduling model.
type Session struct {
	conn   net.Conn
	br     *bufio.Reader
	domain string

	streamID  string
	connected bool
	closing   bool

	// transportError is set by any parse or socket failure; once set, all
	// subsequent Send calls fail fast until a fresh Connect.
	transportError bool

	parser   *parser
	callback Callback

	readBuf []byte
}

// NewSession wraps an already-dialed connection. domain is the bus domain
// used as the `to` address of the opening stream element.
func NewSession(conn net.Conn, domain string, cb Callback) *Session {
	return &Session{
		conn:     conn,
		br:       bufio.NewReader(conn),
		domain:   domain,
		parser:   newParser(),
		callback: cb,
		readBuf:  make([]byte, 8192),
	}
}

// TransportError reports whether a prior parse or socket failure has put
// the session into the fail-fast state: once set, Send refuses to write
// until a fresh Connect succeeds.
func (s *Session) TransportError() bool { return s.transportError }

// Connected reports whether the handshake has completed successfully and
// no subsequent failure or explicit Disconnect has occurred.
func (s *Session) Connected() bool { return s.connected }

// Connect performs the handshake: open stream, wait for the server's
// stream reply (supplying a stream-id salt), emit a login element per
// mode, and wait for the success reply. Failure at any step marks the
// session disconnected; partial state does not persist across reconnect
// attempts.
func (s *Session) Connect(user, pass, resource string, timeout time.Duration, mode AuthMode) error {
	s.streamID = ""
	s.connected = false

	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("transport: failed to set handshake deadline: %w", err)
	}
	defer s.conn.SetDeadline(time.Time{}) //nolint:errcheck

	if _, err := fmt.Fprintf(s.conn, "<stream:stream xmlns:stream=\"http://etherx.jabber.org/streams\" to=%q version=\"1.0\">", s.domain); err != nil {
		s.fail()
		return fmt.Errorf("transport: failed to open stream: %w", err)
	}

	streamID, err := readStreamOpen(s.br)
	if err != nil {
		s.fail()
		return fmt.Errorf("transport: failed to read server stream reply: %w", err)
	}
	s.streamID = streamID

	if err := s.sendLogin(user, pass, resource, mode); err != nil {
		s.fail()
		return fmt.Errorf("transport: failed to send login: %w", err)
	}

	if err := s.awaitLoginSuccess(mode); err != nil {
		s.fail()
		return err
	}

	s.connected = true
	s.transportError = false
	return nil
}

func (s *Session) fail() {
	s.transportError = true
	s.connected = false
}

func (s *Session) sendLogin(user, pass, resource string, mode AuthMode) error {
	switch mode {
	case AuthComponent:
		digest := sha1Hex(s.streamID + pass)
		_, err := fmt.Fprintf(s.conn, "<handshake>%s</handshake>", digest)
		return err

	case AuthDigest:
		digest := sha1Hex(s.streamID + pass)
		return s.writeLoginIQ(user, digest, resource)

	default: // AuthPlain
		return s.writeLoginIQ(user, pass, resource)
	}
}

func (s *Session) writeLoginIQ(user, password, resource string) error {
	type query struct {
		XMLName  xml.Name `xml:"jabber:iq:auth query"`
		Username string   `xml:"username"`
		Password string   `xml:"password"`
		Resource string   `xml:"resource"`
	}
	type iq struct {
		XMLName xml.Name `xml:"iq"`
		Type    string   `xml:"type,attr"`
		ID      string   `xml:"id,attr"`
		Query   query    `xml:"query"`
	}
	req := iq{
		Type: "set",
		ID:   "login1",
		Query: query{
			Username: user,
			Password: password,
			Resource: resource,
		},
	}
	return xml.NewEncoder(s.conn).Encode(&req)
}

func (s *Session) awaitLoginSuccess(mode AuthMode) error {
	dec := xml.NewDecoder(s.br)
	tok, err := startElement(dec)
	if err != nil {
		return fmt.Errorf("transport: failed to read login reply: %w", err)
	}

	switch mode {
	case AuthComponent:
		if tok.Name.Local != "handshake" {
			return fmt.Errorf("transport: expected <handshake> reply, got <%s>", tok.Name.Local)
		}
	default:
		if tok.Name.Local != "iq" {
			return fmt.Errorf("transport: expected <iq> reply, got <%s>", tok.Name.Local)
		}
		if !hasAttr(tok.Attr, "type", "result") {
			return fmt.Errorf("transport: login failed: non-result iq reply")
		}
	}
	return skipToEnd(dec)
}

func readStreamOpen(r *bufio.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	tok, err := startElement(dec)
	if err != nil {
		return "", err
	}
	if tok.Name.Local != "stream" {
		return "", fmt.Errorf("transport: expected <stream:stream>, got <%s>", tok.Name.Local)
	}
	for _, a := range tok.Attr {
		if a.Name.Local == "id" {
			return a.Value, nil
		}
	}
	return "", fmt.Errorf("transport: server stream reply missing id")
}

func startElement(dec *xml.Decoder) (*xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return &se, nil
		}
	}
}

func skipToEnd(dec *xml.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

func hasAttr(attrs []xml.Attr, name, value string) bool {
	for _, a := range attrs {
		if a.Name.Local == name && a.Value == value {
			return true
		}
	}
	return false
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Wait blocks for up to timeout for the next chunk of bytes from the
// socket, feeds it to the incremental parser, and invokes the callback for
// every Transport Message the parser fully assembles. A return from Wait
// does not imply a whole stanza was received; callers must loop.
//
// timeout == 0 polls without blocking; timeout < 0 blocks indefinitely.
func (s *Session) Wait(timeout time.Duration) (WaitResult, error) {
	if s.transportError {
		return WaitError, errors.New("transport: session in error state")
	}

	var deadline time.Time
	switch {
	case timeout < 0:
		deadline = time.Time{} // no deadline: block indefinitely
	case timeout == 0:
		deadline = time.Now() // effectively non-blocking
	default:
		deadline = time.Now().Add(timeout)
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return WaitError, err
	}

	n, err := s.br.Read(s.readBuf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.closing = true
			return WaitClosed, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return WaitTimeout, nil
		}
		s.fail()
		return WaitError, err
	}

	msgs, perr := s.parser.Feed(s.readBuf[:n])
	for _, m := range msgs {
		if s.callback != nil {
			s.callback(m)
		}
	}
	if perr != nil {
		// A parse error marks the session failed. Stanzas the parser
		// skips (presence, iq, unknown kinds) yield no error and are not
		// reported or logged.
		s.fail()
		return WaitError, perr
	}

	return WaitOK, nil
}

// Send serializes and writes one Transport Message to the wire.
func (s *Session) Send(msg *bus.Message) error {
	if s.transportError {
		return ErrClosed
	}
	wire, err := msg.ToWire()
	if err != nil {
		s.fail()
		return err
	}
	if _, err := s.conn.Write(wire); err != nil {
		s.fail()
		return err
	}
	return nil
}

// Disconnect sends a closing stream element, closes the socket, and marks
// the session disconnected.
func (s *Session) Disconnect() error {
	s.closing = true
	s.connected = false
	_, werr := io.WriteString(s.conn, "</stream:stream>")
	cerr := s.conn.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// Discard closes the socket and frees parser state without sending a
// closing stream element, so a forked child does not disturb the parent's
// peer connection.
func (s *Session) Discard() error {
	s.closing = true
	s.connected = false
	return s.conn.Close()
}
