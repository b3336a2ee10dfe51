// Package session implements the Application Session: per-conversation
// state layered on top of a Transport Session, plus the Request type and
// the process-wide Session Cache.
package session

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/transport"
)

// Role distinguishes a client-originated session from a server-side one.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the Application Session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Outcome is the result of one RequestRecv call.
type Outcome int

const (
	OutcomeResult Outcome = iota
	OutcomeComplete
	OutcomeTimeout
	OutcomeTransportError
)

// DefaultConnectTimeout is the connect() default when the caller passes 0.
const DefaultConnectTimeout = 5 * time.Second

// Request is one outstanding client call: its identity, completion state,
// and FIFO of arrived RESULT/STATUS messages.
type Request struct {
	RequestID int
	Payload   *osrfmsg.Message

	complete bool
	queue    []*osrfmsg.Message

	// resetTimeoutPending is set by the first CONTINUE status and consumed
	// by the next RequestRecv loop iteration. resetTimeoutConsumed records
	// that the single refresh this request is entitled to has been spent;
	// further CONTINUEs cannot extend the wait again, keeping the total
	// budget at timeout+timeout no matter how many a server sends.
	resetTimeoutPending  bool
	resetTimeoutConsumed bool
}

// Complete reports whether the request has reached a terminal status.
func (r *Request) Complete() bool { return r.complete }

// Session is one Application Session: a conversation between a client and
// a service, identified by an opaque thread.
type Session struct {
	ID                   string
	RemoteService        string
	PeerAddress          string
	OriginalPeerAddress  string
	Role                 Role
	Stateless            bool
	State                State
	Locale               string
	RouterName           string
	Domain               string

	selfAddress    string
	threadTrace    int
	requests       map[int]*Request
	outbuf         []*osrfmsg.Message
	transportError bool
	panicked       bool

	// xid is the log-correlation id stamped on every outbound stanza.
	// Client sessions mint a fresh one per request; server sessions adopt
	// the one the inbound stanza carried so it survives the hop.
	xid string

	userData     any
	userDataDrop func(any)

	transport *transport.Session
	cache     *Cache

	// connectPending guards pendingConnect: CONNECT reuses the session's
	// current thread_trace without consuming one (request traces must
	// start at 1 even after an auto-connect), so the pending trace alone
	// cannot distinguish "awaiting a CONNECT reply" from idle.
	pendingConnect int
	connectPending bool
}

// Panic reports whether a handler raised the terminal drone-failure flag.
func (s *Session) Panic() bool { return s.panicked }

// SetPanic marks the session's drone for termination after its current
// reply is sent.
func (s *Session) SetPanic() { s.panicked = true }

// TransportError reports whether a transport-level failure has occurred.
func (s *Session) TransportError() bool { return s.transportError }

// SetTransportError marks the session as failed following an inbound
// wire-level error stanza, driven by the stack's error path.
func (s *Session) SetTransportError() { s.transportError = true }

// SetUserData attaches opaque caller data and the action used to release
// it on Teardown.
func (s *Session) SetUserData(v any, drop func(any)) {
	s.userData = v
	s.userDataDrop = drop
}

// UserData returns the opaque caller data previously set with SetUserData.
func (s *Session) UserData() any { return s.userData }

// newThread generates a session id from wall-clock time and pid, per
// time+pid, unique within one conversation.
func newThread() string {
	return fmt.Sprintf("%d.%d.%d", time.Now().UnixNano(), os.Getpid(), threadSeq.next())
}

// threadSeq disambiguates same-nanosecond session ids within one process.
var threadSeq sequence

type sequence struct{ n int }

func (s *sequence) next() int {
	s.n++
	return s.n
}

// ClientInit allocates a new client-role Session addressed to service via
// the configured router, and registers it in cache.
func ClientInit(cache *Cache, t *transport.Session, selfAddress, routerName, domain, service string) (*Session, error) {
	id := newThread()
	peer := fmt.Sprintf("%s@%s/%s", routerName, domain, service)

	s := &Session{
		ID:                  id,
		RemoteService:       service,
		PeerAddress:         peer,
		OriginalPeerAddress: peer,
		Role:                RoleClient,
		State:               StateDisconnected,
		RouterName:          routerName,
		Domain:              domain,
		selfAddress:         selfAddress,
		requests:            make(map[int]*Request),
		transport:           t,
		cache:               cache,
	}
	cache.Store(s)
	return s, nil
}

// ServerInit registers a server-role Session for a session id supplied by
// a peer. It fails if the id already exists: servers never collide on ids
// they didn't generate.
func ServerInit(cache *Cache, t *transport.Session, selfAddress, sessionID, service, peerAddress string, stateless bool) (*Session, error) {
	if _, ok := cache.Load(sessionID); ok {
		return nil, fmt.Errorf("session: duplicate server session id %q", sessionID)
	}
	s := &Session{
		ID:                  sessionID,
		RemoteService:       service,
		PeerAddress:         peerAddress,
		OriginalPeerAddress: peerAddress,
		Role:                RoleServer,
		Stateless:           stateless,
		State:               StateDisconnected,
		selfAddress:         selfAddress,
		requests:            make(map[int]*Request),
		transport:           t,
		cache:               cache,
	}
	cache.Store(s)
	return s, nil
}

// nextThreadTrace returns the next monotonically increasing thread_trace
// for this session, starting at 1.
func (s *Session) nextThreadTrace() int {
	s.threadTrace++
	return s.threadTrace
}

// XID returns the session's current log-correlation id.
func (s *Session) XID() string { return s.xid }

// SetXID adopts an inbound stanza's log-correlation id so replies and log
// lines carry it across the hop.
func (s *Session) SetXID(xid string) {
	if xid != "" {
		s.xid = xid
	}
}

// send wraps one Method Message batch in a Transport Message and sends it.
func (s *Session) send(batch osrfmsg.Batch) error {
	body, err := osrfmsg.EncodeBatch(batch)
	if err != nil {
		return fmt.Errorf("session: failed to encode batch: %w", err)
	}
	m := bus.New(string(body), "", s.ID, s.PeerAddress, s.selfAddress, bus.WithXID(s.xid))
	if err := s.transport.Send(m); err != nil {
		s.transportError = true
		return err
	}
	return nil
}

// Connect is a no-op if already CONNECTED. It sends a CONNECT Method
// Message, enters CONNECTING, and loops Wait until the inbound path flips
// the state to CONNECTED or the timeout elapses.
func (s *Session) Connect(timeout time.Duration) error {
	if s.State == StateConnected {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	trace := s.threadTrace
	s.pendingConnect = trace
	s.connectPending = true
	if err := s.send(osrfmsg.Batch{osrfmsg.NewConnect(trace)}); err != nil {
		s.connectPending = false
		return err
	}
	s.State = StateConnecting

	remaining := timeout
	for s.State == StateConnecting {
		start := time.Now()
		res, err := s.transport.Wait(remaining)
		if err != nil || res == transport.WaitError {
			s.transportError = true
			s.State = StateDisconnected
			s.connectPending = false
			return fmt.Errorf("session: connect failed: %w", err)
		}
		if res == transport.WaitClosed {
			s.State = StateDisconnected
			s.connectPending = false
			return fmt.Errorf("session: connect failed: transport closed")
		}
		remaining -= time.Since(start)
		if remaining <= 0 {
			s.State = StateDisconnected
			s.connectPending = false
			return fmt.Errorf("session: connect timed out")
		}
	}
	if s.State != StateConnected {
		s.connectPending = false
		return fmt.Errorf("session: connect failed")
	}
	return nil
}

// MakeRequest allocates the next thread_trace, builds and sends a REQUEST,
// auto-connecting first for a stateful session that isn't yet CONNECTED. A
// stateless session re-addresses to the router before every send.
func (s *Session) MakeRequest(method string, params []any, protocol int) (int, error) {
	if s.Stateless {
		s.PeerAddress = s.OriginalPeerAddress
	} else if s.State != StateConnected && s.Role == RoleClient {
		if err := s.Connect(0); err != nil {
			return 0, err
		}
	}

	trace := s.nextThreadTrace()
	s.xid = uuid.NewString()
	rawParams, err := encodeParams(params)
	if err != nil {
		return 0, fmt.Errorf("session: failed to encode params: %w", err)
	}

	msg := osrfmsg.NewRequest(trace, method, rawParams, s.Locale)
	msg.Protocol = protocol

	req := &Request{RequestID: trace, Payload: msg}
	s.requests[trace] = req

	if err := s.send(osrfmsg.Batch{msg}); err != nil {
		return 0, err
	}
	return trace, nil
}

// RequestRecv waits for the next Result or terminal status of requestID.
func (s *Session) RequestRecv(requestID int, timeout time.Duration) (Outcome, *osrfmsg.Message, error) {
	req, ok := s.requests[requestID]
	if !ok {
		return OutcomeTransportError, nil, fmt.Errorf("session: no such request %d", requestID)
	}

	if len(req.queue) > 0 {
		m := req.queue[0]
		req.queue = req.queue[1:]
		return OutcomeResult, m, nil
	}
	if req.complete {
		return OutcomeComplete, nil, nil
	}
	if timeout == 0 {
		return OutcomeTimeout, nil, nil
	}

	remaining := timeout
	for {
		if s.transportError {
			return OutcomeTransportError, nil, nil
		}

		start := time.Now()
		res, err := s.transport.Wait(remaining)
		if err != nil {
			return OutcomeTransportError, nil, err
		}
		if res == transport.WaitError {
			return OutcomeTransportError, nil, nil
		}
		if res == transport.WaitClosed {
			s.transportError = true
			return OutcomeTransportError, nil, nil
		}

		if len(req.queue) > 0 {
			m := req.queue[0]
			req.queue = req.queue[1:]
			return OutcomeResult, m, nil
		}
		if req.complete {
			return OutcomeComplete, nil, nil
		}

		if req.resetTimeoutPending {
			req.resetTimeoutPending = false
			req.resetTimeoutConsumed = true
			remaining = timeout
			continue
		}

		if timeout > 0 {
			remaining -= time.Since(start)
			if remaining <= 0 {
				return OutcomeTimeout, nil, nil
			}
		}
	}
}

// HasRequest reports whether requestID names a live Request in this
// session, used by the stack to decide whether an inbound RESULT/STATUS
// has anywhere to go.
func (s *Session) HasRequest(requestID int) bool {
	_, ok := s.requests[requestID]
	return ok
}

// DeliverResult appends an inbound RESULT to requestID's queue, reporting
// false if no such Request is live (the caller logs the discard). Called by
// the stack on the client path.
func (s *Session) DeliverResult(requestID int, m *osrfmsg.Message) bool {
	return s.deliverResult(requestID, m)
}

func (s *Session) deliverResult(requestID int, m *osrfmsg.Message) bool {
	req, ok := s.requests[requestID]
	if !ok {
		return false
	}
	req.queue = append(req.queue, m)
	return true
}

// DeliverStatus applies a STATUS Method Message to requestID's Request,
// reporting false if the status matched neither a pending CONNECT nor a
// live Request. Called by the stack on the client path.
func (s *Session) DeliverStatus(requestID int, m *osrfmsg.Message) bool {
	return s.deliverStatus(requestID, m)
}

func (s *Session) deliverStatus(requestID int, m *osrfmsg.Message) bool {
	if s.connectPending && requestID == s.pendingConnect {
		switch {
		case m.StatusCode == osrfmsg.StatusOK:
			s.State = StateConnected
			s.connectPending = false
			return true
		case m.StatusCode == osrfmsg.StatusComplete, m.StatusCode == osrfmsg.StatusNotFound:
			s.State = StateDisconnected
			s.connectPending = false
			return true
		}
	}

	req, ok := s.requests[requestID]
	if !ok {
		return false
	}

	if m.StatusCode.Continuation() {
		if !req.resetTimeoutConsumed {
			req.resetTimeoutPending = true
		}
		return true
	}

	req.complete = true
	if m.StatusCode.Failure() {
		req.queue = append(req.queue, m)
	}
	return true
}

// RequestResetTimeout marks requestID so the next RequestRecv loop
// iteration consumes one timeout refresh.
func (s *Session) RequestResetTimeout(requestID int) {
	if req, ok := s.requests[requestID]; ok {
		req.resetTimeoutPending = true
	}
}

// RequestFinish deletes requestID from the session's index.
func (s *Session) RequestFinish(requestID int) {
	delete(s.requests, requestID)
}

// UpdatePeer records the last-seen peer address for a stateful session, so
// follow-up sends go straight to the peer instead of back through the
// router. OriginalPeerAddress is untouched; Disconnect restores it.
func (s *Session) UpdatePeer(addr string) {
	if !s.Stateless && addr != "" {
		s.PeerAddress = addr
	}
}

// SetLocale updates the session's locale in place.
func (s *Session) SetLocale(locale string) { s.Locale = locale }

// Disconnect sends a DISCONNECT (clients only) and reverts PeerAddress to
// its original value.
func (s *Session) Disconnect() error {
	defer func() { s.PeerAddress = s.OriginalPeerAddress }()

	if s.Role != RoleClient {
		s.State = StateDisconnected
		return nil
	}
	if s.Stateless && s.State == StateConnecting {
		s.State = StateDisconnected
		return nil
	}
	if s.State == StateDisconnected {
		return nil
	}

	err := s.send(osrfmsg.Batch{osrfmsg.NewDisconnect(s.threadTrace)})
	s.State = StateDisconnected
	return err
}

// Teardown disconnects (client sessions only), removes the session from
// the cache, drops user data via its configured action, and frees every
// outstanding Request.
func (s *Session) Teardown() {
	if s.Role == RoleClient && s.State != StateDisconnected {
		_ = s.Disconnect()
	}
	if s.cache != nil {
		s.cache.Delete(s.ID)
	}
	if s.userDataDrop != nil {
		s.userDataDrop(s.userData)
		s.userData = nil
		s.userDataDrop = nil
	}
	s.requests = make(map[int]*Request)
}

// ConnectServerSide transitions a server session to CONNECTED on receipt
// of a CONNECT Method Message, as driven by the stack.
func (s *Session) ConnectServerSide() { s.State = StateConnected }

// DisconnectServerSide transitions a server session to DISCONNECTED on
// receipt of a DISCONNECT, as driven by the stack.
func (s *Session) DisconnectServerSide() { s.State = StateDisconnected }

// QueueRaw appends m to the server-side output buffer without the
// bufsize-triggered flush, for atomic-method framing and terminal STATUS
// frames that must share a batch with an already-buffered RESULT.
func (s *Session) QueueRaw(m *osrfmsg.Message) {
	s.outbuf = append(s.outbuf, m)
}

// QueueBuffered appends m to the output buffer, flushing first if doing
// so would exceed bufSize (0 disables the size check).
func (s *Session) QueueBuffered(m *osrfmsg.Message, bufSize int) error {
	if bufSize > 0 && len(s.outbuf) > 0 {
		encoded, err := osrfmsg.EncodeBatch(append(append(osrfmsg.Batch{}, s.outbuf...), m))
		if err != nil {
			return err
		}
		if len(encoded) > bufSize {
			if err := s.Flush(); err != nil {
				return err
			}
		}
	}
	s.outbuf = append(s.outbuf, m)
	return nil
}

// Flush sends the buffered output as one Transport Message and clears it.
// After Flush returns successfully the output buffer is empty.
func (s *Session) Flush() error {
	if len(s.outbuf) == 0 {
		return nil
	}
	batch := s.outbuf
	s.outbuf = nil
	return s.send(batch)
}

// OutbufEmpty reports whether the server-side output buffer has nothing
// pending.
func (s *Session) OutbufEmpty() bool { return len(s.outbuf) == 0 }

// DrainInbound opportunistically pumps the session's transport with
// zero-timeout Wait calls for as long as bytes are immediately available,
// so a handler emitting a long sequence of buffered responses doesn't leave
// inbound traffic (a CONTINUE, a DISCONNECT) sitting unread on the socket
// between flushes. It stops at the first WaitTimeout (nothing more pending
// right now) and otherwise ignores the result, since a closed or failed
// transport surfaces on the next ordinary Wait/Send in the usual way.
func (s *Session) DrainInbound() error {
	if s.transport == nil {
		return nil
	}
	for {
		res, err := s.transport.Wait(0)
		if err != nil || res != transport.WaitOK {
			return err
		}
	}
}

// encodeParams marshals a caller's positional arguments into the ordered
// JSON values a REQUEST carries.
func encodeParams(params []any) ([]osrfmsg.RawMessage, error) {
	out := make([]osrfmsg.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := osrfmsg.MarshalParam(p)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
