// Package stack implements the Stack: the single inbound-dispatch entry
// point that decodes one Transport Message's body into its batch of Method
// Messages, finds or creates the owning Application Session, and either
// feeds the registry dispatcher (server path) or the session's request
// queues (client path).
package stack

import (
	"fmt"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/registry"
	"github.com/evergreen-library-system/opensrf/session"
	"github.com/evergreen-library-system/opensrf/transport"
)

// Stack dispatches inbound Transport Messages for one process. A client-only
// process binds a Stack with App nil: it can only ever route RESULT/STATUS
// traffic into sessions it already created. A service process (listener or
// drone) additionally supplies App so that an unknown thread carrying a
// CONNECT or a stateless REQUEST can stand up a fresh server-role Session.
type Stack struct {
	Cache       *session.Cache
	App         *registry.App
	ServiceName string
	Stateless   bool
	SelfAddress string
	Log         *osrflog.Logger

	transport *transport.Session
	delivered int
}

// New builds a Stack bound to cache. App/ServiceName/Stateless may be left
// zero for a client-only Stack.
func New(cache *session.Cache, selfAddress string, log *osrflog.Logger) *Stack {
	if log == nil {
		log = osrflog.Nop()
	}
	return &Stack{Cache: cache, SelfAddress: selfAddress, Log: log}
}

// BindTransport attaches the process's bus connection so that server
// sessions created by Deliver can send their replies through it. A drone
// that feeds Deliver from its data pipe must call this with its own bus
// connection, since no Process call ever runs on that path.
func (s *Stack) BindTransport(t *transport.Session) { s.transport = t }

// Callback returns the transport.Callback a Transport Session should be
// constructed with so that every stanza it parses flows through this Stack.
func (s *Stack) Callback() transport.Callback {
	return func(m *bus.Message) {
		s.delivered++
		s.Deliver(m)
	}
}

// Process calls Wait(timeout) on t and returns the count of stanzas
// consumed. t must have been constructed with s.Callback() (or an
// equivalent wrapper) as its delivery callback.
func (s *Stack) Process(t *transport.Session, timeout time.Duration) (int, error) {
	s.transport = t
	s.delivered = 0

	res, err := t.Wait(timeout)
	if err != nil {
		return s.delivered, err
	}
	if res == transport.WaitError {
		return s.delivered, fmt.Errorf("stack: transport error")
	}
	if res == transport.WaitClosed {
		return s.delivered, fmt.Errorf("stack: transport closed")
	}
	return s.delivered, nil
}

// Deliver processes one already-received Transport Message: the wire-error
// path, batch decode, session lookup/creation, and per-message dispatch. It
// is exported directly (not just through Process/Callback) so a prefork
// drone can feed it a stanza read straight from its data pipe without
// needing its own socket-driven Wait loop.
func (s *Stack) Deliver(m *bus.Message) *session.Session {
	if m.Err != nil {
		s.handleWireError(m)
		return nil
	}

	batch, err := osrfmsg.DecodeBatch([]byte(m.Body))
	if err != nil {
		s.Log.Warn("stack: failed to decode method batch",
			osrflog.String("thread", m.Thread), osrflog.Err(err))
		return nil
	}

	sess, ok := s.sessionFor(m, batch)
	if !ok {
		return nil
	}

	// A stateful session tracks the last peer it heard from, so replies
	// after the first hop go straight to the drone/client rather than back
	// through the router. Stateless sessions re-address to the router
	// before every send instead.
	if !sess.Stateless && m.Sender != "" {
		sess.UpdatePeer(m.Sender)
	}
	if sess.Role == session.RoleServer {
		sess.SetXID(m.XID)
	}

	for _, mm := range batch {
		s.dispatch(sess, mm)
	}
	return sess
}

// handleWireError logs an inbound wire-level error stanza and, if it names
// a live session, marks that session's transport_error flag so subsequent
// sends fail fast.
func (s *Stack) handleWireError(m *bus.Message) {
	if m.Err.Code == "401" {
		s.Log.Warn("stack: auth failure on inbound stanza", osrflog.String("thread", m.Thread))
	} else {
		s.Log.Warn("stack: wire error on inbound stanza",
			osrflog.String("thread", m.Thread),
			osrflog.String("type", m.Err.Type),
			osrflog.String("code", m.Err.Code))
	}
	if sess, ok := s.Cache.Load(m.Thread); ok {
		sess.SetTransportError()
	}
}

// sessionFor finds the session owning m's thread. A service Stack seeing a
// CONNECT or a stateless REQUEST on a novel thread creates one.
// RESULT/STATUS/DISCONNECT traffic for an unknown thread has no session to
// land in and is dropped.
func (s *Stack) sessionFor(m *bus.Message, batch osrfmsg.Batch) (*session.Session, bool) {
	if sess, ok := s.Cache.Load(m.Thread); ok {
		return sess, true
	}

	creates := len(batch) > 0 &&
		(batch[0].Kind == osrfmsg.KindConnect || batch[0].Kind == osrfmsg.KindRequest)
	if s.App == nil || !creates {
		s.Log.Info("stack: dropping message for unknown session",
			osrflog.String("thread", m.Thread))
		return nil, false
	}

	peer := m.Sender
	if m.RouterFrom != "" {
		peer = m.RouterFrom
	}

	sess, err := session.ServerInit(s.Cache, s.transport, s.SelfAddress, m.Thread, s.ServiceName, peer, s.Stateless)
	if err != nil {
		s.Log.Info("stack: duplicate server session", osrflog.Err(err))
		return nil, false
	}
	return sess, true
}

// dispatch applies one Method Message to sess per its Kind and sess's role.
func (s *Stack) dispatch(sess *session.Session, mm *osrfmsg.Message) {
	switch mm.Kind {
	case osrfmsg.KindConnect:
		if sess.Role == session.RoleServer {
			sess.ConnectServerSide()
			s.replyStatus(sess, mm.ThreadTrace, osrfmsg.StatusOK, "Connection Successful")
		}

	case osrfmsg.KindDisconnect:
		if sess.Role == session.RoleServer {
			sess.DisconnectServerSide()
		}

	case osrfmsg.KindRequest:
		if sess.Role != session.RoleServer || s.App == nil {
			return
		}
		if err := s.App.RunMethod(sess, mm.ThreadTrace, mm.Method, mm.Params); err != nil {
			s.Log.With(sess.XID()).Error("stack: method dispatch failed",
				osrflog.String("method", mm.Method), osrflog.Err(err))
		}

	case osrfmsg.KindResult:
		if sess.Role == session.RoleClient && !sess.DeliverResult(mm.ThreadTrace, mm) {
			s.Log.Info("stack: discarding RESULT for finished request",
				osrflog.String("thread", sess.ID), osrflog.Int("thread_trace", mm.ThreadTrace))
		}

	case osrfmsg.KindStatus:
		if sess.Role == session.RoleClient && !sess.DeliverStatus(mm.ThreadTrace, mm) {
			s.Log.Info("stack: discarding STATUS for finished request",
				osrflog.String("thread", sess.ID), osrflog.Int("thread_trace", mm.ThreadTrace))
		}
	}

	if mm.Locale != "" {
		sess.SetLocale(mm.Locale)
	}
}

// replyStatus sends a one-off STATUS frame outside the buffered-response
// discipline, used for the CONNECT handshake reply.
func (s *Stack) replyStatus(sess *session.Session, threadTrace int, code osrfmsg.StatusCode, text string) {
	sess.QueueRaw(osrfmsg.NewStatus(threadTrace, code, text))
	if err := sess.Flush(); err != nil {
		s.Log.Warn("stack: failed to send status reply", osrflog.Err(err))
	}
}
