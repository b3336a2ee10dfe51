// Package registry implements the Application Registry: the map from
// service name to loaded handler module to method name to handler
// function, the method dispatcher, and the response-framing discipline
// (atomic vs. buffered/flushed).
package registry

import (
	"fmt"
	"strings"

	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/session"
)

// Options is a bitmask of method registration flags.
type Options int

const (
	// OptSystem marks a method implemented in-process rather than
	// resolved through the application's Resolver.
	OptSystem Options = 1 << iota
	// OptStreaming allows a method to emit more than one RESULT; it
	// automatically registers an OptAtomic twin under "<name>.atomic".
	OptStreaming
	// OptAtomic marks a method whose responses are collected and sent as
	// one RESULT containing a JSON array, followed by one STATUS/COMPLETE.
	OptAtomic
	// OptCachable is advisory for an external caching layer; the core
	// does not interpret it.
	OptCachable
)

// Handler executes one method invocation.
//
// Return value: negative signals an unhandled exception (the dispatcher
// emits STATUS/INTERNALSERVERERROR); zero means the handler already sent
// its own terminal STATUS; positive means the dispatcher should emit the
// terminal STATUS/COMPLETE itself.
type Handler interface {
	Exec(ctx *MethodContext) int
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx *MethodContext) int

// Exec implements Handler.
func (f HandlerFunc) Exec(ctx *MethodContext) int { return f(ctx) }

// Resolver resolves a service's handler module to a callable Handler for
// one method name. Implementations may be backed by a dynamic loader or,
// as StaticResolver provides, an in-process table.
type Resolver interface {
	Resolve(module, method string) (Handler, error)
}

// StaticResolver is a Resolver backed by a fixed in-process table, the
// shape a real deployment's dynamic-module loader is swapped in for.
type StaticResolver map[string]Handler

// Resolve implements Resolver.
func (r StaticResolver) Resolve(module, method string) (Handler, error) {
	h, ok := r[method]
	if !ok {
		return nil, fmt.Errorf("registry: no handler for %s.%s", module, method)
	}
	return h, nil
}

// Method is one registered method's metadata. UserData is an opaque value
// the owning application may attach for its handlers to read back through
// MethodContext.Method; the core never interprets it.
type Method struct {
	Name     string
	Notes    string
	MinArgc  int
	Options  Options
	BufSize  int
	UserData any

	handler Handler
}

func (m *Method) atomic() bool    { return m.Options&OptAtomic != 0 }
func (m *Method) system() bool    { return m.Options&OptSystem != 0 }
func (m *Method) streaming() bool { return m.Options&OptStreaming != 0 }
func (m *Method) cachable() bool  { return m.Options&OptCachable != 0 }

// App is one registered service: its resolver, method table, and optional
// drone-exit hook.
type App struct {
	Name       string
	Resolver   Resolver
	Methods    map[string]*Method
	ChildExit  func()
	RedactDeny []string // method-name prefixes whose params are redacted in the call log

	log *osrflog.Logger
}

const defaultBufSize = 8192

// RegisterApplication loads an application: runs the optional initialize
// hook (failing registration if it returns an error) and installs the six
// built-in system methods. It takes no child-exit hook; the returned App's
// ChildExit is nil.
func RegisterApplication(name string, resolver Resolver, log *osrflog.Logger, initialize func() error) (*App, error) {
	if initialize != nil {
		if err := initialize(); err != nil {
			return nil, fmt.Errorf("registry: initialize failed for %s: %w", name, err)
		}
	}
	if log == nil {
		log = osrflog.Nop()
	}

	app := &App{
		Name:     name,
		Resolver: resolver,
		Methods:  make(map[string]*Method),
		log:      log,
	}
	installSystemMethods(app)
	return app, nil
}

// RegisterMethod installs method name with the given handler and options.
// If opts includes OptStreaming, a twin method "<name>.atomic" is also
// installed automatically, with OptAtomic set and OptStreaming cleared.
func (a *App) RegisterMethod(name string, h Handler, minArgc int, opts Options, bufSize int, notes string) error {
	if _, exists := a.Methods[name]; exists {
		return fmt.Errorf("registry: method %q already registered", name)
	}
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}

	a.Methods[name] = &Method{
		Name:    name,
		Notes:   notes,
		MinArgc: minArgc,
		Options: opts,
		BufSize: bufSize,
		handler: h,
	}

	if opts&OptStreaming != 0 {
		twinOpts := (opts &^ OptStreaming) | OptAtomic
		a.Methods[name+".atomic"] = &Method{
			Name:    name + ".atomic",
			Notes:   notes,
			MinArgc: minArgc,
			Options: twinOpts,
			BufSize: bufSize,
			handler: h,
		}
	}
	return nil
}

// MethodContext carries everything a Handler needs for one invocation.
type MethodContext struct {
	Session   *session.Session
	Method    *Method
	Params    []osrfmsg.RawMessage
	RequestID int

	atomicResponses []osrfmsg.RawMessage
	app             *App
}

// Respond emits one RESULT. For an atomic method this clones payload into
// the per-call accumulator instead of sending immediately.
func (c *MethodContext) Respond(payload osrfmsg.RawMessage) error {
	if c.Method.atomic() {
		clone := make(osrfmsg.RawMessage, len(payload))
		copy(clone, payload)
		c.atomicResponses = append(c.atomicResponses, clone)
		return nil
	}
	msg := osrfmsg.NewResult(c.RequestID, payload)
	if err := c.Session.QueueBuffered(msg, c.Method.BufSize); err != nil {
		return err
	}
	return c.drainInbound()
}

// RespondComplete finishes the request: optionally emitting payload, then
// the terminal STATUS/COMPLETE, framed per the method's atomic/buffered
// discipline, then flushes.
func (c *MethodContext) RespondComplete(payload *osrfmsg.RawMessage) error {
	if c.Method.atomic() {
		if payload != nil {
			clone := make(osrfmsg.RawMessage, len(*payload))
			copy(clone, *payload)
			c.atomicResponses = append(c.atomicResponses, clone)
		}
		arr, err := osrfmsg.EncodeRawArray(c.atomicResponses)
		if err != nil {
			return err
		}
		c.Session.QueueRaw(osrfmsg.NewResult(c.RequestID, arr))
		c.Session.QueueRaw(osrfmsg.NewStatus(c.RequestID, osrfmsg.StatusComplete, "Request Complete"))
		return c.Session.Flush()
	}

	if payload != nil {
		msg := osrfmsg.NewResult(c.RequestID, *payload)
		if err := c.Session.QueueBuffered(msg, c.Method.BufSize); err != nil {
			return err
		}
	}
	c.Session.QueueRaw(osrfmsg.NewStatus(c.RequestID, osrfmsg.StatusComplete, "Request Complete"))
	return c.Session.Flush()
}

// drainInbound opportunistically drains any pending inbound stanzas via a
// zero-timeout wait on the session's own transport, so a long sequence of
// buffered responses doesn't stall the transport.
func (c *MethodContext) drainInbound() error { return c.Session.DrainInbound() }

// RunMethod looks up method on app, validates the argument count, builds a
// MethodContext, and dispatches to its handler (in-process for SYSTEM
// methods, otherwise through the Resolver). It emits the appropriate
// terminal STATUS itself when the handler doesn't.
func (a *App) RunMethod(sess *session.Session, requestID int, method string, params []osrfmsg.RawMessage) error {
	a.logCall(method, params)

	m, ok := a.Methods[method]
	if !ok {
		return a.emitStatus(sess, requestID, osrfmsg.StatusNotFound, fmt.Sprintf("Method not found: %s", method))
	}
	if m.MinArgc > 0 && len(params) < m.MinArgc {
		return a.emitStatus(sess, requestID, osrfmsg.StatusNotAllowed, fmt.Sprintf("%s requires at least %d arguments", method, m.MinArgc))
	}

	ctx := &MethodContext{Session: sess, Method: m, Params: params, RequestID: requestID, app: a}

	var handler Handler
	var err error
	if m.system() {
		handler, err = systemHandler(m.Name)
	} else {
		resolveName := strings.TrimSuffix(m.Name, ".atomic")
		handler, err = a.Resolver.Resolve(a.Name, resolveName)
	}
	if err != nil {
		return a.emitStatus(sess, requestID, osrfmsg.StatusNotFound, err.Error())
	}

	ret := handler.Exec(ctx)
	switch {
	case ret < 0:
		return a.emitStatus(sess, requestID, osrfmsg.StatusInternalServerError, "Unhandled exception in method handler")
	case ret > 0:
		return ctx.RespondComplete(nil)
	default:
		return nil
	}
}

func (a *App) emitStatus(sess *session.Session, requestID int, code osrfmsg.StatusCode, text string) error {
	sess.QueueRaw(osrfmsg.NewStatus(requestID, code, text))
	return sess.Flush()
}

// logCall writes the call log at method entry, redacting params for any
// method whose name has a configured deny-listed prefix.
func (a *App) logCall(method string, params []osrfmsg.RawMessage) {
	paramsText := "[redacted]"
	if !a.redacted(method) {
		encoded, err := osrfmsg.EncodeRawArray(params)
		if err == nil {
			paramsText = string(encoded)
		}
	}
	a.log.Debug("method call", osrflog.String("method", method), osrflog.String("params", paramsText))
}

func (a *App) redacted(method string) bool {
	for _, prefix := range a.RedactDeny {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}
