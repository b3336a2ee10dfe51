package registry

import (
	"sort"
	"strings"

	"github.com/segmentio/encoding/json"
)

const (
	methodEcho          = "opensrf.system.echo"
	methodIntrospect    = "opensrf.system.method"
	methodIntrospectAll = "opensrf.system.method.all"
)

// installSystemMethods registers the six built-in SYSTEM methods: echo,
// introspect, and introspect-all, each in a streaming form plus its atomic
// twin, written directly into the method table.
func installSystemMethods(app *App) {
	app.Methods[methodEcho] = &Method{
		Name: methodEcho, Notes: "Echoes back whatever params it is given, one RESULT per param.",
		Options: OptSystem | OptStreaming, BufSize: defaultBufSize,
	}
	app.Methods[methodEcho+".atomic"] = &Method{
		Name: methodEcho + ".atomic", Notes: app.Methods[methodEcho].Notes,
		Options: OptSystem | OptAtomic, BufSize: defaultBufSize,
	}

	app.Methods[methodIntrospect] = &Method{
		Name: methodIntrospect, Notes: "Describes methods matching an optional prefix.",
		Options: OptSystem | OptStreaming, BufSize: defaultBufSize,
	}
	app.Methods[methodIntrospect+".atomic"] = &Method{
		Name: methodIntrospect + ".atomic", Notes: app.Methods[methodIntrospect].Notes,
		Options: OptSystem | OptAtomic, BufSize: defaultBufSize,
	}

	app.Methods[methodIntrospectAll] = &Method{
		Name: methodIntrospectAll, Notes: "Describes every registered method.",
		Options: OptSystem | OptStreaming, BufSize: defaultBufSize,
	}
	app.Methods[methodIntrospectAll+".atomic"] = &Method{
		Name: methodIntrospectAll + ".atomic", Notes: app.Methods[methodIntrospectAll].Notes,
		Options: OptSystem | OptAtomic, BufSize: defaultBufSize,
	}
}

// systemHandler returns the in-process Handler for a SYSTEM method name
// (the base name; ".atomic" is handled transparently by MethodContext
// since atomicity only changes framing, not handler logic).
func systemHandler(name string) (Handler, error) {
	base := strings.TrimSuffix(name, ".atomic")
	switch base {
	case methodEcho:
		return HandlerFunc(echoHandler), nil
	case methodIntrospect:
		return HandlerFunc(introspectHandler(false)), nil
	case methodIntrospectAll:
		return HandlerFunc(introspectHandler(true)), nil
	default:
		return HandlerFunc(func(ctx *MethodContext) int { return -1 }), nil
	}
}

func echoHandler(ctx *MethodContext) int {
	for _, p := range ctx.Params {
		if err := ctx.Respond(p); err != nil {
			return -1
		}
	}
	return 1
}

type introspectEntry struct {
	APIName   string `json:"api_name"`
	Method    string `json:"method"`
	Service   string `json:"service"`
	Notes     string `json:"notes"`
	Argc      int    `json:"argc"`
	SysMethod bool   `json:"sysmethod"`
	Atomic    bool   `json:"atomic"`
	Cachable  bool   `json:"cachable"`
}

// introspectHandler returns a Handler describing registered methods,
// optionally filtered by a prefix supplied in params[0]; all=true ignores
// the prefix and walks every method.
func introspectHandler(all bool) func(ctx *MethodContext) int {
	return func(ctx *MethodContext) int {
		prefix := ""
		if !all && len(ctx.Params) > 0 {
			_ = json.Unmarshal(ctx.Params[0], &prefix)
		}

		app := introspectApp(ctx)
		if app == nil {
			return 1
		}

		names := make([]string, 0, len(app.Methods))
		for name := range app.Methods {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			m := app.Methods[name]
			if !all && prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			entry := introspectEntry{
				APIName:   name,
				Method:    name,
				Service:   app.Name,
				Notes:     m.Notes,
				Argc:      m.MinArgc,
				SysMethod: m.system(),
				Atomic:    m.atomic(),
				Cachable:  m.cachable(),
			}
			raw, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if err := ctx.Respond(raw); err != nil {
				return -1
			}
		}
		return 1
	}
}

// introspectApp returns the owning App, which RunMethod stores in ctx
// before dispatch, so the system handler can walk its method table.
func introspectApp(ctx *MethodContext) *App { return ctx.app }
