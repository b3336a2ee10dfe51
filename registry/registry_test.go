package registry

import (
	"net"
	"testing"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/session"
	"github.com/evergreen-library-system/opensrf/transport"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*App, *session.Session, <-chan []byte) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	received := make(chan []byte, 8)
	go func() {
		buf := make([]byte, 16384)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			received <- cp
		}
	}()

	ts := transport.NewSession(client, "test.domain", nil)
	cache := session.NewCache()
	sess, err := session.ServerInit(cache, ts, "svc@test.domain/drone", "thread-1", "opensrf.settings", "client@test.domain", false)
	require.NoError(t, err)

	app, err := RegisterApplication("opensrf.settings", StaticResolver{}, osrflog.Nop(), nil)
	require.NoError(t, err)

	return app, sess, received
}

func waitBatch(t *testing.T, ch <-chan []byte) osrfmsg.Batch {
	t.Helper()
	select {
	case raw := <-ch:
		m, err := bus.FromWire(raw)
		require.NoError(t, err)
		batch, err := osrfmsg.DecodeBatch([]byte(m.Body))
		require.NoError(t, err)
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

func TestEchoStreamingEmitsOneResultPerParam(t *testing.T) {
	app, sess, ch := newTestApp(t)
	params := []osrfmsg.RawMessage{osrfmsg.RawMessage(`"hello"`), osrfmsg.RawMessage(`42`)}

	err := app.RunMethod(sess, 1, "opensrf.system.echo", params)
	require.NoError(t, err)

	batch := waitBatch(t, ch)
	require.Equal(t, osrfmsg.KindResult, batch[0].Kind)
	require.Equal(t, osrfmsg.RawMessage(`"hello"`), batch[0].Content)
	require.Equal(t, osrfmsg.KindResult, batch[1].Kind)
	require.Equal(t, osrfmsg.RawMessage(`42`), batch[1].Content)
	require.Equal(t, osrfmsg.KindStatus, batch[2].Kind)
	require.Equal(t, osrfmsg.StatusComplete, batch[2].StatusCode)
}

func TestEchoAtomicEmitsOneResultArray(t *testing.T) {
	app, sess, ch := newTestApp(t)
	params := []osrfmsg.RawMessage{osrfmsg.RawMessage(`"a"`), osrfmsg.RawMessage(`"b"`), osrfmsg.RawMessage(`"c"`)}

	err := app.RunMethod(sess, 1, "opensrf.system.echo.atomic", params)
	require.NoError(t, err)

	batch := waitBatch(t, ch)
	require.Len(t, batch, 2)
	require.Equal(t, osrfmsg.KindResult, batch[0].Kind)
	require.JSONEq(t, `["a","b","c"]`, string(batch[0].Content))
	require.Equal(t, osrfmsg.KindStatus, batch[1].Kind)
	require.Equal(t, osrfmsg.StatusComplete, batch[1].StatusCode)
}

func TestIntrospectMissYieldsOnlyComplete(t *testing.T) {
	app, sess, ch := newTestApp(t)
	params := []osrfmsg.RawMessage{osrfmsg.RawMessage(`"nosuchprefix"`)}

	err := app.RunMethod(sess, 1, "opensrf.system.method", params)
	require.NoError(t, err)

	batch := waitBatch(t, ch)
	require.Len(t, batch, 1)
	require.Equal(t, osrfmsg.KindStatus, batch[0].Kind)
	require.Equal(t, osrfmsg.StatusComplete, batch[0].StatusCode)
}

func TestUnknownMethodYieldsNotFound(t *testing.T) {
	app, sess, ch := newTestApp(t)
	err := app.RunMethod(sess, 1, "opensrf.system.nosuch", nil)
	require.NoError(t, err)

	batch := waitBatch(t, ch)
	require.Len(t, batch, 1)
	require.Equal(t, osrfmsg.StatusNotFound, batch[0].StatusCode)
}

func TestMinArgcViolationYieldsNotAllowed(t *testing.T) {
	app, sess, ch := newTestApp(t)
	require.NoError(t, app.RegisterMethod("svc.needs.args", HandlerFunc(func(ctx *MethodContext) int {
		return 1
	}), 2, 0, 0, "needs two args"))

	err := app.RunMethod(sess, 1, "svc.needs.args", []osrfmsg.RawMessage{osrfmsg.RawMessage(`1`)})
	require.NoError(t, err)

	batch := waitBatch(t, ch)
	require.Equal(t, osrfmsg.StatusNotAllowed, batch[0].StatusCode)
}

func TestNegativeReturnYieldsInternalServerError(t *testing.T) {
	app, sess, ch := newTestApp(t)
	require.NoError(t, app.RegisterMethod("svc.boom", HandlerFunc(func(ctx *MethodContext) int {
		return -1
	}), 0, 0, 0, "always fails"))

	err := app.RunMethod(sess, 1, "svc.boom", nil)
	require.NoError(t, err)

	batch := waitBatch(t, ch)
	require.Equal(t, osrfmsg.StatusInternalServerError, batch[0].StatusCode)
}

func TestStreamingAutoRegistersAtomicTwin(t *testing.T) {
	app, _, _ := newTestApp(t)
	require.NoError(t, app.RegisterMethod("svc.stream", HandlerFunc(func(ctx *MethodContext) int { return 1 }), 0, OptStreaming, 0, "x"))

	twin, ok := app.Methods["svc.stream.atomic"]
	require.True(t, ok)
	require.True(t, twin.atomic())
	require.False(t, twin.streaming())
}

func TestParamRedactionHidesDeniedMethodParams(t *testing.T) {
	app, _, _ := newTestApp(t)
	app.RedactDeny = []string{"svc.secret"}
	require.True(t, app.redacted("svc.secret.login"))
	require.False(t, app.redacted("svc.public.echo"))
}
