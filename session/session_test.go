package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/transport"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	ts := transport.NewSession(client, "test.domain", nil)
	cache := NewCache()
	s, err := ClientInit(cache, ts, "client@test.domain/res", "router", "test.domain", "opensrf.settings")
	require.NoError(t, err)
	return s, server
}

func TestThreadTraceMonotonic(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	s.Stateless = true
	id1, err := s.MakeRequest("opensrf.system.echo", []any{"a"}, 1)
	require.NoError(t, err)
	id2, err := s.MakeRequest("opensrf.system.echo", []any{"b"}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, id1)
	require.Equal(t, 2, id2)
}

func TestRequestRecvReturnsQueuedResultImmediately(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
	}()

	s.Stateless = true
	id, err := s.MakeRequest("opensrf.system.echo", []any{"a"}, 1)
	require.NoError(t, err)

	result := osrfmsg.NewResult(id, osrfmsg.RawMessage(`"a"`))
	s.deliverResult(id, result)

	outcome, m, err := s.RequestRecv(id, time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeResult, outcome)
	require.Equal(t, osrfmsg.RawMessage(`"a"`), m.Content)
}

func TestRequestRecvZeroTimeoutReturnsTimeoutWithoutWaiting(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
	}()

	s.Stateless = true
	id, err := s.MakeRequest("opensrf.system.echo", []any{"a"}, 1)
	require.NoError(t, err)

	outcome, _, err := s.RequestRecv(id, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, outcome)
}

func TestMakeRequestAutoConnectsStatefulSession(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	var sess *Session
	ts := transport.NewSession(client, "test.domain", func(m *bus.Message) {
		batch, err := osrfmsg.DecodeBatch([]byte(m.Body))
		if err != nil {
			return
		}
		for _, mm := range batch {
			if mm.Kind == osrfmsg.KindStatus {
				sess.DeliverStatus(mm.ThreadTrace, mm)
			}
		}
	})
	cache := NewCache()
	s, err := ClientInit(cache, ts, "client@test.domain/res", "router", "test.domain", "opensrf.settings")
	require.NoError(t, err)
	sess = s

	// Fake service: answer the CONNECT with STATUS/OK, swallow the REQUEST.
	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			if !bytes.Contains(buf[:n], []byte("CONNECT")) {
				continue
			}
			ok := osrfmsg.NewStatus(0, osrfmsg.StatusOK, "Connection Successful")
			body, _ := osrfmsg.EncodeBatch(osrfmsg.Batch{ok})
			reply := bus.New(string(body), "", s.ID, "client@test.domain/res", "svc@test.domain/drone")
			wire, _ := reply.ToWire()
			if _, err := server.Write(wire); err != nil {
				return
			}
		}
	}()

	id, err := s.MakeRequest("opensrf.settings.host_config.get", []any{"localhost"}, 1)
	require.NoError(t, err)
	require.Equal(t, StateConnected, s.State)
	require.Equal(t, 1, id, "the auto-connect must not consume a request thread_trace")
}

func TestDisconnectResetsPeerAddress(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	s.State = StateConnected
	s.PeerAddress = "different@domain"
	err := s.Disconnect()
	require.NoError(t, err)
	require.Equal(t, StateDisconnected, s.State)
	require.Equal(t, s.OriginalPeerAddress, s.PeerAddress)
}

func TestStatelessRequestReAddressesToRouter(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	s.Stateless = true
	s.PeerAddress = "drone@test.domain/opensrf.settings_drone_99"

	_, err := s.MakeRequest("opensrf.system.echo", []any{"a"}, 1)
	require.NoError(t, err)
	require.Equal(t, s.OriginalPeerAddress, s.PeerAddress)
}

func TestUpdatePeerTracksLastSeenOnlyWhenStateful(t *testing.T) {
	s, _ := newTestSession(t)

	s.UpdatePeer("drone@test.domain/opensrf.settings_drone_7")
	require.Equal(t, "drone@test.domain/opensrf.settings_drone_7", s.PeerAddress)

	s.PeerAddress = s.OriginalPeerAddress
	s.Stateless = true
	s.UpdatePeer("drone@test.domain/opensrf.settings_drone_8")
	require.Equal(t, s.OriginalPeerAddress, s.PeerAddress)
}

func TestDeliverResultForFinishedRequestReportsDiscard(t *testing.T) {
	s, _ := newTestSession(t)
	require.False(t, s.DeliverResult(42, osrfmsg.NewResult(42, osrfmsg.RawMessage(`1`))))
}

func TestDeliverStatusContinueSetsResetTimeoutOnce(t *testing.T) {
	s, _ := newTestSession(t)
	req := &Request{RequestID: 1}
	s.requests[1] = req

	s.deliverStatus(1, osrfmsg.NewStatus(1, osrfmsg.StatusContinue, "keepalive"))
	require.True(t, req.resetTimeoutPending)
	require.False(t, req.complete)
}

func TestSecondContinueDoesNotEarnAnotherReset(t *testing.T) {
	s, _ := newTestSession(t)
	req := &Request{RequestID: 1}
	s.requests[1] = req

	s.deliverStatus(1, osrfmsg.NewStatus(1, osrfmsg.StatusContinue, "keepalive"))
	require.True(t, req.resetTimeoutPending)

	// RequestRecv consumes the one refresh the request is entitled to.
	req.resetTimeoutPending = false
	req.resetTimeoutConsumed = true

	s.deliverStatus(1, osrfmsg.NewStatus(1, osrfmsg.StatusContinue, "keepalive"))
	require.False(t, req.resetTimeoutPending, "a second CONTINUE must not extend the wait again")
}

func TestRequestRecvContinueExtendsWaitBudgetOnlyOnce(t *testing.T) {
	s, _ := newTestSession(t)
	req := &Request{RequestID: 1}
	s.requests[1] = req

	// Two CONTINUEs before the wait begins; only the first may count.
	s.deliverStatus(1, osrfmsg.NewStatus(1, osrfmsg.StatusContinue, "keepalive"))
	s.deliverStatus(1, osrfmsg.NewStatus(1, osrfmsg.StatusContinue, "keepalive"))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	outcome, _, err := s.RequestRecv(1, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, outcome)
	require.GreaterOrEqual(t, elapsed, 2*timeout-20*time.Millisecond, "the first CONTINUE earns one full refresh")
	require.Less(t, elapsed, 4*timeout, "further CONTINUEs must not stack refreshes")
	require.True(t, req.resetTimeoutConsumed)
}

func TestDeliverStatusCompleteMarksRequestDone(t *testing.T) {
	s, _ := newTestSession(t)
	req := &Request{RequestID: 1}
	s.requests[1] = req

	s.deliverStatus(1, osrfmsg.NewStatus(1, osrfmsg.StatusComplete, "Request Complete"))
	require.True(t, req.complete)
}

func TestQueueBufferedFlushesBeforeExceedingBufSize(t *testing.T) {
	s, server := newTestSession(t)

	received := make(chan []byte, 4)
	go func() {
		buf := make([]byte, 8192)
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

	small := osrfmsg.NewResult(1, osrfmsg.RawMessage(`"x"`))
	require.NoError(t, s.QueueBuffered(small, 8))
	require.NoError(t, s.QueueBuffered(small, 8))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected a flush before the buffer exceeded bufSize")
	}
}

func TestFlushEmptiesOutbuf(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		buf := make([]byte, 8192)
		server.Read(buf)
	}()

	s.QueueRaw(osrfmsg.NewStatus(1, osrfmsg.StatusComplete, "Request Complete"))
	require.False(t, s.OutbufEmpty())
	require.NoError(t, s.Flush())
	require.True(t, s.OutbufEmpty())
}
