package transport

import (
	"net"
	"testing"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/stretchr/testify/require"
)

// fakeServer drives the peer side of a net.Pipe connection, scripted by the
// test: read the opening stream element, reply with a stream id, then read
// and answer a login attempt.
func fakeServer(t *testing.T, conn net.Conn, streamID string, loginReply string) {
	t.Helper()
	buf := make([]byte, 4096)

	// consume the <stream:stream ...> open tag (not self-closing, so read
	// until we see the trailing '>').
	var acc []byte
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		acc = append(acc, buf[:n]...)
		if len(acc) > 0 && acc[len(acc)-1] == '>' {
			break
		}
	}

	_, err := conn.Write([]byte(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams" id="` + streamID + `">`))
	require.NoError(t, err)

	acc = acc[:0]
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		acc = append(acc, buf[:n]...)
		if len(acc) > 0 && acc[len(acc)-1] == '>' {
			break
		}
	}

	_, err = conn.Write([]byte(loginReply))
	require.NoError(t, err)
}

func TestConnectPlainSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeServer(t, server, "stream-123", `<iq type="result" id="login1"/>`)
	}()

	sess := NewSession(client, "test.domain", nil)
	err := sess.Connect("user", "pass", "resource", 2*time.Second, AuthPlain)
	require.NoError(t, err)
	require.True(t, sess.Connected())
	<-done
}

func TestConnectFailureOnNonResultIQ(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeServer(t, server, "stream-xyz", `<iq type="error" id="login1"/>`)
	}()

	sess := NewSession(client, "test.domain", nil)
	err := sess.Connect("user", "pass", "resource", 2*time.Second, AuthPlain)
	require.Error(t, err)
	require.False(t, sess.Connected())
	require.True(t, sess.TransportError())
	<-done
}

func TestConnectComponentHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeServer(t, server, "stream-comp", `<handshake/>`)
	}()

	sess := NewSession(client, "test.domain", nil)
	err := sess.Connect("", "secret", "", 2*time.Second, AuthComponent)
	require.NoError(t, err)
	require.True(t, sess.Connected())
	<-done
}

func TestWaitDeliversMessagesInOrder(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var got []string
	sess := NewSession(client, "test.domain", func(m *bus.Message) {
		got = append(got, m.Body)
	})

	go func() {
		server.Write([]byte(`<message to="a@b" from="c@d"><thread>t1</thread><body>one</body></message>`))
	}()

	res, err := sess.Wait(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, WaitOK, res)
	require.Equal(t, []string{"one"}, got)
}

func TestWaitTimesOutWithoutData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := NewSession(client, "test.domain", nil)
	res, err := sess.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, WaitTimeout, res)
}

func TestSendAfterTransportErrorFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	sess := NewSession(client, "test.domain", nil)
	sess.fail()

	err := sess.Send(bus.New("hi", "", "t1", "a@b", "c@d"))
	require.ErrorIs(t, err, ErrClosed)
}
