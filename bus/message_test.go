package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []*Message{
		New("hello", "", "t1", "svc@domain/drone", "client@domain/resource"),
		New("<payload/>", "subj", "t2", "svc@domain", "client@domain",
			WithRouterFrom("router@domain"), WithXID("xid-1"), WithBroadcast(true)),
		New("utf8 éè and 日本", "", "t3", "a@b", "c@d"),
	}

	for _, m := range cases {
		wire, err := m.ToWire()
		require.NoError(t, err)

		got, err := FromWire(wire)
		require.NoError(t, err)

		require.Equal(t, m.Body, got.Body)
		require.Equal(t, m.Thread, got.Thread)
		require.Equal(t, m.Subject, got.Subject)
		require.Equal(t, m.Recipient, got.Recipient)

		wantSender := m.Sender
		if m.RouterFrom != "" {
			wantSender = m.RouterFrom
		}
		require.Equal(t, wantSender, got.Sender)
	}
}

func TestToWireEscapesNonASCIIAsNumericCharRefs(t *testing.T) {
	m := New("héllo 日本", "", "t1", "a@b", "c@d")
	wire, err := m.ToWire()
	require.NoError(t, err)

	require.Contains(t, string(wire), "&#xE9;")
	require.Contains(t, string(wire), "&#x65E5;")
	require.Contains(t, string(wire), "&#x672C;")
	for _, b := range wire {
		require.Less(t, b, byte(0x80), "wire bytes must be 7-bit clean")
	}

	got, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, "héllo 日本", got.Body)
}

func TestToWireEscapesXMLSpecials(t *testing.T) {
	m := New(`<a attr="v">&'</a>`, "", "t1", "a@b", "c@d")
	wire, err := m.ToWire()
	require.NoError(t, err)
	require.NotContains(t, string(wire), `<a attr=`)
	require.Contains(t, string(wire), "&lt;a attr=&quot;v&quot;&gt;&amp;&apos;&lt;/a&gt;")

	got, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, `<a attr="v">&'</a>`, got.Body)
}

func TestRouterFromOverridesSender(t *testing.T) {
	wire := `<message to="svc@domain" from="client@domain"><router router_from="router@domain/relay"/><thread>t1</thread><body>hi</body></message>`
	m, err := FromWire([]byte(wire))
	require.NoError(t, err)
	require.Equal(t, "router@domain/relay", m.Sender)
	require.Equal(t, "router@domain/relay", m.RouterFrom)
}

func TestErrorKind(t *testing.T) {
	m := New("", "", "t1", "a@b", "c@d", WithError("auth", "401"))
	wire, err := m.ToWire()
	require.NoError(t, err)

	got, err := FromWire(wire)
	require.NoError(t, err)
	require.NotNil(t, got.Err)
	require.Equal(t, "auth", got.Err.Type)
	require.Equal(t, "401", got.Err.Code)
}
