package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserSingleStanzaOneShot(t *testing.T) {
	p := newParser()
	msgs, err := p.Feed([]byte(`<message to="a@b" from="c@d"><thread>t1</thread><body>hi</body></message>`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Body)
	require.Equal(t, "t1", msgs[0].Thread)
}

func TestParserSplitAcrossChunks(t *testing.T) {
	p := newParser()
	whole := []byte(`<message to="a@b" from="c@d"><thread>t2</thread><body>chunked</body></message>`)

	var got []string
	for i := 0; i < len(whole); i++ {
		msgs, err := p.Feed(whole[i : i+1])
		require.NoError(t, err)
		for _, m := range msgs {
			got = append(got, m.Body)
		}
	}
	require.Equal(t, []string{"chunked"}, got)
}

func TestParserMultipleStanzasOneFeed(t *testing.T) {
	p := newParser()
	buf := []byte(
		`<message to="a@b" from="c@d"><thread>t1</thread><body>one</body></message>` +
			`<message to="a@b" from="c@d"><thread>t1</thread><body>two</body></message>`)

	msgs, err := p.Feed(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "one", msgs[0].Body)
	require.Equal(t, "two", msgs[1].Body)
}

func TestParserMismatchedEndTagIsAnErrorNotARetry(t *testing.T) {
	p := newParser()
	_, err := p.Feed([]byte(`<message to="a@b" from="c@d"><body>foo</message>`))
	require.Error(t, err)
}

func TestParserSkipsPresenceAndIqStanzas(t *testing.T) {
	p := newParser()
	buf := []byte(
		`<presence from="c@d"><status>online</status></presence>` +
			`<iq type="result" id="x"/>` +
			`<message to="a@b" from="c@d"><thread>t9</thread><body>after</body></message>`)

	msgs, err := p.Feed(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "after", msgs[0].Body)
}

func TestParserStreamErrorFailsSession(t *testing.T) {
	p := newParser()
	_, err := p.Feed([]byte(`<error code="401">auth</error>`))
	require.Error(t, err)
}

func TestParserIncompleteStanzaYieldsNothingYet(t *testing.T) {
	p := newParser()
	msgs, err := p.Feed([]byte(`<message to="a@b" from="c@d"><thread>t1</thread><body>partial`))
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = p.Feed([]byte(`</body></message>`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "partial", msgs[0].Body)
}
