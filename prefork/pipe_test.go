package prefork

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRecordRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	go func() {
		require.NoError(t, writeRecord(w, []byte("<message>one</message>")))
		require.NoError(t, writeRecord(w, []byte("<message>two</message>")))
	}()

	br := bufio.NewReader(r)
	first, err := readRecord(br)
	require.NoError(t, err)
	require.Equal(t, "<message>one</message>", string(first))

	second, err := readRecord(br)
	require.NoError(t, err)
	require.Equal(t, "<message>two</message>", string(second))
}

func TestReadRecordReturnsErrorOnClosedPipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	w.Close()

	br := bufio.NewReader(r)
	_, err = readRecord(br)
	require.Error(t, err)
}

func TestPollStatusPipesDetectsReadyChild(t *testing.T) {
	statusR, statusW, err := os.Pipe()
	require.NoError(t, err)
	defer statusR.Close()
	defer statusW.Close()

	c := &child{pid: 1, statusR: statusR}

	ready, err := pollStatusPipes([]*child{c}, 0)
	require.NoError(t, err)
	require.Empty(t, ready)

	_, err = statusW.Write(availableMarker)
	require.NoError(t, err)

	ready, err = pollStatusPipes([]*child{c}, int(2*time.Second/time.Millisecond))
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, c, ready[0])
}

func TestPollStatusPipesEmptyChildrenReturnsImmediately(t *testing.T) {
	ready, err := pollStatusPipes(nil, -1)
	require.NoError(t, err)
	require.Nil(t, ready)
}
