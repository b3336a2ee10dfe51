package osrfmsg

import (
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestBatchRoundTrip(t *testing.T) {
	params := []json.RawMessage{json.RawMessage(`"hello"`), json.RawMessage(`42`)}
	batch := Batch{
		NewConnect(1),
		NewRequest(2, "opensrf.system.echo", params, "en-US"),
		NewResult(2, json.RawMessage(`"hello"`)),
		NewStatus(2, StatusComplete, "Request Complete"),
		NewDisconnect(3),
	}

	encoded, err := EncodeBatch(batch)
	require.NoError(t, err)

	decoded, err := DecodeBatch(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(batch))

	require.Equal(t, KindConnect, decoded[0].Kind)
	require.Equal(t, KindRequest, decoded[1].Kind)
	require.Equal(t, "opensrf.system.echo", decoded[1].Method)
	require.Len(t, decoded[1].Params, 2)
	require.Equal(t, KindResult, decoded[2].Kind)
	require.Equal(t, KindStatus, decoded[3].Kind)
	require.Equal(t, StatusComplete, decoded[3].StatusCode)
	require.True(t, decoded[3].StatusCode.Terminal())
	require.False(t, decoded[3].StatusCode.Failure())
	require.Equal(t, KindDisconnect, decoded[4].Kind)
}

func TestDecodePermissiveOfExtraKeys(t *testing.T) {
	raw := `[{"__c":"osrfMessage","extraTopLevel":true,"__p":{"threadTrace":7,"type":"STATUS","unexpected":1,"payload":{"__c":"osrfConnectStatus","__p":{"status":"OK","statusCode":200,"extra":"ignored"}}}}]`

	batch, err := DecodeBatch([]byte(raw))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, 7, batch[0].ThreadTrace)
	require.Equal(t, StatusOK, batch[0].StatusCode)
}

func TestStatusFailureClassification(t *testing.T) {
	for _, c := range []StatusCode{StatusNotFound, StatusTimeout, StatusNotAllowed, StatusServiceUnavailable, StatusInternalServerError} {
		require.True(t, c.Failure(), "expected %d to be a failure code", c)
	}
	for _, c := range []StatusCode{StatusContinue, StatusOK, StatusComplete} {
		require.False(t, c.Failure(), "expected %d to not be a failure code", c)
	}
}
