package gateway

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"notifyhub/tools/errs"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"ack","data":{"notificationId":"n-1"}}`))
	require.NoError(t, err)
	require.Equal(t, FrameAck, f.Type)

	_, err = ParseFrame([]byte(`{"data":{}}`))
	require.Error(t, err, "frame without type")

	_, err = ParseFrame([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodePayloadWeakTyping(t *testing.T) {
	// limit arrives as a string; weak decoding still lands it
	f := &Frame{Type: FrameRequestMissed, Data: map[string]any{
		"fromCursor": "00000000000000000042",
		"limit":      "25",
	}}
	p, err := decodePayload[requestMissedPayload](f)
	require.NoError(t, err)
	require.Equal(t, "00000000000000000042", p.FromCursor)
	require.Equal(t, 25, p.Limit)

	// nil data decodes to the zero payload
	p2, err := decodePayload[ackPayload](&Frame{Type: FrameAck})
	require.NoError(t, err)
	require.Empty(t, p2.NotificationID)
}

func TestBuildErrorFrom(t *testing.T) {
	f := buildErrorFrom(errs.ErrCapacityExceeded.WithDetail("user over cap"))
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, errs.CodeCapacityExceeded, f.Data["code"])

	f = buildErrorFrom(errors.New("boom"))
	require.Equal(t, errs.CodeInternal, f.Data["code"], "uncoded errors map to INTERNAL")
}
