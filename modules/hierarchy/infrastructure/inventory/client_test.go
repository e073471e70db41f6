package inventory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransientRPCClassification(t *testing.T) {
	require.True(t, transient(status.Error(codes.Unavailable, "connection refused")))
	require.True(t, transient(status.Error(codes.DeadlineExceeded, "slow upstream")))
	require.True(t, transient(status.Error(codes.ResourceExhausted, "throttled")))
	require.False(t, transient(status.Error(codes.InvalidArgument, "bad mo id")))
	require.False(t, transient(status.Error(codes.NotFound, "no such tmo")))
	require.False(t, transient(errors.New("not a grpc status")))
}

func TestRawCodecPassesBytesThrough(t *testing.T) {
	payload := []byte{0x0a, 0x03, 'f', 'o', 'o'}

	out, err := rawCodec{}.Marshal(payload)
	require.NoError(t, err)
	require.Equal(t, payload, out)

	var back []byte
	require.NoError(t, rawCodec{}.Unmarshal(payload, &back))
	require.Equal(t, payload, back)

	_, err = rawCodec{}.Marshal("not bytes")
	require.Error(t, err)
}
