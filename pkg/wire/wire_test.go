package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
)

func Test_MarshalEvent_RoundTrip(t *testing.T) {
	ev := FrameEvent{
		Error: vslerr.KindNone,
		Info: FrameInfo{
			Serial:    1,
			Timestamp: 1234567890,
			Duration:  33333333,
			PTS:       1000,
			DTS:       900,
			Expires:   1234567890 + int64(100e6),
			Locked:    0,
			FourCC:    fourCC('R', 'G', 'B', 'A'),
			Width:     640,
			Height:    480,
			Stride:    2560,
			Paddr:     0,
			Size:      1228800,
			Offset:    0,
		},
	}

	buf := MarshalEvent(ev)
	require.Len(t, buf, EventSize)

	got, err := UnmarshalEvent(buf)
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func Test_MarshalEvent_PadBytesZero(t *testing.T) {
	ev := FrameEvent{Error: vslerr.KindExpired}
	buf := MarshalEvent(ev)
	require.Equal(t, []byte{0, 0, 0, 0}, buf[4:8])
}

func Test_UnmarshalEvent_ShortBuffer(t *testing.T) {
	_, err := UnmarshalEvent(make([]byte, EventSize-1))
	require.ErrorIs(t, err, vslerr.ErrBadMessage)
}

func Test_MarshalControl_RoundTrip(t *testing.T) {
	c := FrameControl{Op: OpTryLock, Serial: 42}
	buf := MarshalControl(c)
	require.Len(t, buf, ControlSize)

	got, err := UnmarshalControl(buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func Test_UnmarshalControl_ShortBuffer(t *testing.T) {
	_, err := UnmarshalControl(make([]byte, 3))
	require.ErrorIs(t, err, vslerr.ErrBadMessage)
}

func Test_FrameEvent_IsKeepalive(t *testing.T) {
	require.True(t, FrameEvent{Error: vslerr.KindNone}.IsKeepalive())
	require.False(t, FrameEvent{Error: vslerr.KindNone, Info: FrameInfo{Serial: 1}}.IsKeepalive())
	require.False(t, FrameEvent{Error: vslerr.KindExpired}.IsKeepalive())
}

func Test_FrameEvent_IsBroadcast(t *testing.T) {
	require.True(t, FrameEvent{Info: FrameInfo{Serial: 5}}.IsBroadcast())
	require.False(t, FrameEvent{Info: FrameInfo{Serial: 0}}.IsBroadcast())
}

func fourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}
