package frame

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
	"github.com/EdgeFirstAI/videostream/pkg/wire"
)

func Test_New_TabulatedStride(t *testing.T) {
	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2560, f.Info().Stride)
}

func Test_New_ExplicitStrideOverride(t *testing.T) {
	f, err := New(640, 480, FourCCRGBA, 4096)
	require.NoError(t, err)
	require.EqualValues(t, 4096, f.Info().Stride)
}

func Test_New_UnsupportedFourCCWithoutOverride(t *testing.T) {
	_, err := New(640, 480, FourCC('I', '4', '4', '4'), 0)
	require.ErrorIs(t, err, vslerr.ErrUnsupported)
}

func Test_New_RejectsBadArgs(t *testing.T) {
	_, err := New(0, 480, FourCCRGBA, 0)
	require.ErrorIs(t, err, vslerr.ErrBadArg)

	_, err = New(640, 0, FourCCRGBA, 0)
	require.ErrorIs(t, err, vslerr.ErrBadArg)

	_, err = New(640, 480, 0, 0)
	require.ErrorIs(t, err, vslerr.ErrBadArg)
}

func Test_Attach_RejectsNonPositiveFd(t *testing.T) {
	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)
	require.ErrorIs(t, f.Attach(0, 0, 0), vslerr.ErrBadFd)
	require.ErrorIs(t, f.Attach(-1, 0, 0), vslerr.ErrBadFd)
}

func Test_Attach_DupAndRelease(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "vsl-frame-*")
	require.NoError(t, err)
	defer tmp.Close()
	require.NoError(t, tmp.Truncate(4096))

	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)
	require.NoError(t, f.Attach(int(tmp.Fd()), 4096, 0))

	require.NotEqual(t, int(tmp.Fd()), f.Fd())
	require.NoError(t, f.Release())

	// Original fd must remain open and usable; Attach dup'd it.
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(tmp.Fd()), &st))
}

func Test_Release_IsIdempotent(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "vsl-frame-*")
	require.NoError(t, err)
	defer tmp.Close()

	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)
	require.NoError(t, f.Attach(int(tmp.Fd()), 4096, 0))

	require.NoError(t, f.Release())
	require.NoError(t, f.Release())
}

func Test_Release_CleanupAuthoritativeOverExternalFd(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "vsl-frame-*")
	require.NoError(t, err)
	defer tmp.Close()

	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)
	require.NoError(t, f.Attach(int(tmp.Fd()), 4096, 0))

	fd := f.Fd()
	var cleanupCalled bool
	f.SetCleanup(func(fr *Frame) {
		cleanupCalled = true
		unix.Close(fr.Fd())
	})

	require.NoError(t, f.Release())
	require.True(t, cleanupCalled)

	// Release must not have closed fd itself -- the callback owns it and
	// already did. A second close would return EBADF.
	require.Error(t, unix.Close(fd))
}

func Test_UserPtr_RoundTrip(t *testing.T) {
	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)
	require.Nil(t, f.UserPtr())

	f.SetUserPtr("hello")
	require.Equal(t, "hello", f.UserPtr())
}

type fakeHost struct{ dropped []*Frame }

func (h *fakeHost) DropFrame(f *Frame) { h.dropped = append(h.dropped, f) }

func Test_Release_NotifiesHost(t *testing.T) {
	f, err := New(640, 480, FourCCRGBA, 0)
	require.NoError(t, err)

	h := &fakeHost{}
	f.SetHost(h)
	require.NoError(t, f.Release())
	require.Len(t, h.dropped, 1)
	require.Same(t, f, h.dropped[0])
}

type fakeClient struct {
	unlocked []*Frame
	err      error
}

func (c *fakeClient) TryLockFrame(f *Frame) error { return c.err }

func (c *fakeClient) UnlockFrame(f *Frame) error {
	c.unlocked = append(c.unlocked, f)
	return c.err
}

func Test_Release_NotifiesClient(t *testing.T) {
	c := &fakeClient{}
	f := FromEvent(wire.FrameEvent{Info: wire.FrameInfo{Serial: 1}}, -1, c)
	require.NoError(t, f.Release())
	require.Len(t, c.unlocked, 1)
}
