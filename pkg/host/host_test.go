package host

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/clock"
	"github.com/EdgeFirstAI/videostream/pkg/config"
	"github.com/EdgeFirstAI/videostream/pkg/frame"
	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
	"github.com/EdgeFirstAI/videostream/pkg/wire"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		SocketPath:  filepath.Join(t.TempDir(), "vsl.sock"),
		LockQuota:   20,
		LockTimeout: 250 * time.Millisecond,
	}
}

func newTestHost(t *testing.T) *Host {
	h, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { h.Release() })
	return h
}

func dial(t *testing.T, h *Host) *net.UnixConn {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Net: "unixpacket", Name: h.path})
	require.NoError(t, err)
	// Local unix-domain connects complete synchronously, but give Process a
	// couple of tries in case the accept queue hasn't been drained yet.
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Process())
		h.mu.Lock()
		accepted := false
		for _, c := range h.clients {
			if c != nil {
				accepted = true
			}
		}
		h.mu.Unlock()
		if accepted {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *net.UnixConn) (wire.FrameEvent, int) {
	buf := make([]byte, wire.EventSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	require.NoError(t, err)
	require.Equal(t, wire.EventSize, n)
	ev, err := wire.UnmarshalEvent(buf[:n])
	require.NoError(t, err)

	fd := -1
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		require.NoError(t, err)
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err == nil && len(fds) > 0 {
				fd = fds[0]
			}
		}
	}
	return ev, fd
}

func sendControl(t *testing.T, conn *net.UnixConn, op uint32, serial int64) {
	buf := wire.MarshalControl(wire.FrameControl{Op: op, Serial: serial})
	_, _, err := conn.WriteMsgUnix(buf, nil, nil)
	require.NoError(t, err)
}

func newTestFrame(t *testing.T) *frame.Frame {
	tmp, err := os.CreateTemp(t.TempDir(), "vsl-host-test-*")
	require.NoError(t, err)
	defer tmp.Close()
	require.NoError(t, tmp.Truncate(4096))

	fr, err := frame.New(640, 480, frame.FourCCRGBA, 0)
	require.NoError(t, err)
	require.NoError(t, fr.Attach(int(tmp.Fd()), 4096, 0))
	return fr
}

func Test_Post_BroadcastsToClient(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	fr := newTestFrame(t)
	require.NoError(t, h.Post(fr, 0, 33, 100, 100))

	ev, fd := readEvent(t, conn)
	require.EqualValues(t, 1, ev.Info.Serial)
	require.Greater(t, fd, 0)
	unix.Close(fd)
}

func Test_Post_SerialsIncreasing(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	for i := 1; i <= 3; i++ {
		fr := newTestFrame(t)
		require.NoError(t, h.Post(fr, 0, 0, 0, 0))
		ev, fd := readEvent(t, conn)
		require.EqualValues(t, i, ev.Info.Serial)
		unix.Close(fd)
	}
}

func Test_TryLockUnlock_RoundTrip(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	fr := newTestFrame(t)
	require.NoError(t, h.Post(fr, 0, 0, 0, 0))
	_, fd := readEvent(t, conn)
	unix.Close(fd)

	sendControl(t, conn, wire.OpTryLock, fr.Serial())
	require.NoError(t, h.Process())
	resp, _ := readEvent(t, conn)
	require.Equal(t, vslerr.KindNone, resp.Error)
	require.EqualValues(t, 1, resp.Info.Locked)
	require.EqualValues(t, 0, resp.Info.Serial)

	sendControl(t, conn, wire.OpUnlock, fr.Serial())
	require.NoError(t, h.Process())
	resp, _ = readEvent(t, conn)
	require.Equal(t, vslerr.KindNone, resp.Error)
}

func Test_TryLock_UnknownSerialReturnsExpired(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	sendControl(t, conn, wire.OpTryLock, 999)
	require.NoError(t, h.Process())
	resp, _ := readEvent(t, conn)
	require.Equal(t, vslerr.KindExpired, resp.Error)
}

func Test_LockQuota_TwentyFirstReturnsTooManyLocks(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	frames := make([]*frame.Frame, 21)
	for i := range frames {
		fr := newTestFrame(t)
		require.NoError(t, h.Post(fr, 0, 0, 0, 0))
		_, fd := readEvent(t, conn)
		unix.Close(fd)
		frames[i] = fr
	}

	for i := 0; i < 20; i++ {
		sendControl(t, conn, wire.OpTryLock, frames[i].Serial())
		require.NoError(t, h.Process())
		resp, _ := readEvent(t, conn)
		require.Equal(t, vslerr.KindNone, resp.Error, "lock %d should succeed", i+1)
		require.EqualValues(t, 1, resp.Info.Locked)
	}

	sendControl(t, conn, wire.OpTryLock, frames[20].Serial())
	require.NoError(t, h.Process())
	resp, _ := readEvent(t, conn)
	require.Equal(t, vslerr.KindTooManyLocks, resp.Error)
	require.EqualValues(t, 0, frames[20].Info().Locked)

	for i := 0; i < 20; i++ {
		require.EqualValues(t, 1, frames[i].Info().Locked, "prior lock %d count perturbed", i+1)
	}
}

func Test_Drop_DefersWhileLocked(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	fr := newTestFrame(t)
	require.NoError(t, h.Post(fr, 0, 0, 0, 0))
	_, fd := readEvent(t, conn)
	unix.Close(fd)

	sendControl(t, conn, wire.OpTryLock, fr.Serial())
	require.NoError(t, h.Process())
	readEvent(t, conn)

	require.NoError(t, h.Drop(fr))
	require.NoError(t, h.Process())

	h.mu.Lock()
	still := h.findFrameLocked(fr.Serial())
	h.mu.Unlock()
	require.NotNil(t, still, "locked frame must survive Drop until unlocked")

	sendControl(t, conn, wire.OpUnlock, fr.Serial())
	require.NoError(t, h.Process())
	readEvent(t, conn)
	require.NoError(t, h.Process())

	h.mu.Lock()
	gone := h.findFrameLocked(fr.Serial())
	h.mu.Unlock()
	require.Nil(t, gone, "frame must be reaped once unlocked after drop")
}

func Test_Expire_ReclaimsUnlockedFrame(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)
	defer conn.Close()

	fr := newTestFrame(t)
	require.NoError(t, h.Post(fr, clock.Now()-int64(time.Millisecond), 0, 0, 0))
	_, fd := readEvent(t, conn)
	unix.Close(fd)

	require.NoError(t, h.Process())

	h.mu.Lock()
	gone := h.findFrameLocked(fr.Serial())
	h.mu.Unlock()
	require.Nil(t, gone)
}

func Test_Disconnect_ReleasesClientLocks(t *testing.T) {
	h := newTestHost(t)
	conn := dial(t, h)

	fr := newTestFrame(t)
	require.NoError(t, h.Post(fr, 0, 0, 0, 0))
	_, fd := readEvent(t, conn)
	unix.Close(fd)

	sendControl(t, conn, wire.OpTryLock, fr.Serial())
	require.NoError(t, h.Process())
	readEvent(t, conn)
	require.EqualValues(t, 1, fr.Info().Locked)

	conn.Close()
	var locked int32
	for i := 0; i < 200; i++ {
		require.NoError(t, h.Process())
		if locked = fr.Info().Locked; locked == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.EqualValues(t, 0, locked)
}

func Test_MultipleClients_EachGetDistinctFd(t *testing.T) {
	h := newTestHost(t)
	connA := dial(t, h)
	defer connA.Close()
	connB := dial(t, h)
	defer connB.Close()

	fr := newTestFrame(t)
	require.NoError(t, h.Post(fr, 0, 0, 0, 0))

	_, fdA := readEvent(t, connA)
	_, fdB := readEvent(t, connB)
	defer unix.Close(fdA)
	defer unix.Close(fdB)

	require.NotEqual(t, fdA, fdB)
}

func Test_Release_ClosesListenerAndUnlinksPath(t *testing.T) {
	h, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	path := h.path
	require.NoError(t, h.Release())

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func Test_New_RecoversStaleSocket(t *testing.T) {
	cfg := testConfig(t)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrUnix{Name: cfg.SocketPath}))
	require.NoError(t, unix.Close(fd))

	h, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer h.Release()
}
