// Package host implements the broadcasting side of the VideoStream
// protocol: a single process that owns a named AF_UNIX SOCK_SEQPACKET
// socket, accepts any number of Clients, and distributes frames to all of
// them by passing a dmabuf-backed fd per frame via SCM_RIGHTS.
//
// Host talks to the kernel with raw golang.org/x/sys/unix syscalls rather
// than net.UnixConn: poll(wait_ms) needs to gather the listening socket and
// every connected client fd into one pollset and return the kernel's raw
// ready count, which does not compose cleanly with Go's net package runtime
// poller once multiple raw fds are involved.
package host

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/clock"
	"github.com/EdgeFirstAI/videostream/pkg/config"
	"github.com/EdgeFirstAI/videostream/pkg/frame"
	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
	"github.com/EdgeFirstAI/videostream/pkg/wire"
)

// clientSlot is one connected client: its socket and the frames it
// currently holds locked. locks is sized to cfg.LockQuota at accept time and
// never grows -- the 21st concurrent TryLock is rejected, not accommodated.
type clientSlot struct {
	fd        int
	locks     []*frame.Frame
	lockCount int
}

// Host is the named-socket frame broadcaster. All exported methods are
// safe for concurrent use.
type Host struct {
	cfg  config.Config
	log  zerolog.Logger
	path string

	listenFile *os.File
	listenFd   int

	mu      sync.Mutex
	serial  int64
	clients []*clientSlot  // sparse, nil = empty slot, doubles when full
	frames  []*frame.Frame // sparse, nil = empty slot, doubles when full
	closed  bool
}

// New binds path and starts listening. path is a filesystem path if it
// begins with "/", otherwise it names an abstract-namespace address.
func New(cfg config.Config, log zerolog.Logger) (*Host, error) {
	f, err := bindListen(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	return &Host{
		cfg:        cfg,
		log:        log,
		path:       cfg.SocketPath,
		listenFile: f,
		listenFd:   int(f.Fd()),
		clients:    make([]*clientSlot, 1),
		frames:     make([]*frame.Frame, 40),
	}, nil
}

// bindListen implements stale-socket recovery: if bind fails with
// EADDRINUSE, try connecting -- a successful connect means a live host
// already owns the path, a refused connect means the path is stale and
// safe to unlink and rebind.
func bindListen(path string) (*os.File, error) {
	addr := &net.UnixAddr{Net: "unixpacket", Name: resolveName(path)}

	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		if !isAddrInUse(err) {
			return nil, fmt.Errorf("listen %s: %w", path, err)
		}
		if probe, derr := net.DialUnix("unixpacket", nil, addr); derr == nil {
			probe.Close()
			return nil, fmt.Errorf("socket %s already in use by a live host", path)
		}
		if strings.HasPrefix(path, "/") {
			os.Remove(path)
		}
		ln, err = net.ListenUnix("unixpacket", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s after stale-socket recovery: %w", path, err)
		}
	}

	// File() hands back a dup'd, independent fd and disarms this listener's
	// copy from the Go runtime's poller, so raw Accept4/Poll on the dup is
	// safe. A *net.UnixListener unlinks its filesystem path on Close by
	// default; that is switched off so closing ln below only drops the net
	// package's own copy and the path stays bound for clients to dial.
	f, err := ln.File()
	ln.SetUnlinkOnClose(false)
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("extract listener fd: %w", err)
	}
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("set listener nonblocking: %w", err)
	}
	return f, nil
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), syscall.EADDRINUSE.Error())
}

// resolveName translates the spec's own path convention (filesystem path
// if it begins with "/", else abstract namespace) into Go's net package
// convention, where a leading "@" selects the Linux abstract namespace.
func resolveName(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "@" + path
}

// lock acquires the host mutex, surfacing failure to acquire it within the
// configured timeout as vslerr.ErrTimeout rather than blocking forever --
// the closest Go has to the spec's bounded-wait recursive mutex, since
// sync.Mutex has no native recursive or timed-lock support.
func (h *Host) lock() error {
	deadline := time.Now().Add(h.cfg.LockTimeout)
	for {
		if h.mu.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return vslerr.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Post assigns the frame a serial, stamps its media fields, retains it, and
// broadcasts it plus its fd to every connected client. A send failure
// disconnects only the failing client; Post itself always succeeds once the
// frame is admitted, per spec: slow or dead clients never fail the producer.
func (h *Host) Post(fr *frame.Frame, expires, duration, pts, dts int64) error {
	if err := h.lock(); err != nil {
		return err
	}
	if h.closed {
		h.mu.Unlock()
		return vslerr.ErrClosed
	}

	reap := h.expireLocked()

	idx := -1
	for i, f := range h.frames {
		if f == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = len(h.frames)
		h.frames = append(h.frames, make([]*frame.Frame, len(h.frames))...)
	}

	h.serial++
	info := fr.Info()
	info.Serial = h.serial
	info.Timestamp = clock.Now()
	info.Duration = duration
	info.PTS = pts
	info.DTS = dts
	info.Expires = expires
	info.Locked = 0
	fr.SetInfo(info)
	fr.SetHost(h)
	h.frames[idx] = fr

	ev := wire.FrameEvent{Error: vslerr.KindNone, Info: info}

	var broadcastErr error
	var disconnect []int
	for i, c := range h.clients {
		if c == nil {
			continue
		}
		if err := sendFrameEvent(c.fd, ev, fr.Fd()); err != nil {
			broadcastErr = multierr.Append(broadcastErr, fmt.Errorf("client slot %d: %w", i, err))
			disconnect = append(disconnect, i)
		}
	}
	for _, i := range disconnect {
		h.disconnectSlotLocked(i)
	}
	h.mu.Unlock()

	if broadcastErr != nil {
		h.log.Warn().Err(broadcastErr).Int64("serial", info.Serial).Msg("partial broadcast failure")
	}
	h.reap(reap)
	return nil
}

// Drop marks fr eligible for reclamation. If fr is currently locked by any
// client it is not removed immediately -- it is reaped by the next expiry
// pass once the last lock is released, which is exactly the existing
// locked-frame survival path (spec scenario S4), just entered early.
func (h *Host) Drop(fr *frame.Frame) error {
	if err := h.lock(); err != nil {
		return err
	}
	h.dropLocked(fr)
	h.mu.Unlock()
	return nil
}

// DropFrame implements frame.Dropper: it is called by Frame.Release when a
// producer releases a host-owned frame directly. It defers to the same
// past-expiry marking Drop uses, so a still-locked frame is never yanked
// out from under a client holding it.
func (h *Host) DropFrame(fr *frame.Frame) {
	if err := h.lock(); err != nil {
		h.log.Warn().Err(err).Msg("drop frame: lock timeout")
		return
	}
	h.dropLocked(fr)
	h.mu.Unlock()
}

func (h *Host) dropLocked(fr *frame.Frame) {
	info := fr.Info()
	now := clock.Now()
	if info.Expires == 0 || info.Expires >= now {
		info.Expires = now - 1
		fr.SetInfo(info)
	}
}

// Poll gathers the listening socket and every connected client's socket
// under the host lock, then polls outside the lock for wait_ms
// milliseconds, returning the raw kernel ready count.
func (h *Host) Poll(waitMs int) (int, error) {
	if err := h.lock(); err != nil {
		return 0, err
	}
	fds := make([]unix.PollFd, 0, len(h.clients)+1)
	fds = append(fds, unix.PollFd{Fd: int32(h.listenFd), Events: unix.POLLIN})
	for _, c := range h.clients {
		if c == nil {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP})
	}
	h.mu.Unlock()

	n, err := unix.Poll(fds, waitMs)
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	return n, nil
}

// Process accepts one pending connection if available, services every
// connected client's pending control message, and runs an expiry pass.
func (h *Host) Process() error {
	if err := h.lock(); err != nil {
		return err
	}

	h.acceptLocked()

	var disconnect []int
	for i, c := range h.clients {
		if c == nil {
			continue
		}
		if err := h.serviceClientLocked(i); err != nil && !isBenign(err) {
			disconnect = append(disconnect, i)
		}
	}
	for _, i := range disconnect {
		h.disconnectSlotLocked(i)
	}

	reap := h.expireLocked()
	h.mu.Unlock()

	h.reap(reap)
	return nil
}

func isBenign(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// acceptLocked accepts at most one pending connection and inserts it into
// the first empty client slot, doubling the slots vector if full.
func (h *Host) acceptLocked() {
	fd, _, err := unix.Accept4(h.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return
	}
	slot := &clientSlot{fd: fd, locks: make([]*frame.Frame, h.cfg.LockQuota)}

	for i, c := range h.clients {
		if c == nil {
			h.clients[i] = slot
			return
		}
	}
	idx := len(h.clients)
	grow := idx
	if grow == 0 {
		grow = 1
	}
	h.clients = append(h.clients, make([]*clientSlot, grow)...)
	h.clients[idx] = slot
}

// serviceClientLocked reads at most one pending FrameControl from slot i
// and replies with a FrameEvent carrying serial=0 (so the client can tell
// the response apart from a broadcast).
func (h *Host) serviceClientLocked(i int) error {
	c := h.clients[i]
	buf := make([]byte, wire.ControlSize)
	n, _, _, _, err := unix.Recvmsg(c.fd, buf, nil, unix.MSG_DONTWAIT)
	if err != nil {
		return err
	}
	if n == 0 {
		return vslerr.ErrClosed
	}
	if n != wire.ControlSize {
		return fmt.Errorf("%w: control read %d bytes, want %d", vslerr.ErrBadMessage, n, wire.ControlSize)
	}
	ctrl, err := wire.UnmarshalControl(buf[:n])
	if err != nil {
		return err
	}

	respErr := vslerr.KindExpired
	respLocked := int32(0)

	if fr := h.findFrameLocked(ctrl.Serial); fr != nil {
		switch ctrl.Op {
		case wire.OpTryLock:
			if c.lockCount >= len(c.locks) {
				respErr = vslerr.KindTooManyLocks
			} else {
				for j, l := range c.locks {
					if l == nil {
						c.locks[j] = fr
						break
					}
				}
				c.lockCount++
				info := fr.Info()
				info.Locked++
				fr.SetInfo(info)
				respErr = vslerr.KindNone
				respLocked = 1
			}
		case wire.OpUnlock:
			found := -1
			for j, l := range c.locks {
				if l == fr {
					found = j
					break
				}
			}
			if found == -1 {
				respErr = vslerr.KindExpired
			} else {
				c.locks[found] = nil
				c.lockCount--
				info := fr.Info()
				if info.Locked > 0 {
					info.Locked--
				}
				fr.SetInfo(info)
				respErr = vslerr.KindNone
			}
		default:
			respErr = vslerr.KindInvalidControl
		}
	}

	resp := wire.FrameEvent{Error: respErr, Info: wire.FrameInfo{Locked: respLocked}}
	return sendFrameEvent(c.fd, resp, -1)
}

func (h *Host) findFrameLocked(serial int64) *frame.Frame {
	for _, fr := range h.frames {
		if fr != nil && fr.Serial() == serial {
			return fr
		}
	}
	return nil
}

// disconnectSlotLocked is the only place client-driven lock release
// happens implicitly: every frame the disconnecting client still holds
// has its lock count decremented before the socket is torn down.
func (h *Host) disconnectSlotLocked(i int) {
	c := h.clients[i]
	if c == nil {
		return
	}
	for j, fr := range c.locks {
		if fr == nil {
			continue
		}
		info := fr.Info()
		if info.Locked > 0 {
			info.Locked--
		}
		fr.SetInfo(info)
		c.locks[j] = nil
	}
	c.lockCount = 0
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	unix.Close(c.fd)
	h.clients[i] = nil
}

// expireLocked removes every frame whose deadline has passed and that no
// client currently holds, returning them for teardown outside the lock.
func (h *Host) expireLocked() []*frame.Frame {
	now := clock.Now()
	var reap []*frame.Frame
	for i, fr := range h.frames {
		if fr == nil {
			continue
		}
		info := fr.Info()
		if info.Expires != 0 && info.Expires < now && info.Locked == 0 {
			h.frames[i] = nil
			reap = append(reap, fr)
		}
	}
	return reap
}

// reap runs the heavier per-frame teardown (munmap, allocator unlink, the
// sender's fd close) outside the host lock -- Frame.Release calls back into
// DropFrame, which must be free to acquire the lock on its own.
func (h *Host) reap(frames []*frame.Frame) {
	for _, fr := range frames {
		if err := fr.Release(); err != nil {
			h.log.Warn().Err(err).Int64("serial", fr.Serial()).Msg("reap expired frame")
		}
	}
}

// sendFrameEvent marshals ev and sends it to fd, passing passFd as a single
// SCM_RIGHTS ancillary fd when passFd > 0.
func sendFrameEvent(fd int, ev wire.FrameEvent, passFd int) error {
	buf := wire.MarshalEvent(ev)
	var oob []byte
	if passFd > 0 {
		oob = unix.UnixRights(passFd)
	}
	return unix.Sendmsg(fd, buf, oob, nil, 0)
}

// Release shuts the host down: every connected client is disconnected (and
// its locks released), every surviving frame is released (closing its fd
// exactly once on the sender side, per invariant 4), the listening socket
// is closed, and a filesystem-path socket is unlinked.
func (h *Host) Release() error {
	if err := h.lock(); err != nil {
		return err
	}
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	for i, c := range h.clients {
		if c != nil {
			h.disconnectSlotLocked(i)
		}
	}

	var reap []*frame.Frame
	for i, fr := range h.frames {
		if fr == nil {
			continue
		}
		h.frames[i] = nil
		reap = append(reap, fr)
	}

	err := h.listenFile.Close()
	if strings.HasPrefix(h.path, "/") {
		os.Remove(h.path)
	}
	h.mu.Unlock()

	// fr.Release() calls back into DropFrame, which takes h.mu itself -- it
	// must run after h.mu is released, the same as Post/Process's expiry reap.
	h.reap(reap)
	return err
}
