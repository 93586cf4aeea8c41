// Package client implements the consuming side of the VideoStream protocol:
// it connects to a Host's named socket, receives FrameEvents and their
// passed fds, and exposes the non-blocking "consume-latest" wait_frame
// operation plus the lock/unlock control exchange.
//
// Unlike Host, Client is built on net.UnixConn (grounded in
// drm/client.go's ReadMsgUnix/WriteMsgUnix SCM_RIGHTS pattern) since it only
// ever waits on a single socket. The spec's per-operation watchdog timer is
// realized here as a SetReadDeadline/SetWriteDeadline call issued before
// every I/O operation, which is a strictly more precise version of the same
// "restart the timer before the syscall" contract -- no separate timer
// goroutine is needed because net.Conn already ties a deadline to the
// specific call it bounds.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/clock"
	"github.com/EdgeFirstAI/videostream/pkg/config"
	"github.com/EdgeFirstAI/videostream/pkg/frame"
	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
	"github.com/EdgeFirstAI/videostream/pkg/wire"
)

// backoffStages is the fixed reconnect delay table: the Nth consecutive
// connect failure sleeps backoffStages[min(N, len-1)] before retrying.
var backoffStages = []time.Duration{
	0,
	1 * time.Millisecond,
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
	1000 * time.Millisecond,
}

func stageDelay(n uint, _ error, _ *retry.Config) time.Duration {
	i := int(n)
	if i >= len(backoffStages) {
		i = len(backoffStages) - 1
	}
	return backoffStages[i]
}

// Client connects to one Host socket and serves wait_frame/try_lock/unlock
// on behalf of whatever owns it. WaitFrame/TryLockFrame/UnlockFrame are
// serialized by an internal timed mutex, the Go stand-in for the spec's
// recursive mutex. Close is deliberately exempt from that mutex: it must be
// able to interrupt a call blocked inside one of them, which it does the
// same way Go always cancels a blocked read -- by closing the underlying
// connection out from under it.
type Client struct {
	cfg              config.Config
	log              zerolog.Logger
	addr             *net.UnixAddr
	reconnectEnabled bool

	mu              sync.Mutex
	connPtr         atomic.Pointer[net.UnixConn]
	reconnectStage  int
	watchdogTimeout time.Duration

	closed atomic.Bool
}

// New connects to cfg.SocketPath. If reconnectEnabled, a failed initial
// connect is retried through the backoff stage table until it succeeds;
// if not, a single blocking connect attempt is made and its failure is
// returned directly.
func New(cfg config.Config, log zerolog.Logger, reconnectEnabled bool) (*Client, error) {
	addr := &net.UnixAddr{Net: "unixpacket", Name: resolveName(cfg.SocketPath)}

	var conn *net.UnixConn
	var err error
	if reconnectEnabled {
		conn, err = connectWithBackoff(context.Background(), addr)
	} else {
		conn, err = net.DialUnix("unixpacket", nil, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.SocketPath, err)
	}

	c := &Client{
		cfg:              cfg,
		log:              log,
		addr:             addr,
		reconnectEnabled: reconnectEnabled,
		watchdogTimeout:  cfg.WatchdogTimeout,
	}
	c.connPtr.Store(conn)
	return c, nil
}

func resolveName(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "@" + path
}

func connectWithBackoff(ctx context.Context, addr *net.UnixAddr) (*net.UnixConn, error) {
	var conn *net.UnixConn
	err := retry.Do(
		func() error {
			c, derr := net.DialUnix("unixpacket", nil, addr)
			if derr != nil {
				return derr
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0), // unbounded: bounded only by ctx cancellation
		retry.DelayType(stageDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SetTimeout overrides the per-operation deadline (default 1s).
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdogTimeout = d
}

func (c *Client) lock() error {
	deadline := time.Now().Add(c.cfg.LockTimeout)
	for {
		if c.mu.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return vslerr.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitFrame is the consume-latest operation. If until > 0, frames posted
// before that monotonic timestamp are skipped. Each iteration first calls
// recvNonBlocking, whose already-expired read deadline Go reports as a
// timeout before issuing any read, and then recvBlocking, which reads with a
// deadline one watchdog interval ahead. That read tries the socket before
// parking on the network poller, so a burst of queued frames drains without
// waiting; only when nothing is queued does WaitFrame wait up to the
// configured timeout for the next one.
func (c *Client) WaitFrame(until int64) (*frame.Frame, error) {
	if c.closed.Load() {
		return nil, vslerr.ErrClosed
	}
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	discardFirst := false
	for {
		if c.closed.Load() {
			return nil, vslerr.ErrClosed
		}

		conn := c.connPtr.Load()
		if conn == nil {
			if !c.reconnectEnabled {
				return nil, vslerr.ErrNotConnected
			}
			if err := c.reconnectLocked(); err != nil {
				// The failed attempt has advanced the backoff stage; the next
				// iteration sleeps for it and dials again (or returns Closed).
				continue
			}
			discardFirst = true
			continue
		}

		ev, fd, err := c.recvNonBlocking(conn)
		if err != nil {
			if !isTimeoutErr(err) {
				if derr := c.disconnectLocked(conn); derr != nil {
					return nil, derr
				}
				continue
			}
			ev, fd, err = c.recvBlocking(conn)
			if err != nil {
				if isTimeoutErr(err) {
					return nil, vslerr.ErrTimeout
				}
				if derr := c.disconnectLocked(conn); derr != nil {
					return nil, derr
				}
				continue
			}
		}

		// The fd attached to the first event received right after a
		// reconnect may reference a buffer the old connection already
		// invalidated; discard it and keep waiting.
		if discardFirst {
			discardFirst = false
			closeFd(fd)
			continue
		}

		switch {
		case ev.Error != vslerr.KindNone:
			closeFd(fd)
			return nil, ev.Error.Err()
		case ev.Info.Serial == 0:
			closeFd(fd)
			continue
		case ev.Info.Expires > 0 && ev.Info.Expires < clock.Now():
			closeFd(fd)
			continue
		case until > 0 && ev.Info.Timestamp < until:
			closeFd(fd)
			continue
		case fd <= 0:
			return nil, vslerr.ErrBadFd
		}

		return frame.FromEvent(ev, fd, c), nil
	}
}

// reconnectLocked blocks for the current backoff stage then attempts one
// connect, advancing (and capping) the stage on failure and resetting it on
// success. Called with c.mu held; the hold is intentional -- Client's
// read/write contract is serialized, so a concurrent caller simply waits for
// the backoff sleep to finish rather than racing a second connect attempt.
// Close is unaffected since it never takes c.mu.
func (c *Client) reconnectLocked() error {
	if c.closed.Load() {
		return vslerr.ErrClosed
	}

	stage := c.reconnectStage
	if stage >= len(backoffStages) {
		stage = len(backoffStages) - 1
	}
	if backoffStages[stage] > 0 {
		time.Sleep(backoffStages[stage])
	}

	conn, err := net.DialUnix("unixpacket", nil, c.addr)
	if c.closed.Load() {
		if err == nil {
			conn.Close()
		}
		return vslerr.ErrClosed
	}
	if err != nil {
		if c.reconnectStage < len(backoffStages)-1 {
			c.reconnectStage++
		}
		return err
	}
	c.reconnectStage = 0
	c.connPtr.Store(conn)
	return nil
}

// disconnectLocked drops conn after a non-timeout I/O error, or after Close
// interrupted it. With reconnect enabled and the Client not yet closed, this
// is not itself an error -- the caller's loop will reconnect on its next
// iteration -- otherwise it is reported as Closed.
func (c *Client) disconnectLocked(conn *net.UnixConn) error {
	conn.Close()
	c.connPtr.CompareAndSwap(conn, nil)

	if c.closed.Load() || !c.reconnectEnabled {
		c.log.Warn().Msg("client connection closed")
		return vslerr.ErrClosed
	}
	c.log.Warn().Msg("host disconnected, reconnecting")
	return nil
}

func (c *Client) recvNonBlocking(conn *net.UnixConn) (wire.FrameEvent, int, error) {
	conn.SetReadDeadline(time.Now())
	return c.recv(conn)
}

func (c *Client) recvBlocking(conn *net.UnixConn) (wire.FrameEvent, int, error) {
	conn.SetReadDeadline(time.Now().Add(c.watchdogTimeout))
	return c.recv(conn)
}

func (c *Client) recv(conn *net.UnixConn) (wire.FrameEvent, int, error) {
	buf := make([]byte, wire.EventSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return wire.FrameEvent{}, -1, err
	}
	if n == 0 {
		return wire.FrameEvent{}, -1, vslerr.ErrClosed
	}
	if n != wire.EventSize {
		return wire.FrameEvent{}, -1, fmt.Errorf("%w: event read %d bytes, want %d", vslerr.ErrBadMessage, n, wire.EventSize)
	}
	ev, err := wire.UnmarshalEvent(buf[:n])
	if err != nil {
		return wire.FrameEvent{}, -1, err
	}

	fd := -1
	if oobn > 0 {
		scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, scm := range scms {
				fds, rerr := unix.ParseUnixRights(&scm)
				if rerr == nil && len(fds) > 0 {
					fd = fds[0]
				}
			}
		}
	}
	return ev, fd, nil
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// closeFd closes a received fd unless it is 0/1/2: stdio fds are never
// closed blind even when the protocol itself treats 0 as a hard error
// elsewhere (spec §9 fd hygiene note).
func closeFd(fd int) {
	if fd > 2 {
		unix.Close(fd)
	}
}

// TryLockFrame implements frame.Unlocker: it asks the Host to reserve fr
// against expiry. A host-side Expired response (the target already expired)
// is remapped to vslerr.ErrExists per the spec's normative error mapping.
func (c *Client) TryLockFrame(fr *frame.Frame) error {
	err := c.controlExchange(wire.OpTryLock, fr.Serial())
	if errors.Is(err, vslerr.ErrExpired) {
		return vslerr.ErrExists
	}
	return err
}

// UnlockFrame implements frame.Unlocker. It is safe to call on a frame the
// client no longer holds or after the connection has dropped -- the
// exchange is idempotent, returning an error in both cases without
// corrupting any state.
func (c *Client) UnlockFrame(fr *frame.Frame) error {
	return c.controlExchange(wire.OpUnlock, fr.Serial())
}

// controlExchange sends one FrameControl and waits for its response,
// skipping any intervening broadcast FrameEvents (Serial != 0) by closing
// their fds. A receive timeout closes the connection since the protocol
// response is unbounded in time once the exchange has begun.
func (c *Client) controlExchange(op uint32, serial int64) error {
	if c.closed.Load() {
		return vslerr.ErrClosed
	}
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	conn := c.connPtr.Load()
	if conn == nil {
		return vslerr.ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(c.watchdogTimeout))
	buf := wire.MarshalControl(wire.FrameControl{Op: op, Serial: serial})
	if _, _, err := conn.WriteMsgUnix(buf, nil, nil); err != nil {
		conn.Close()
		c.connPtr.CompareAndSwap(conn, nil)
		return fmt.Errorf("%w: write control: %v", vslerr.ErrClosed, err)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(c.watchdogTimeout))
		ev, fd, err := c.recv(conn)
		if err != nil {
			conn.Close()
			c.connPtr.CompareAndSwap(conn, nil)
			if isTimeoutErr(err) {
				return vslerr.ErrTimeout
			}
			return fmt.Errorf("%w: %v", vslerr.ErrClosed, err)
		}
		closeFd(fd)
		if ev.Info.Serial != 0 {
			continue
		}
		return ev.Error.Err()
	}
}

// Close shuts down the connection. It never takes the same mutex
// WaitFrame/TryLockFrame/UnlockFrame serialize on, so it can interrupt a
// call blocked in any of them: closing the underlying net.UnixConn wakes a
// blocked Read the same way it always does in Go, with a "closed network
// connection" error, which the blocked call maps to Closed via the
// c.closed check above.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if conn := c.connPtr.Load(); conn != nil {
		return conn.Close()
	}
	return nil
}
