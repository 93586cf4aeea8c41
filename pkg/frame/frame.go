// Package frame implements the Frame value object: metadata, an optional
// backing fd, and an optional memory mapping. A Frame either owns memory it
// allocated (via the allocator shim, pkg/allocator) or borrows an externally
// supplied fd; release() tears down exactly the resources it owns.
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/allocator"
	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
	"github.com/EdgeFirstAI/videostream/pkg/wire"
)

// Dropper is satisfied by a Host: releasing a host-owned Frame notifies the
// Host so it can be removed from the live-frames vector.
type Dropper interface {
	DropFrame(*Frame)
}

// Unlocker is satisfied by a Client: it issues the TryLock/Unlock control
// exchange on behalf of a client-owned Frame. Releasing a client-owned Frame
// issues an Unlock exchange before the frame's local resources are freed.
type Unlocker interface {
	TryLockFrame(*Frame) error
	UnlockFrame(*Frame) error
}

// Frame is the in-memory representation of a video frame: metadata plus an
// optional fd/mapping. Every exported method is safe for concurrent use.
type Frame struct {
	mu sync.Mutex

	info wire.FrameInfo

	fd           int
	allocatorTag allocator.Tag
	allocPath    string // shm name, for unlink on release; empty otherwise

	mapping []byte

	paddr      int64
	paddrValid bool

	cleanup func(*Frame)
	userPtr any

	host     Dropper
	client   Unlocker
	released bool
}

// New constructs a Frame with the given geometry. If strideOverride is 0,
// the stride is looked up from the tabulated fourcc formats (spec §4.1);
// a fourcc with neither a tabulated stride nor an explicit override fails
// with vslerr.ErrUnsupported.
func New(width, height int32, fourcc uint32, strideOverride int32) (*Frame, error) {
	if width <= 0 || height <= 0 || fourcc == 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d fourcc=%#x", vslerr.ErrBadArg, width, height, fourcc)
	}

	stride := strideOverride
	if stride == 0 {
		tabulated, ok := strideFor(fourcc, width)
		if !ok {
			return nil, fmt.Errorf("%w: no tabulated stride for fourcc %#x", vslerr.ErrUnsupported, fourcc)
		}
		stride = tabulated
	}

	return &Frame{
		fd:           -1,
		allocatorTag: allocator.TagExternal,
		info: wire.FrameInfo{
			FourCC: fourcc,
			Width:  width,
			Height: height,
			Stride: stride,
		},
	}, nil
}

// FromEvent materializes a client-owned Frame from a received FrameEvent and
// its accompanying fd (spec §4.4 step 6). The Frame takes ownership of fd.
func FromEvent(ev wire.FrameEvent, fd int, owner Unlocker) *Frame {
	return &Frame{
		fd:           fd,
		allocatorTag: allocator.TagExternal,
		info:         ev.Info,
		client:       owner,
	}
}

// SetHost attaches the Host that owns this frame, so Release dispatches DropFrame.
func (f *Frame) SetHost(h Dropper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host = h
}

// Attach borrows fd (duplicating it) as this Frame's backing, tagged External.
// fd <= 0 is rejected with ErrBadFd; if the duplicated fd lands on 0/1/2
// (stdin/stdout/stderr), Attach closes it and fails with ErrBadFd — a sign
// the process has closed one of its standard streams.
func (f *Frame) Attach(fd int, size, offset int64) error {
	if fd <= 0 {
		return fmt.Errorf("%w: attach fd=%d", vslerr.ErrBadFd, fd)
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("dup fd %d: %w", fd, err)
	}
	if dup >= 0 && dup <= 2 {
		unix.Close(dup)
		return fmt.Errorf("%w: attach duplicated onto stdio fd %d", vslerr.ErrBadFd, dup)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fd = dup
	f.allocatorTag = allocator.TagExternal
	f.info.Size = size
	f.info.Offset = offset
	return nil
}

// Alloc allocates backing memory for the frame via the allocator shim
// (pkg/allocator), sized from stride*height, and tags the frame with
// whichever backing the shim chose.
func (f *Frame) Alloc(path string) error {
	f.mu.Lock()
	width, height, stride := f.info.Width, f.info.Height, f.info.Stride
	f.mu.Unlock()
	_ = width

	size := int64(stride) * int64(height)
	fd, tag, allocPath, err := allocator.Alloc(path, size)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fd = fd
	f.allocatorTag = tag
	f.allocPath = allocPath
	f.info.Size = size
	f.info.Offset = 0
	return nil
}

// Mmap lazily maps the full frame extent via the backing fd; subsequent
// calls return the cached mapping. For DmaHeap-backed frames, callers must
// have issued Sync(SyncBegin, ...) before relying on the mapped bytes being
// coherent with the device.
func (f *Frame) Mmap() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mapping != nil {
		return f.mapping, nil
	}
	if f.fd < 0 {
		return nil, fmt.Errorf("%w: frame has no backing fd", vslerr.ErrBadArg)
	}

	data, err := unix.Mmap(f.fd, f.info.Offset, int(f.info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d: %w", f.fd, err)
	}
	f.mapping = data
	return data, nil
}

// Munmap unmaps the frame's memory, issuing a dmabuf sync-end first if the
// frame is DmaHeap-backed.
func (f *Frame) Munmap() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.munmapLocked()
}

func (f *Frame) munmapLocked() error {
	if f.mapping == nil {
		return nil
	}
	if f.allocatorTag == allocator.TagDmaHeap {
		if err := allocator.DmaBufSyncEnd(f.fd, allocator.SyncRW); err != nil {
			return fmt.Errorf("dmabuf sync-end: %w", err)
		}
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Paddr returns the frame's physical address for DmaHeap-backed frames
// (queried once and cached), or 0 for any other allocator tag.
func (f *Frame) Paddr() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paddrValid {
		return f.paddr, nil
	}
	if f.allocatorTag != allocator.TagDmaHeap {
		return 0, nil
	}
	p, err := allocator.Paddr(f.fd)
	if err != nil {
		return 0, err
	}
	f.paddr = p
	f.paddrValid = true
	return p, nil
}

// SyncOp selects which half of a dmabuf CPU-access window to issue.
type SyncOp int

const (
	SyncBegin SyncOp = iota
	SyncEnd
)

// Sync is a no-op for anything but DmaHeap-backed frames, for which it
// issues the DMA_BUF_IOCTL_SYNC ioctl to mark the start/end of CPU access.
func (f *Frame) Sync(op SyncOp, mode allocator.SyncMode) error {
	f.mu.Lock()
	tag, fd := f.allocatorTag, f.fd
	f.mu.Unlock()

	if tag != allocator.TagDmaHeap {
		return nil
	}
	if op == SyncBegin {
		return allocator.DmaBufSyncBegin(fd, mode)
	}
	return allocator.DmaBufSyncEnd(fd, mode)
}

// SetCleanup registers a callback invoked during Release, after allocator
// teardown. If the frame is externally attached (allocator.TagExternal),
// a non-nil cleanup callback is authoritative over the fd's lifetime:
// Release will not close the fd itself, leaving that decision to cleanup.
func (f *Frame) SetCleanup(cleanup func(*Frame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanup = cleanup
}

// TryLock asks the owning Client to reserve this frame against expiry.
// Only meaningful for a client-owned Frame (one materialized via FromEvent).
func (f *Frame) TryLock() error {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: frame has no owning client", vslerr.ErrBadArg)
	}
	return client.TryLockFrame(f)
}

// Unlock releases a prior TryLock. Safe to call even if the frame was never
// locked or the client has disconnected -- the exchange is idempotent.
func (f *Frame) Unlock() error {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: frame has no owning client", vslerr.ErrBadArg)
	}
	return client.UnlockFrame(f)
}

// SetUserPtr stores an opaque caller-owned value alongside the frame.
func (f *Frame) SetUserPtr(p any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userPtr = p
}

// UserPtr returns the value set by SetUserPtr, or nil.
func (f *Frame) UserPtr() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userPtr
}

// Release tears the frame down; it is safe to call more than once; only the
// first call has any effect. The order is, per spec §4.1: unmap, notify the
// owning Host (if any) that this frame is dropped, issue an Unlock to the
// owning Client's host (if any), tear down the allocator's resources, and
// finally invoke the cleanup callback.
func (f *Frame) Release() error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil
	}
	f.released = true
	host, client, cleanup := f.host, f.client, f.cleanup
	f.mu.Unlock()

	var errs []error

	if err := f.Munmap(); err != nil {
		errs = append(errs, err)
	}
	if host != nil {
		host.DropFrame(f)
	}
	if client != nil {
		if err := client.UnlockFrame(f); err != nil {
			errs = append(errs, err)
		}
	}

	f.mu.Lock()
	fd, tag, allocPath := f.fd, f.allocatorTag, f.allocPath
	hasCleanup := cleanup != nil
	f.mu.Unlock()

	if fd >= 0 {
		skipClose := tag == allocator.TagExternal && hasCleanup
		if !skipClose {
			if err := unix.Close(fd); err != nil {
				errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
			}
		}
		if tag == allocator.TagShm && allocPath != "" {
			if err := allocator.Unlink(allocPath); err != nil {
				errs = append(errs, fmt.Errorf("unlink %s: %w", allocPath, err))
			}
		}
	}

	if cleanup != nil {
		cleanup(f)
	}

	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	for _, e := range errs[1:] {
		err = fmt.Errorf("%w; %v", err, e)
	}
	return err
}

// Info returns a copy of the frame's metadata.
func (f *Frame) Info() wire.FrameInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

// Fd returns the frame's backing file descriptor, or -1 if none.
func (f *Frame) Fd() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fd
}

// Serial returns the frame's host-assigned serial (0 if never broadcast).
func (f *Frame) Serial() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info.Serial
}

// SetInfo overwrites the frame's metadata. Used by Host.Post to stamp the
// serial, timestamp and media fields onto a producer-supplied frame.
func (f *Frame) SetInfo(info wire.FrameInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}
