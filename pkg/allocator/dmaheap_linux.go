//go:build linux

package allocator

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
)

// DMA heap and dmabuf ioctl numbers, derived the same way
// api/pkg/drm/ioctl_linux.go derives its DRM ioctl numbers:
//
//	_IOW(type, nr, size)  = 0x40000000 | (size << 16) | (type << 8) | nr
//	_IOWR(type, nr, size) = 0xC0000000 | (size << 16) | (type << 8) | nr
const (
	// DMA_HEAP_IOCTL_ALLOC = _IOWR('H', 0x0, struct dma_heap_allocation_data)
	// struct dma_heap_allocation_data is 24 bytes.
	ioctlDmaHeapAlloc = 0xc0184800

	// DMA_BUF_IOCTL_SYNC = _IOW('b', 0, struct dma_buf_sync)
	// struct dma_buf_sync is 8 bytes (one __u64 flags field).
	ioctlDmaBufSync = 0x40086200
)

// dma_buf_sync flags (linux/dma-buf.h).
const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

// dmaHeapAllocationData corresponds to struct dma_heap_allocation_data.
type dmaHeapAllocationData struct {
	Len       uint64
	Fd        uint32
	FdFlags   uint32
	HeapFlags uint64
}

// dmaBufSync corresponds to struct dma_buf_sync.
type dmaBufSync struct {
	Flags uint64
}

func dmaHeapAlloc(device string, size int64) (int, error) {
	heapFd, err := unix.Open(device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: open %s: %v", vslerr.ErrNoMemory, device, err)
	}
	defer unix.Close(heapFd)

	req := dmaHeapAllocationData{
		Len:     uint64(size),
		FdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(heapFd), ioctlDmaHeapAlloc, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return -1, fmt.Errorf("%w: DMA_HEAP_IOCTL_ALLOC on %s: %v", vslerr.ErrNoMemory, device, errno)
	}
	return int(req.Fd), nil
}

func syncFlags(mode SyncMode, start bool) uint64 {
	var f uint64
	switch mode {
	case SyncRead:
		f = dmaBufSyncRead
	case SyncWrite:
		f = dmaBufSyncWrite
	default:
		f = dmaBufSyncRead | dmaBufSyncWrite
	}
	if start {
		f |= dmaBufSyncStart
	} else {
		f |= dmaBufSyncEnd
	}
	return f
}

// DmaBufSyncBegin issues the DMA_BUF_IOCTL_SYNC start ioctl for mode.
func DmaBufSyncBegin(fd int, mode SyncMode) error {
	req := dmaBufSync{Flags: syncFlags(mode, true)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlDmaBufSync, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("DMA_BUF_IOCTL_SYNC(start): %w", errno)
	}
	return nil
}

// DmaBufSyncEnd issues the DMA_BUF_IOCTL_SYNC end ioctl for mode.
func DmaBufSyncEnd(fd int, mode SyncMode) error {
	req := dmaBufSync{Flags: syncFlags(mode, false)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlDmaBufSync, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("DMA_BUF_IOCTL_SYNC(end): %w", errno)
	}
	return nil
}

// Paddr queries a DmaHeap-backed fd's physical address. There is no
// mainline kernel uAPI for this -- vendor BSPs (e.g. NXP's i.MX DMA-buf
// extensions) expose it via a board-specific ioctl on the heap or the
// buffer fd. This implementation is deliberately conservative: absent a
// vendor ioctl it returns 0 rather than guessing a number, matching spec
// §3's "0 if unknown" contract for FrameInfo.Paddr.
func Paddr(fd int) (int64, error) {
	return 0, nil
}
