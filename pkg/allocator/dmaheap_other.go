//go:build !linux

package allocator

import "fmt"

// Stubs for non-Linux platforms. DMA heaps and dmabuf are Linux-only; on
// other platforms the allocator shim always falls through to shm (see
// chooseHeap, which never returns a heap path without a real device to stat).

func dmaHeapAlloc(device string, size int64) (int, error) {
	return -1, fmt.Errorf("dma heap allocation only supported on linux")
}

func DmaBufSyncBegin(fd int, mode SyncMode) error {
	return nil
}

func DmaBufSyncEnd(fd int, mode SyncMode) error {
	return nil
}

func Paddr(fd int) (int64, error) {
	return 0, nil
}
