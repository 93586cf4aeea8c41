// Package allocator implements the VideoStream allocator shim: it chooses
// a backing for a producer-allocated frame (DMA heap when available, POSIX
// shared memory otherwise) and returns a shareable fd, following spec §4.5.
package allocator

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/EdgeFirstAI/videostream/pkg/vslerr"
)

// Tag identifies which resource kind backs a Frame's fd.
type Tag int

const (
	// TagExternal marks a frame whose fd was supplied by the caller (attach),
	// not allocated by this package.
	TagExternal Tag = iota
	// TagDmaHeap marks a frame allocated from a DMA heap device.
	TagDmaHeap
	// TagShm marks a frame allocated from POSIX shared memory.
	TagShm
)

func (t Tag) String() string {
	switch t {
	case TagExternal:
		return "external"
	case TagDmaHeap:
		return "dma-heap"
	case TagShm:
		return "shm"
	default:
		return "unknown"
	}
}

// candidateHeaps is probed in order; the first device that exists is used.
// linux,cma is preferred over system because it hands back physically
// contiguous memory, which downstream hardware consumers (scanout, codecs)
// generally require.
var candidateHeaps = []string{
	"/dev/dma_heap/linux,cma",
	"/dev/dma_heap/system",
}

var shmSeq atomic.Uint64

// Alloc chooses a backing for size bytes, in the order documented in spec
// §4.5:
//  1. path given and doesn't start with "/dev" -> POSIX shm at that name.
//  2. path starts with "/dev" and exists, or path is empty and a candidate
//     DMA heap device exists -> DMA heap.
//  3. otherwise -> shm under an auto-generated name.
func Alloc(path string, size int64) (fd int, tag Tag, allocPath string, err error) {
	if size <= 0 {
		return -1, 0, "", fmt.Errorf("%w: alloc size=%d", vslerr.ErrBadArg, size)
	}

	if path != "" && !strings.HasPrefix(path, "/dev") {
		fd, err = shmOpen(path, size)
		if err != nil {
			return -1, 0, "", err
		}
		return fd, TagShm, path, nil
	}

	if heap := chooseHeap(path); heap != "" {
		fd, err = dmaHeapAlloc(heap, size)
		if err != nil {
			return -1, 0, "", err
		}
		return fd, TagDmaHeap, "", nil
	}

	autoName := fmt.Sprintf("/VSL_%d_%d", os.Getpid(), shmSeq.Add(1))
	fd, err = shmOpen(autoName, size)
	if err != nil {
		return -1, 0, "", err
	}
	return fd, TagShm, autoName, nil
}

// chooseHeap returns the DMA heap device to use, or "" if none is available.
// If path itself names a /dev path, it is used verbatim when it exists (spec
// §4.5.2's "path starts with /dev" branch) and "" is returned when it does
// not, without probing the candidates; otherwise the candidate list is probed.
func chooseHeap(path string) string {
	if strings.HasPrefix(path, "/dev") {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}
	for _, heap := range candidateHeaps {
		if _, err := os.Stat(heap); err == nil {
			return heap
		}
	}
	return ""
}

// shmOpen creates (or truncates) a POSIX shared-memory object at name under
// /dev/shm -- the standard tmpfs-backed implementation glibc's shm_open
// itself uses on Linux -- and sizes it to size bytes.
func shmOpen(name string, size int64) (int, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, fmt.Errorf("%w: shm_open %s: %v", vslerr.ErrNoMemory, name, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return -1, fmt.Errorf("%w: ftruncate %s to %d: %v", vslerr.ErrNoMemory, name, size, err)
	}
	return fd, nil
}

// Unlink removes a shm-backed allocation's name. Safe to call on a name that
// no longer exists.
func Unlink(name string) error {
	if err := unix.Unlink(shmPath(name)); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func shmPath(name string) string {
	return "/dev/shm/" + strings.TrimPrefix(name, "/")
}

// SyncMode selects the CPU access direction for a dmabuf sync window.
type SyncMode int

const (
	SyncRead SyncMode = iota
	SyncWrite
	SyncRW
)
