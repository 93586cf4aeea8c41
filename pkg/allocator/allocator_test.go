package allocator

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func Test_Alloc_ShmNamedPath(t *testing.T) {
	name := fmt.Sprintf("/vsl-test-%d", os.Getpid())
	fd, tag, allocPath, err := Alloc(name, 4096)
	require.NoError(t, err)
	defer func() {
		unix.Close(fd)
		require.NoError(t, Unlink(allocPath))
	}()

	require.Equal(t, TagShm, tag)
	require.Equal(t, name, allocPath)

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	require.Equal(t, int64(4096), st.Size)
}

func Test_Alloc_AutoGeneratedName(t *testing.T) {
	fd, tag, allocPath, err := Alloc("", 1024)
	require.NoError(t, err)
	defer unix.Close(fd)

	if tag == TagShm {
		require.NotEmpty(t, allocPath)
		defer Unlink(allocPath)
	}
}

func Test_Alloc_RejectsNonPositiveSize(t *testing.T) {
	_, _, _, err := Alloc("", 0)
	require.Error(t, err)
}

func Test_Unlink_MissingNameIsNotAnError(t *testing.T) {
	require.NoError(t, Unlink("/vsl-test-does-not-exist"))
}

func Test_Tag_String(t *testing.T) {
	require.Equal(t, "external", TagExternal.String())
	require.Equal(t, "dma-heap", TagDmaHeap.String())
	require.Equal(t, "shm", TagShm.String())
}
