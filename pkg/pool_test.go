package truevfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolRoundTrip(t *testing.T, pool IoPool) {
	t.Helper()
	buf, err := pool.Allocate()
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, int64(0), buf.Size())

	w, err := buf.NewWriter(false)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, int64(11), buf.Size())

	r, err := buf.NewReader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello world", string(got))

	// Truncating writer replaces the contents.
	w, err = buf.NewWriter(false)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, int64(1), buf.Size())

	// Appending writer extends them.
	w, err = buf.NewWriter(true)
	require.NoError(t, err)
	_, err = w.Write([]byte("yz"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err = buf.NewReader()
	require.NoError(t, err)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "xyz", string(got))
}

func TestMemoryPool(t *testing.T) {
	testPoolRoundTrip(t, NewMemoryPool())
}

func TestFilePool(t *testing.T) {
	pool, err := NewFilePool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()
	testPoolRoundTrip(t, pool)
}

func TestNewIoPool(t *testing.T) {
	pool, err := NewIoPool(IoPoolConfig{Mode: IoPoolModeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPool{}, pool)

	pool, err = NewIoPool(IoPoolConfig{Mode: IoPoolModeFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FilePool{}, pool)
	pool.Close()

	_, err = NewIoPool(IoPoolConfig{Mode: "bogus"})
	assert.Error(t, err)
}
