package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	truevfs "github.com/valenpo/truevfs/pkg"
)

func newTestVfs(t *testing.T) (*truevfs.VFS, *truevfs.Manager, string) {
	t.Helper()
	registry := truevfs.NewRegistry()
	Register(registry, NewStaticKeyProvider(truevfs.KeyConfig{Passphrase: "test secret"}))
	manager := truevfs.NewManager(truevfs.ManagerOptions{Registry: registry})
	return truevfs.NewVFS(manager), manager, t.TempDir()
}

// Write, sync with umount, reopen and read back through a fresh mount.
func TestFlatArchiveRoundTrip(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	path := filepath.Join(dir, "a.zip", "x")

	require.NoError(t, vfs.WriteFile(ctx, path, []byte("AB"), truevfs.AccessNone))

	// Visible before sync with the right metadata.
	entry, err := vfs.Stat(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, truevfs.FileType, entry.Type())
	assert.Equal(t, int64(2), entry.Size(truevfs.DataSize))
	writeTime := entry.Time(truevfs.WriteAccess)
	assert.NotEqual(t, truevfs.UnknownTime, writeTime)

	require.NoError(t, manager.SyncAll(ctx))
	assert.Equal(t, 0, manager.Size())

	// The archive is a real zip on the host now.
	fi, err := os.Stat(filepath.Join(dir, "a.zip"))
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	got, err := vfs.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(got))

	// Metadata survived the round trip.
	entry, err = vfs.Stat(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(2), entry.Size(truevfs.DataSize))
	assert.NotEqual(t, truevfs.UnknownTime, entry.Time(truevfs.WriteAccess))
}

// Creating "d/y" with CREATE_PARENTS materializes the "d" directory.
func TestCreateParents(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "a.zip")

	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "d", "y"), []byte("deep"), truevfs.AccessNone))
	require.NoError(t, manager.SyncAll(ctx))

	entry, err := vfs.Stat(ctx, filepath.Join(archive, "d"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, truevfs.DirectoryType, entry.Type())
	assert.Contains(t, entry.Members(), "y")
}

// A tar nested in a zip, written and read through a single path.
func TestNestedArchives(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	path := filepath.Join(dir, "a.zip", "b.tar", "c")
	payload := []byte("bytes of c")

	require.NoError(t, vfs.WriteFile(ctx, path, payload, truevfs.AccessNone))

	got, err := vfs.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, manager.SyncAll(ctx))
	require.Equal(t, 0, manager.Size())

	got, err = vfs.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	members, err := vfs.List(ctx, filepath.Join(dir, "a.zip"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b.tar"}, members)
}

// A file whose name suggests an archive but whose bytes do not match is
// rerouted to the parent file system.
func TestFalsePositive(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	hostPath := filepath.Join(dir, "foo.zip")

	require.NoError(t, os.WriteFile(hostPath, []byte("notazip"), 0o644))

	// Stat of the archive root recognizes the non-archive and reports
	// absence instead of failing.
	entry, err := vfs.Stat(ctx, hostPath+"/")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Reading the file through the archive controller reroutes to the
	// parent and yields the raw bytes.
	p, err := manager.Registry().Detect(hostPath+"/", false)
	require.NoError(t, err)
	ctrl, err := manager.Controller(p.MountPoint())
	require.NoError(t, err)
	r, err := ctrl.Input(truevfs.AccessNone, truevfs.RootEntryName).OpenStream(ctx)
	require.NoError(t, err)
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "notazip", string(raw))

	require.NoError(t, manager.SyncAll(ctx))
}

func writeArchiveFixture(t *testing.T, vfs *truevfs.VFS, manager *truevfs.Manager, dir string) string {
	t.Helper()
	ctx := context.Background()
	archive := filepath.Join(dir, "busy.zip")
	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "one"), []byte("1111"), truevfs.AccessNone))
	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "two"), []byte("2222"), truevfs.AccessNone))
	require.NoError(t, manager.SyncAll(ctx))
	return archive
}

type heldStream struct {
	r   io.ReadCloser
	err error
}

// openFromOtherGoroutines opens one stream per entry, each from its own
// goroutine, and keeps them open until release is closed.
func openFromOtherGoroutines(t *testing.T, vfs *truevfs.VFS, paths []string, release chan struct{}) []*heldStream {
	t.Helper()
	ctx := context.Background()
	held := make([]*heldStream, len(paths))
	var opened sync.WaitGroup
	var done sync.WaitGroup
	for i, path := range paths {
		opened.Add(1)
		done.Add(1)
		go func(i int, path string) {
			defer done.Done()
			r, err := vfs.Open(ctx, path)
			held[i] = &heldStream{r: r, err: err}
			opened.Done()
			<-release
			if r != nil {
				r.Close()
			}
		}(i, path)
	}
	opened.Wait()
	t.Cleanup(func() { done.Wait() })
	return held
}

// Sync without wait or force options fails while foreign goroutines hold
// open streams.
func TestSyncBusyFails(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := writeArchiveFixture(t, vfs, manager, dir)

	release := make(chan struct{})
	held := openFromOtherGoroutines(t, vfs,
		[]string{filepath.Join(archive, "one"), filepath.Join(archive, "two")}, release)
	for _, h := range held {
		require.NoError(t, h.err)
	}

	err := manager.Sync(ctx, truevfs.SyncNone, nil)
	require.Error(t, err)
	assert.True(t, truevfs.IsSyncFatal(err))

	var busy *truevfs.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 2, busy.Total)
	assert.Equal(t, 0, busy.Local)

	close(release)
	// After the streams close, sync succeeds.
	require.Eventually(t, func() bool {
		return manager.Sync(ctx, truevfs.SyncNone, nil) == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, manager.SyncAll(ctx))
}

// Forced sync closes foreign streams; their next read fails rather than
// silently observing a dead container.
func TestSyncForcedClose(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := writeArchiveFixture(t, vfs, manager, dir)

	release := make(chan struct{})
	defer close(release)
	held := openFromOtherGoroutines(t, vfs,
		[]string{filepath.Join(archive, "one"), filepath.Join(archive, "two")}, release)
	for _, h := range held {
		require.NoError(t, h.err)
	}

	err := manager.Sync(ctx, truevfs.SyncForceCloseInput|truevfs.SyncForceCloseOutput, nil)
	require.Error(t, err)
	assert.True(t, truevfs.IsSyncWarning(err), "forced close surfaces as a warning: %v", err)

	for _, h := range held {
		_, readErr := h.r.Read(make([]byte, 1))
		assert.ErrorIs(t, readErr, truevfs.ErrClosedResource)
	}
}

// Copy across the archive boundary preserves size and bytes.
func TestCopyAcrossBoundary(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()

	src := filepath.Join(dir, "plain.bin")
	payload := bytes.Repeat([]byte{0xA5, 0x5A}, 4096)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	dst := filepath.Join(dir, "a.zip", "copied.bin")
	n, err := vfs.CopyPath(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	require.NoError(t, manager.SyncAll(ctx))

	entry, err := vfs.Stat(ctx, dst)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(len(payload)), entry.Size(truevfs.DataSize))

	got, err := vfs.ReadFile(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRemoveAndDirectorySemantics(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "a.zip")

	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "d", "f"), []byte("x"), truevfs.AccessNone))

	// A populated directory cannot be unlinked.
	err := vfs.Remove(ctx, filepath.Join(archive, "d"))
	assert.ErrorIs(t, err, truevfs.ErrDirectoryNotEmpty)

	require.NoError(t, vfs.Remove(ctx, filepath.Join(archive, "d", "f")))
	require.NoError(t, vfs.Remove(ctx, filepath.Join(archive, "d")))

	err = vfs.Remove(ctx, filepath.Join(archive, "gone"))
	assert.ErrorIs(t, err, truevfs.ErrNoSuchEntry)

	require.NoError(t, manager.SyncAll(ctx))
}

// Aborted changes never reach the parent file system.
func TestAbortChanges(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	path := filepath.Join(dir, "a.zip", "x")

	require.NoError(t, vfs.WriteFile(ctx, path, []byte("doomed"), truevfs.AccessNone))
	require.NoError(t, manager.Sync(ctx, truevfs.SyncAbortChanges|truevfs.SyncUnmountFlag, nil))

	// The archive file was never written.
	_, err := os.Stat(filepath.Join(dir, "a.zip"))
	assert.True(t, os.IsNotExist(err))
}

// The encrypted container round-trips and rejects a wrong key.
func TestZipRaesThroughVfs(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	path := filepath.Join(dir, "vault.tzp", "secret.txt")
	payload := []byte("the cake is a lie")

	require.NoError(t, vfs.WriteFile(ctx, path, payload, truevfs.AccessNone))
	require.NoError(t, manager.SyncAll(ctx))

	// The on-disk bytes are a RAES envelope, not a zip.
	raw, err := os.ReadFile(filepath.Join(dir, "vault.tzp"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)
	assert.Equal(t, "RAES", string(raw[:4]))
	assert.NotContains(t, string(raw), "the cake")

	got, err := vfs.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, manager.SyncAll(ctx))

	// Without the right key the container is treated as a non-archive.
	registry := truevfs.NewRegistry()
	Register(registry, NewStaticKeyProvider(truevfs.KeyConfig{Passphrase: "wrong"}))
	strangerManager := truevfs.NewManager(truevfs.ManagerOptions{Registry: registry})
	stranger := truevfs.NewVFS(strangerManager)
	_, err = stranger.ReadFile(ctx, path)
	assert.Error(t, err)
}

// The pacemaker sheds the eldest archive once the bound is exceeded.
func TestPacemakerSheds(t *testing.T) {
	registry := truevfs.NewRegistry()
	Register(registry, NewStaticKeyProvider(truevfs.KeyConfig{}))
	manager := truevfs.NewManager(truevfs.ManagerOptions{Registry: registry, MaxMounted: 1})
	vfs := truevfs.NewVFS(manager)
	dir := t.TempDir()
	ctx := context.Background()

	require.Equal(t, 1, manager.Pacemaker().MaximumFileSystemsMounted())

	first := filepath.Join(dir, "first.zip")
	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(first, "f"), []byte("first"), truevfs.AccessNone))

	// Touching a second archive evicts and commits the first.
	second := filepath.Join(dir, "second.zip")
	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(second, "s"), []byte("second"), truevfs.AccessNone))

	fi, err := os.Stat(first)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	got, err := vfs.ReadFile(ctx, filepath.Join(first, "f"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, manager.SyncAll(ctx))
}

// Read and write buffers of the cache layer serve repeated access and
// flush on sync.
func TestCacheWriteBack(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "a.zip")

	p, err := manager.Registry().Detect(filepath.Join(archive, "cached"), false)
	require.NoError(t, err)
	ctrl, err := manager.Controller(p.MountPoint())
	require.NoError(t, err)

	w, err := ctrl.Output(truevfs.AccessCache|truevfs.AccessCreateParents, p.EntryName(), nil).OpenStream(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte("write-back"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// The dirty buffer serves reads before any flush.
	r, err := ctrl.Input(truevfs.AccessCache, p.EntryName()).OpenStream(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "write-back", string(got))

	require.NoError(t, manager.SyncAll(ctx))

	got, err = vfs.ReadFile(ctx, filepath.Join(archive, "cached"))
	require.NoError(t, err)
	assert.Equal(t, "write-back", string(got))
}

// Mixed concurrent readers and writers over the same archive all complete.
func TestConcurrentAccessCompletes(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "hot.zip")
	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "seed"), []byte("seed"), truevfs.AccessNone))

	const goroutines = 8
	const iterations = 16
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			for i := 0; i < iterations; i++ {
				name := filepath.Join(archive, fmt.Sprintf("g%d-%d", g, i))
				if err := vfs.WriteFile(ctx, name, []byte("data"), truevfs.AccessNone); err != nil {
					errs <- err
					return
				}
				if _, err := vfs.ReadFile(ctx, name); err != nil {
					errs <- err
					return
				}
				if _, err := vfs.ReadFile(ctx, filepath.Join(archive, "seed")); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(g)
	}
	for g := 0; g < goroutines; g++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("concurrent workload did not complete")
		}
	}

	require.NoError(t, manager.SyncAll(ctx))

	got, err := vfs.ReadFile(ctx, filepath.Join(archive, "seed"))
	require.NoError(t, err)
	assert.Equal(t, "seed", string(got))
}

// Archive bytes are reproducible: a commit writes entries in lexicographic
// order of their names, whatever order they were created in.
func TestDeterministicEntryOrder(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "ordered.zip")

	// Written in non-lexicographic order on purpose.
	for _, name := range []string{"zeta", "alpha", "mid/inner", "beta"} {
		require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, name), []byte(name), truevfs.AccessNone))
	}
	require.NoError(t, manager.SyncAll(ctx))

	members, err := vfs.List(ctx, archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, members)

	// The container itself lists entries sorted.
	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()
	stored := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		stored = append(stored, f.Name)
	}
	assert.Equal(t, []string{"alpha", "beta", "mid/", "mid/inner", "zeta"}, stored)

	p, err := manager.Registry().Detect(archive+"/", false)
	require.NoError(t, err)
	_ = p
	require.NoError(t, manager.SyncAll(ctx))
}

func TestAccessAndTimes(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "meta.zip")

	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "f"), []byte("x"), truevfs.AccessNone))

	p, err := manager.Registry().Detect(filepath.Join(archive, "f"), false)
	require.NoError(t, err)
	ctrl, err := manager.Controller(p.MountPoint())
	require.NoError(t, err)
	name := p.EntryName()

	require.NoError(t, ctrl.CheckAccess(ctx, truevfs.AccessNone, name, truevfs.ReadAccess|truevfs.WriteAccess))
	assert.ErrorIs(t, ctrl.CheckAccess(ctx, truevfs.AccessNone, "missing", truevfs.ReadAccess), truevfs.ErrNoSuchEntry)

	stamp := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, ctrl.SetTime(ctx, truevfs.AccessNone, name, truevfs.WriteAccess, stamp))
	entry, err := ctrl.Stat(ctx, truevfs.AccessNone, name)
	require.NoError(t, err)
	assert.Equal(t, stamp, entry.Time(truevfs.WriteAccess))

	require.NoError(t, ctrl.SetReadOnly(ctx, name))
	assert.ErrorIs(t, ctrl.CheckAccess(ctx, truevfs.AccessNone, name, truevfs.WriteAccess), truevfs.ErrReadOnly)
	_, err = ctrl.Output(truevfs.AccessNone, name, nil).OpenStream(ctx)
	assert.ErrorIs(t, err, truevfs.ErrReadOnly)

	// The timestamp survives the container round trip.
	require.NoError(t, manager.SyncAll(ctx))
	entry, err = vfs.Stat(ctx, filepath.Join(archive, "f"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, stamp, entry.Time(truevfs.WriteAccess))
}

func TestErrTaxonomySurfacing(t *testing.T) {
	vfs, manager, dir := newTestVfs(t)
	ctx := context.Background()
	archive := filepath.Join(dir, "t.zip")

	require.NoError(t, vfs.WriteFile(ctx, filepath.Join(archive, "f"), []byte("x"), truevfs.AccessNone))

	// Reading a directory fails cleanly.
	_, err := vfs.ReadFile(ctx, archive+"/")
	assert.ErrorIs(t, err, truevfs.ErrIsDirectory)

	// Exclusive creation of an existing entry fails.
	p, perr := manager.Registry().Detect(filepath.Join(archive, "f"), false)
	require.NoError(t, perr)
	ctrl, cerr := manager.Controller(p.MountPoint())
	require.NoError(t, cerr)
	_, err = ctrl.Output(truevfs.AccessExclusive, p.EntryName(), nil).OpenStream(ctx)
	assert.ErrorIs(t, err, truevfs.ErrAlreadyExists)

	require.NoError(t, manager.SyncAll(ctx))
}
