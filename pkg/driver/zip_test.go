package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	truevfs "github.com/valenpo/truevfs/pkg"
)

type memSink struct {
	bytes.Buffer
}

func (m *memSink) Close() error { return nil }

func newMemSinkSocket(sink *memSink) truevfs.OutputSocket {
	return truevfs.NewFuncOutputSocket(
		func(ctx context.Context) (truevfs.Entry, error) { return nil, nil },
		func(ctx context.Context) (io.WriteCloser, error) { return sink, nil },
	)
}

func testModel(t *testing.T, uri string) *truevfs.Model {
	t.Helper()
	mp, err := truevfs.ParseMountPoint(uri)
	require.NoError(t, err)
	return truevfs.NewModel(mp, nil)
}

func writeServiceEntry(t *testing.T, ctx context.Context, svc truevfs.OutputService, entry truevfs.ArchiveEntry, data []byte) {
	t.Helper()
	w, err := svc.Output(entry).OpenStream(ctx)
	require.NoError(t, err)
	if data != nil {
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func readServiceEntry(t *testing.T, ctx context.Context, svc truevfs.InputService, name string) []byte {
	t.Helper()
	r, err := svc.Input(name).OpenStream(ctx)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestZipDriverRoundTrip(t *testing.T) {
	d := NewZipDriver()
	model := testModel(t, "zip:file:/tmp/test.zip!/")
	ctx := context.Background()
	sink := &memSink{}

	svc, err := d.NewOutputService(ctx, model, newMemSinkSocket(sink), nil)
	require.NoError(t, err)

	dir, err := d.NewEntry("docs/", truevfs.DirectoryType, truevfs.AccessNone, nil)
	require.NoError(t, err)
	writeServiceEntry(t, ctx, svc, dir, nil)

	file, err := d.NewEntry("docs/readme.txt", truevfs.FileType, truevfs.AccessNone, nil)
	require.NoError(t, err)
	writeServiceEntry(t, ctx, svc, file, []byte("read me"))
	require.NoError(t, svc.Close())

	in, err := d.NewInputService(ctx, model, truevfs.NewByteInputSocket(nil, sink.Bytes()))
	require.NoError(t, err)
	defer in.Close()

	entries := in.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "docs/", entries[0].Name())
	assert.Equal(t, truevfs.DirectoryType, entries[0].Type())
	assert.Equal(t, "docs/readme.txt", entries[1].Name())
	assert.Equal(t, truevfs.FileType, entries[1].Type())
	assert.Equal(t, int64(7), entries[1].Size(truevfs.DataSize))

	assert.Equal(t, "read me", string(readServiceEntry(t, ctx, in, "docs/readme.txt")))
}

func TestZipDriverStoreOption(t *testing.T) {
	d := NewZipDriver()
	entry, err := d.NewEntry("x", truevfs.FileType, truevfs.AccessStore, nil)
	require.NoError(t, err)
	assert.Equal(t, zip.Store, entry.(*zipEntry).method)

	entry, err = d.NewEntry("y", truevfs.FileType, truevfs.AccessNone, nil)
	require.NoError(t, err)
	assert.Equal(t, zip.Deflate, entry.(*zipEntry).method)
}

func TestZipDriverFalsePositive(t *testing.T) {
	d := NewZipDriver()
	model := testModel(t, "zip:file:/tmp/fp.zip!/")
	_, err := d.NewInputService(context.Background(), model, truevfs.NewByteInputSocket(nil, []byte("notazip")))
	assert.Error(t, err)
}

func TestOdfDriverMimetypeLeads(t *testing.T) {
	d := NewOdfDriver()
	model := testModel(t, "odf:file:/tmp/doc.odt!/")
	ctx := context.Background()
	sink := &memSink{}

	svc, err := d.NewOutputService(ctx, model, newMemSinkSocket(sink), nil)
	require.NoError(t, err)

	// The kernel writes in lexicographic order, so content.xml arrives
	// before mimetype; the driver must still put mimetype first.
	content, err := d.NewEntry("content.xml", truevfs.FileType, truevfs.AccessNone, nil)
	require.NoError(t, err)
	writeServiceEntry(t, ctx, svc, content, []byte("<office/>"))

	mimetype, err := d.NewEntry("mimetype", truevfs.FileType, truevfs.AccessNone, nil)
	require.NoError(t, err)
	writeServiceEntry(t, ctx, svc, mimetype, []byte("application/vnd.oasis.opendocument.text"))
	require.NoError(t, svc.Close())

	zr, err := zip.NewReader(bytes.NewReader(sink.Bytes()), int64(sink.Len()))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)
	assert.Equal(t, "mimetype", zr.File[0].Name)
	assert.Equal(t, zip.Store, zr.File[0].Method)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "content.xml")
}

func TestExeDriverIsReadOnly(t *testing.T) {
	d := NewExeDriver()
	model := testModel(t, "exe:file:/tmp/setup.exe!/")
	_, err := d.NewOutputService(context.Background(), model, newMemSinkSocket(&memSink{}), nil)
	assert.ErrorIs(t, err, truevfs.ErrReadOnly)
}
