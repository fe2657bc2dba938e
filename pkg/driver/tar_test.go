package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	truevfs "github.com/valenpo/truevfs/pkg"
)

func TestTarDriverRoundTrip(t *testing.T) {
	drivers := map[string]*TarDriver{
		"tar":    NewTarDriver(),
		"targz":  NewTarGzDriver(),
		"tarbz2": NewTarBzip2Driver(),
		"tarxz":  NewTarXzDriver(),
	}
	for name, d := range drivers {
		t.Run(name, func(t *testing.T) {
			model := testModel(t, string(d.Scheme())+":file:/tmp/test.tar!/")
			ctx := context.Background()
			sink := &memSink{}

			svc, err := d.NewOutputService(ctx, model, newMemSinkSocket(sink), nil)
			require.NoError(t, err)

			dir, err := d.NewEntry("data/", truevfs.DirectoryType, truevfs.AccessNone, nil)
			require.NoError(t, err)
			writeServiceEntry(t, ctx, svc, dir, nil)

			file, err := d.NewEntry("data/blob.bin", truevfs.FileType, truevfs.AccessNone, nil)
			require.NoError(t, err)
			payload := []byte("tape archive payload")
			writeServiceEntry(t, ctx, svc, file, payload)
			require.NoError(t, svc.Close())

			in, err := d.NewInputService(ctx, model, truevfs.NewByteInputSocket(nil, sink.Bytes()))
			require.NoError(t, err)
			defer in.Close()

			entries := in.Entries()
			require.Len(t, entries, 2)
			assert.Equal(t, "data/", entries[0].Name())
			assert.Equal(t, truevfs.DirectoryType, entries[0].Type())
			assert.Equal(t, "data/blob.bin", entries[1].Name())
			assert.Equal(t, int64(len(payload)), entries[1].Size(truevfs.DataSize))

			assert.Equal(t, payload, readServiceEntry(t, ctx, in, "data/blob.bin"))
		})
	}
}

func TestTarDriverFalsePositive(t *testing.T) {
	for name, d := range map[string]*TarDriver{
		"tar":   NewTarDriver(),
		"targz": NewTarGzDriver(),
		"tarxz": NewTarXzDriver(),
	} {
		t.Run(name, func(t *testing.T) {
			model := testModel(t, string(d.Scheme())+":file:/tmp/fp.tar!/")
			_, err := d.NewInputService(context.Background(), model, truevfs.NewByteInputSocket(nil, []byte("hello")))
			assert.Error(t, err)
		})
	}
}

func TestTarMissingEntry(t *testing.T) {
	d := NewTarDriver()
	model := testModel(t, "tar:file:/tmp/test.tar!/")
	ctx := context.Background()
	sink := &memSink{}

	svc, err := d.NewOutputService(ctx, model, newMemSinkSocket(sink), nil)
	require.NoError(t, err)
	file, err := d.NewEntry("present", truevfs.FileType, truevfs.AccessNone, nil)
	require.NoError(t, err)
	writeServiceEntry(t, ctx, svc, file, []byte("x"))
	require.NoError(t, svc.Close())

	in, err := d.NewInputService(ctx, model, truevfs.NewByteInputSocket(nil, sink.Bytes()))
	require.NoError(t, err)
	defer in.Close()

	assert.Nil(t, in.Entry("absent"))
	_, err = in.Input("absent").OpenStream(ctx)
	assert.ErrorIs(t, err, truevfs.ErrNoSuchEntry)
}
