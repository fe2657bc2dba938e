package truevfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver satisfies ArchiveDriver for detection tests; no I/O happens.
type stubDriver struct {
	scheme Scheme
}

func (d *stubDriver) Scheme() Scheme             { return d.scheme }
func (d *stubDriver) Encodable(name string) bool { return true }

func (d *stubDriver) NewEntry(name string, typ EntryType, opts AccessOptions, template Entry) (ArchiveEntry, error) {
	return &EntryInfo{EntryName: name, EntryType: typ}, nil
}

func (d *stubDriver) NewInputService(ctx context.Context, model *Model, source InputSocket) (InputService, error) {
	return nil, ErrCorruptArchive
}

func (d *stubDriver) NewOutputService(ctx context.Context, model *Model, sink OutputSocket, input InputService) (OutputService, error) {
	return nil, ErrReadOnly
}

func (d *stubDriver) NewController(p ControllerParams) Controller {
	return NewArchiveControllerChain(p)
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register(&stubDriver{scheme: "zip"}, "zip")
	r.Register(&stubDriver{scheme: "tar"}, "tar")
	r.Register(&stubDriver{scheme: "targz"}, "tgz", "tar.gz")
	return r
}

func TestSchemeForName(t *testing.T) {
	r := newTestRegistry()

	scheme, ok := r.SchemeForName("a.zip")
	require.True(t, ok)
	assert.Equal(t, Scheme("zip"), scheme)

	// The longest extension wins.
	scheme, ok = r.SchemeForName("backup.tar.gz")
	require.True(t, ok)
	assert.Equal(t, Scheme("targz"), scheme)

	scheme, ok = r.SchemeForName("DATA.TAR")
	require.True(t, ok)
	assert.Equal(t, Scheme("tar"), scheme)

	_, ok = r.SchemeForName("plain.txt")
	assert.False(t, ok)
}

func TestDetect(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name         string
		in           string
		finalArchive bool
		wantMount    string
		wantEntry    EntryName
	}{
		{
			name:      "plain host path",
			in:        "/tmp/data.bin",
			wantMount: "file:/",
			wantEntry: "tmp/data.bin",
		},
		{
			name:      "archive member",
			in:        "/tmp/a.zip/docs/readme.txt",
			wantMount: "zip:file:/tmp/a.zip!/",
			wantEntry: "docs/readme.txt",
		},
		{
			name:      "nested archives",
			in:        "/tmp/a.zip/b.tar/c",
			wantMount: "tar:zip:file:/tmp/a.zip!/b.tar!/",
			wantEntry: "c",
		},
		{
			name:      "final archive not mounted by default",
			in:        "/tmp/a.zip",
			wantMount: "file:/",
			wantEntry: "tmp/a.zip",
		},
		{
			name:         "final archive mounted on request",
			in:           "/tmp/a.zip",
			finalArchive: true,
			wantMount:    "zip:file:/tmp/a.zip!/",
			wantEntry:    RootEntryName,
		},
		{
			name:      "trailing separator mounts final archive",
			in:        "/tmp/a.zip/",
			wantMount: "zip:file:/tmp/a.zip!/",
			wantEntry: RootEntryName,
		},
		{
			name:      "explicit separator with inferred scheme",
			in:        "file:/tmp/a.zip!/x",
			wantMount: "zip:file:/tmp/a.zip!/",
			wantEntry: "x",
		},
		{
			name:      "canonical form",
			in:        "tar:zip:file:/tmp/a.zip!/b.tar!/c",
			wantMount: "tar:zip:file:/tmp/a.zip!/b.tar!/",
			wantEntry: "c",
		},
		{
			name:      "composite extension",
			in:        "/srv/backup.tar.gz/etc/passwd",
			wantMount: "targz:file:/srv/backup.tar.gz!/",
			wantEntry: "etc/passwd",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Detect(tt.in, tt.finalArchive)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMount, p.MountPoint().String())
			assert.Equal(t, tt.wantEntry, p.EntryName())
		})
	}
}

func TestDetectRejectsUnknownArchive(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Detect("file:/tmp/a.rar!/x", false)
	assert.Error(t, err)
}

func TestDriverLookup(t *testing.T) {
	r := newTestRegistry()
	d, err := r.Driver("zip")
	require.NoError(t, err)
	assert.Equal(t, Scheme("zip"), d.Scheme())

	_, err = r.Driver("sevenzip")
	assert.Error(t, err)
}
