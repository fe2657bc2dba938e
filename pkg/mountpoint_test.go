package truevfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntryName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    EntryName
		wantErr bool
	}{
		{"empty is root", "", RootEntryName, false},
		{"dot is root", ".", RootEntryName, false},
		{"plain", "a/b/c", "a/b/c", false},
		{"trailing separator stripped", "a/b/", "a/b", false},
		{"dot segments collapsed", "a/./b/../c", "a/c", false},
		{"percent escapes resolved", "a%20b", "a b", false},
		{"absolute rejected", "/a", "", true},
		{"escape rejected", "../a", "", true},
		{"inner escape rejected", "a/../../b", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntryName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMountPointRoundTrip(t *testing.T) {
	for _, uri := range []string{
		"file:/",
		"file:/tmp/",
		"zip:file:/tmp/archive.zip!/",
		"tar:zip:file:/tmp/archive.zip!/inner/nested.tar!/",
	} {
		t.Run(uri, func(t *testing.T) {
			mp, err := ParseMountPoint(uri)
			require.NoError(t, err)
			assert.Equal(t, uri, mp.String())
		})
	}
}

func TestParseMountPointParent(t *testing.T) {
	mp, err := ParseMountPoint("tar:zip:file:/tmp/a.zip!/b.tar!/")
	require.NoError(t, err)
	require.True(t, mp.IsFederated())
	assert.Equal(t, 2, mp.Depth())
	assert.Equal(t, EntryName("b.tar"), mp.EntryNameInParent())

	parent := mp.Parent()
	require.NotNil(t, parent)
	assert.Equal(t, "zip:file:/tmp/a.zip!/", parent.String())
	assert.Equal(t, EntryName("tmp/a.zip"), parent.EntryNameInParent())

	host := parent.Parent()
	require.NotNil(t, host)
	assert.Equal(t, "file:/", host.String())
	assert.False(t, host.IsFederated())
	assert.Nil(t, host.Parent())
}

func TestParseMountPointErrors(t *testing.T) {
	for name, uri := range map[string]string{
		"no scheme":          "/tmp/",
		"relative inner":     "zip:tmp/a.zip!/",
		"no archive file":    "zip:file:/!/",
		"missing separator":  "file:/tmp",
		"bad scheme charset": "9p:/tmp/",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMountPoint(uri)
			assert.Error(t, err, uri)
		})
	}
}

func TestParsePathRoundTrip(t *testing.T) {
	for _, uri := range []string{
		"file:/tmp/data.bin",
		"zip:file:/tmp/a.zip!/docs/readme.txt",
		"tar:zip:file:/tmp/a.zip!/b.tar!/c",
	} {
		t.Run(uri, func(t *testing.T) {
			p, err := ParsePath(uri)
			require.NoError(t, err)
			assert.Equal(t, uri, p.String())
		})
	}
}

func TestPathDecompose(t *testing.T) {
	p, err := ParsePath("tar:zip:file:/tmp/a.zip!/b.tar!/c")
	require.NoError(t, err)
	chain := p.Decompose()
	require.Len(t, chain, 3)
	assert.Equal(t, "file:/", chain[0].MountPoint().String())
	assert.Equal(t, EntryName("tmp/a.zip"), chain[0].EntryName())
	assert.Equal(t, "zip:file:/tmp/a.zip!/", chain[1].MountPoint().String())
	assert.Equal(t, EntryName("b.tar"), chain[1].EntryName())
	assert.Equal(t, "tar:zip:file:/tmp/a.zip!/b.tar!/", chain[2].MountPoint().String())
	assert.Equal(t, EntryName("c"), chain[2].EntryName())
}

func TestEntryNameResolve(t *testing.T) {
	assert.Equal(t, EntryName("a/b"), EntryName("a").Resolve("b"))
	assert.Equal(t, EntryName("b"), RootEntryName.Resolve("b"))
	assert.Equal(t, EntryName("a"), EntryName("a").Resolve(RootEntryName))

	parent, base := EntryName("a/b/c").Parent()
	assert.Equal(t, EntryName("a/b"), parent)
	assert.Equal(t, "c", base)

	parent, base = EntryName("top").Parent()
	assert.True(t, parent.IsRoot())
	assert.Equal(t, "top", base)
}
