package truevfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessOptions(t *testing.T) {
	opts := AccessNone
	assert.False(t, opts.Has(AccessCache))
	assert.Equal(t, "NONE", opts.String())

	opts = opts.Set(AccessCache | AccessCreateParents)
	assert.True(t, opts.Has(AccessCache))
	assert.True(t, opts.Has(AccessCreateParents))
	assert.Equal(t, "CACHE|CREATE_PARENTS", opts.String())

	opts = opts.Clear(AccessCache)
	assert.False(t, opts.Has(AccessCache))
	assert.True(t, opts.Has(AccessCreateParents))
}

func TestSyncOptions(t *testing.T) {
	assert.True(t, SyncUmount.Has(SyncForceCloseInput))
	assert.True(t, SyncUmount.Has(SyncForceCloseOutput))
	assert.True(t, SyncUmount.Has(SyncClearCache))
	assert.True(t, SyncUmount.Has(SyncUnmountFlag))
	assert.True(t, SyncUmount.forceClose())
	assert.False(t, SyncUmount.waitClose())

	assert.True(t, SyncFlush.waitClose())
	assert.False(t, SyncFlush.forceClose())

	assert.False(t, SyncNone.Has(SyncUnmountFlag))
}
