package truevfs

import "strings"

// AccessOptions is a bit field of per-operation flags. Drivers observe the
// flags through the context layer, e.g. to choose between STORE and
// COMPRESS when writing a zip entry.
type AccessOptions uint16

const (
	// AccessCache routes reads and writes through the per-entry cache.
	AccessCache AccessOptions = 1 << iota
	// AccessCompress asks the driver to compress entry data.
	AccessCompress
	// AccessStore asks the driver to store entry data verbatim.
	AccessStore
	// AccessEncrypt asks the driver to encrypt entry data.
	AccessEncrypt
	// AccessCreateParents creates missing parent directories on output.
	AccessCreateParents
	// AccessExclusive fails output if the entry already exists.
	AccessExclusive
	// AccessAppend appends to existing entry data on output.
	AccessAppend
	// AccessGrow appends changed entries to the archive instead of
	// rewriting it, if the driver supports that.
	AccessGrow

	// AccessNone is the empty option set.
	AccessNone AccessOptions = 0
)

func (o AccessOptions) Has(flags AccessOptions) bool { return o&flags != 0 }

func (o AccessOptions) Set(flags AccessOptions) AccessOptions { return o | flags }

func (o AccessOptions) Clear(flags AccessOptions) AccessOptions { return o &^ flags }

func (o AccessOptions) String() string {
	names := []struct {
		flag AccessOptions
		name string
	}{
		{AccessCache, "CACHE"},
		{AccessCompress, "COMPRESS"},
		{AccessStore, "STORE"},
		{AccessEncrypt, "ENCRYPT"},
		{AccessCreateParents, "CREATE_PARENTS"},
		{AccessExclusive, "EXCLUSIVE"},
		{AccessAppend, "APPEND"},
		{AccessGrow, "GROW"},
	}
	var set []string
	for _, n := range names {
		if o.Has(n.flag) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "NONE"
	}
	return strings.Join(set, "|")
}

// SyncOptions is a bit field controlling the sync operation.
type SyncOptions uint8

const (
	// SyncWaitCloseInput waits for open input resources to close instead of
	// failing with a busy error.
	SyncWaitCloseInput SyncOptions = 1 << iota
	// SyncWaitCloseOutput waits for open output resources to close.
	SyncWaitCloseOutput
	// SyncForceCloseInput forcibly closes open input resources.
	SyncForceCloseInput
	// SyncForceCloseOutput forcibly closes open output resources.
	SyncForceCloseOutput
	// SyncAbortChanges discards unsynced changes instead of committing them.
	SyncAbortChanges
	// SyncClearCache evicts all cached entry buffers after flushing.
	SyncClearCache
	// SyncUnmountFlag tears the mounted state down after committing.
	SyncUnmountFlag

	// SyncNone is the empty option set.
	SyncNone SyncOptions = 0
)

// SyncUmount is the conjunction used on application exit.
const SyncUmount = SyncForceCloseInput | SyncForceCloseOutput | SyncClearCache | SyncUnmountFlag

// SyncFlush commits changes without unmounting or forcing streams closed.
// VFS.Sync uses it when not unmounting.
const SyncFlush = SyncWaitCloseInput | SyncWaitCloseOutput

func (o SyncOptions) Has(flags SyncOptions) bool { return o&flags != 0 }

func (o SyncOptions) forceClose() bool {
	return o.Has(SyncForceCloseInput | SyncForceCloseOutput)
}

func (o SyncOptions) waitClose() bool {
	return o.Has(SyncWaitCloseInput | SyncWaitCloseOutput)
}
