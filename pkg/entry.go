package truevfs

// EntryType classifies file system entries.
type EntryType uint8

const (
	FileType EntryType = iota
	DirectoryType
	SymlinkType
	SpecialType
)

func (t EntryType) String() string {
	switch t {
	case FileType:
		return "FILE"
	case DirectoryType:
		return "DIRECTORY"
	case SymlinkType:
		return "SYMLINK"
	default:
		return "SPECIAL"
	}
}

// SizeKind selects one of the per-entry size attributes.
type SizeKind uint8

const (
	// DataSize is the size of the decoded entry data.
	DataSize SizeKind = iota
	// StorageSize is the size the entry occupies in its container.
	StorageSize
)

// AccessKind selects one of the per-entry timestamp attributes. It doubles
// as the access type set for CheckAccess.
type AccessKind uint8

const (
	ReadAccess AccessKind = 1 << iota
	WriteAccess
	CreateAccess
	ExecuteAccess
)

func (a AccessKind) Has(kinds AccessKind) bool { return a&kinds != 0 }

const (
	// UnknownSize is the sentinel for unknown sizes.
	UnknownSize int64 = -1
	// UnknownTime is the sentinel for unknown timestamps, which are
	// otherwise milliseconds since the Unix epoch.
	UnknownTime int64 = -1
)

// Entry is the metadata of an addressable entity in a file system or
// archive. Implementations are snapshots; mutating the file system does not
// update entries already handed out.
type Entry interface {
	// Name returns the entry name local to its container.
	Name() string
	// Type returns the entry type.
	Type() EntryType
	// Size returns the size of the given kind or UnknownSize.
	Size(kind SizeKind) int64
	// Time returns the timestamp of the given kind in Unix milliseconds or
	// UnknownTime.
	Time(kind AccessKind) int64
	// Members returns the names of the children of a directory entry, or
	// nil for non-directories.
	Members() []string
}

// EntryInfo is a plain value implementation of Entry.
type EntryInfo struct {
	EntryName string
	EntryType EntryType
	Sizes     map[SizeKind]int64
	Times     map[AccessKind]int64
	Children  []string
}

func (e *EntryInfo) Name() string    { return e.EntryName }
func (e *EntryInfo) Type() EntryType { return e.EntryType }

func (e *EntryInfo) Size(kind SizeKind) int64 {
	if v, ok := e.Sizes[kind]; ok {
		return v
	}
	return UnknownSize
}

func (e *EntryInfo) Time(kind AccessKind) int64 {
	if v, ok := e.Times[kind]; ok {
		return v
	}
	return UnknownTime
}

func (e *EntryInfo) Members() []string { return e.Children }

// snapshotEntry copies an arbitrary Entry into an EntryInfo value.
func snapshotEntry(name string, e Entry) *EntryInfo {
	info := &EntryInfo{
		EntryName: name,
		EntryType: e.Type(),
		Sizes:     map[SizeKind]int64{},
		Times:     map[AccessKind]int64{},
	}
	for _, k := range []SizeKind{DataSize, StorageSize} {
		if v := e.Size(k); v != UnknownSize {
			info.Sizes[k] = v
		}
	}
	for _, k := range []AccessKind{ReadAccess, WriteAccess, CreateAccess} {
		if v := e.Time(k); v != UnknownTime {
			info.Times[k] = v
		}
	}
	if members := e.Members(); members != nil {
		info.Children = append([]string(nil), members...)
	}
	return info
}
