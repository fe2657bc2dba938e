package truevfs

import (
	"fmt"
	"net/url"
	gopath "path"
	"strings"
)

// Scheme is the symbolic identifier of a driver, e.g. "file", "zip", "tar".
type Scheme string

// ParseScheme validates a URI scheme component.
func ParseScheme(s string) (Scheme, error) {
	if len(s) == 0 {
		return "", fmt.Errorf("%w: empty scheme", ErrInvalidURI)
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return "", fmt.Errorf("%w: illegal character %q in scheme %q", ErrInvalidURI, c, s)
		}
	}
	return Scheme(strings.ToLower(s)), nil
}

// EntryName is a normalized relative path inside a file system. It never
// starts with a separator, uses "/" as the separator and never ends with
// one; the empty name addresses the root entry.
type EntryName string

// RootEntryName addresses the root of a file system.
const RootEntryName EntryName = ""

// ParseEntryName canonicalizes a relative path into an EntryName. Percent
// escapes are resolved and "."/".." segments are eliminated. Names that
// would escape the file system are rejected.
func ParseEntryName(s string) (EntryName, error) {
	if strings.Contains(s, "%") {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		s = unescaped
	}
	if strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("%w: entry name %q is absolute", ErrInvalidURI, s)
	}
	s = strings.TrimSuffix(s, "/")
	if s == "" || s == "." {
		return RootEntryName, nil
	}
	clean := gopath.Clean(s)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: entry name %q escapes the file system", ErrInvalidURI, s)
	}
	if clean == "." {
		return RootEntryName, nil
	}
	return EntryName(clean), nil
}

func (n EntryName) String() string { return string(n) }

// IsRoot reports whether the name addresses the root entry.
func (n EntryName) IsRoot() bool { return n == RootEntryName }

// Parent returns the name of the parent directory and the base name.
// The parent of a top-level name is the root.
func (n EntryName) Parent() (EntryName, string) {
	i := strings.LastIndexByte(string(n), '/')
	if i < 0 {
		return RootEntryName, string(n)
	}
	return EntryName(n[:i]), string(n[i+1:])
}

// Base returns the last path segment.
func (n EntryName) Base() string {
	_, base := n.Parent()
	return base
}

// Resolve joins a relative member name onto n.
func (n EntryName) Resolve(member EntryName) EntryName {
	if n.IsRoot() {
		return member
	}
	if member.IsRoot() {
		return n
	}
	return EntryName(string(n) + "/" + string(member))
}

// archiveSeparator splits the parent file system path from the entry name
// within the archive mounted at that path.
const archiveSeparator = "!/"

// MountPoint identifies a federated file system's location. A mount point
// is either a leaf addressing a host file system directory, e.g. "file:/",
// or a nested mount point addressing an archive file inside its parent,
// e.g. "zip:file:/tmp/archive.zip!/".
type MountPoint struct {
	scheme Scheme
	path   *Path  // archive location in the parent; nil for leaf mounts
	root   string // host directory with trailing separator; "" for nested mounts
	uri    string
}

// Path uniquely addresses an entity as a mount point plus an entry name.
type Path struct {
	mountPoint *MountPoint
	entryName  EntryName
}

// ParseMountPoint parses the canonical form of a mount point URI.
func ParseMountPoint(s string) (*MountPoint, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNonabsoluteURI, s)
	}
	scheme, err := ParseScheme(s[:colon])
	if err != nil {
		return nil, err
	}
	rest := s[colon+1:]
	if strings.HasSuffix(rest, archiveSeparator) {
		inner := rest[:len(rest)-len(archiveSeparator)]
		path, err := ParsePath(inner)
		if err != nil {
			return nil, err
		}
		if path.entryName.IsRoot() {
			return nil, fmt.Errorf("%w: %q names no archive file in its parent", ErrInvalidURI, s)
		}
		return newNestedMountPoint(scheme, path), nil
	}
	if !strings.HasPrefix(rest, "/") {
		return nil, fmt.Errorf("%w: %q", ErrNonabsoluteURI, s)
	}
	if !strings.HasSuffix(rest, "/") {
		return nil, fmt.Errorf("%w: leaf mount point %q must end with a separator", ErrInvalidURI, s)
	}
	root := gopath.Clean(rest)
	if root != "/" {
		root += "/"
	}
	return &MountPoint{
		scheme: scheme,
		root:   root,
		uri:    string(scheme) + ":" + root,
	}, nil
}

func newNestedMountPoint(scheme Scheme, path *Path) *MountPoint {
	return &MountPoint{
		scheme: scheme,
		path:   path,
		uri:    string(scheme) + ":" + path.String() + archiveSeparator,
	}
}

// ParsePath parses a path URI into a mount point and an entry name. The
// grammar follows the mount point grammar; everything after the last
// archive separator is the entry name, and a plain hierarchical URI like
// "file:/tmp/data.bin" addresses an entry of the host file system rooted
// at "file:/".
func ParsePath(s string) (*Path, error) {
	if i := strings.LastIndex(s, archiveSeparator); i >= 0 {
		mp, err := ParseMountPoint(s[:i+len(archiveSeparator)])
		if err != nil {
			return nil, err
		}
		name, err := ParseEntryName(s[i+len(archiveSeparator):])
		if err != nil {
			return nil, err
		}
		return &Path{mountPoint: mp, entryName: name}, nil
	}
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNonabsoluteURI, s)
	}
	scheme, err := ParseScheme(s[:colon])
	if err != nil {
		return nil, err
	}
	rest := s[colon+1:]
	if !strings.HasPrefix(rest, "/") {
		return nil, fmt.Errorf("%w: %q", ErrNonabsoluteURI, s)
	}
	mp, err := ParseMountPoint(string(scheme) + ":/")
	if err != nil {
		return nil, err
	}
	name, err := ParseEntryName(rest[1:])
	if err != nil {
		return nil, err
	}
	return &Path{mountPoint: mp, entryName: name}, nil
}

// NewPath composes a path from its components.
func NewPath(mp *MountPoint, name EntryName) *Path {
	return &Path{mountPoint: mp, entryName: name}
}

// NewArchiveMountPoint composes the mount point of an archive file
// addressed by the given path.
func NewArchiveMountPoint(scheme Scheme, archive *Path) *MountPoint {
	return newNestedMountPoint(scheme, archive)
}

func (m *MountPoint) Scheme() Scheme { return m.scheme }

// Parent returns the mount point of the parent file system, or nil for a
// leaf mount point.
func (m *MountPoint) Parent() *MountPoint {
	if m.path == nil {
		return nil
	}
	return m.path.mountPoint
}

// EntryNameInParent returns the name of the archive file within the parent
// file system, or the root name for a leaf mount point.
func (m *MountPoint) EntryNameInParent() EntryName {
	if m.path == nil {
		return RootEntryName
	}
	return m.path.entryName
}

// Path returns the location of the archive file in the parent file system,
// or nil for a leaf mount point.
func (m *MountPoint) Path() *Path { return m.path }

// HostRoot returns the host directory of a leaf mount point with a
// trailing separator, e.g. "/" or "/tmp/".
func (m *MountPoint) HostRoot() string { return m.root }

// IsFederated reports whether the mount point addresses an archive file
// system nested in a parent.
func (m *MountPoint) IsFederated() bool { return m.path != nil }

// Depth returns the number of archive levels above the host file system.
func (m *MountPoint) Depth() int {
	d := 0
	for p := m; p.path != nil; p = p.path.mountPoint {
		d++
	}
	return d
}

func (m *MountPoint) String() string { return m.uri }

// Resolve composes a path addressing the given entry of this file system.
func (m *MountPoint) Resolve(name EntryName) *Path {
	return &Path{mountPoint: m, entryName: name}
}

func (p *Path) MountPoint() *MountPoint { return p.mountPoint }
func (p *Path) EntryName() EntryName    { return p.entryName }

func (p *Path) String() string {
	if p.entryName.IsRoot() {
		return p.mountPoint.uri
	}
	return p.mountPoint.uri + string(p.entryName)
}

// Decompose produces the chain of (mount point, entry name) pairs from the
// outermost file system to the innermost one addressing this path.
func (p *Path) Decompose() []*Path {
	var chain []*Path
	for cur := p; cur != nil; {
		chain = append(chain, cur)
		cur = cur.mountPoint.path
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
