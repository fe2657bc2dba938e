package truevfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps schemes to archive drivers and file-name extensions to
// schemes. It doubles as the archive detector that decomposes host paths
// like "/tmp/a.zip/b.tar/c" into a chain of federated mount points.
type Registry struct {
	mu         sync.RWMutex
	drivers    map[Scheme]ArchiveDriver
	extensions map[string]Scheme
}

func NewRegistry() *Registry {
	return &Registry{
		drivers:    make(map[Scheme]ArchiveDriver),
		extensions: make(map[string]Scheme),
	}
}

// Register installs a driver under its scheme and binds the given
// file-name extensions to it. Extensions are matched case-insensitively
// and may be composite, e.g. "tar.gz".
func (r *Registry) Register(driver ArchiveDriver, extensions ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver.Scheme()] = driver
	for _, ext := range extensions {
		r.extensions[strings.ToLower(ext)] = driver.Scheme()
	}
}

// Driver returns the driver registered for the scheme.
func (r *Registry) Driver(scheme Scheme) (ArchiveDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[scheme]
	if !ok {
		return nil, fmt.Errorf("no driver registered for scheme %q", scheme)
	}
	return d, nil
}

// SchemeForName matches a file name against the registered extensions,
// longest extension first, so "tar.gz" wins over "gz".
func (r *Registry) SchemeForName(name string) (Scheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lower := strings.ToLower(name)
	exts := make([]string, 0, len(r.extensions))
	for ext := range r.extensions {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool { return len(exts[i]) > len(exts[j]) })
	for _, ext := range exts {
		if strings.HasSuffix(lower, "."+ext) {
			return r.extensions[ext], true
		}
	}
	return "", false
}

// Detect resolves a path string into a Path, decomposing any recognized
// archive files along the way into federated mount points. Accepted forms:
//
//	/tmp/a.zip/b.tar/c              (host path, detection by extension)
//	file:/tmp/a.zip/b.tar/c         (schemed, detection by extension)
//	file:/tmp/a.zip!/               (explicit separators, schemes inferred)
//	tar:zip:file:/tmp/a.zip!/b.tar!/c  (canonical form)
//
// With finalArchive set, a last segment with a recognized extension is
// mounted too and the entry name addresses its root.
func (r *Registry) Detect(s string, finalArchive bool) (*Path, error) {
	if strings.HasPrefix(s, "/") {
		s = "file:" + s
	}
	// A trailing separator asserts directory semantics: "/tmp/foo.zip/"
	// addresses the archive's root, not the archive file.
	if strings.HasSuffix(s, "/") && !strings.HasSuffix(s, archiveSeparator) && !strings.HasSuffix(s, ":/") {
		finalArchive = true
	}
	if i := strings.Index(s, archiveSeparator); i >= 0 {
		if p, err := ParsePath(s); err == nil {
			return p, nil
		}
		return r.detectSeparated(s)
	}
	p, err := ParsePath(s)
	if err != nil {
		return nil, err
	}
	return r.scan(p.MountPoint(), p.EntryName(), finalArchive)
}

// scan walks the entry name segments and folds every recognized archive
// file into a nested mount point.
func (r *Registry) scan(mp *MountPoint, name EntryName, finalArchive bool) (*Path, error) {
	if name.IsRoot() {
		return mp.Resolve(name), nil
	}
	segments := strings.Split(string(name), "/")
	acc := RootEntryName
	for i, seg := range segments {
		acc = acc.Resolve(EntryName(seg))
		last := i == len(segments)-1
		if last && !finalArchive {
			break
		}
		if scheme, ok := r.SchemeForName(seg); ok {
			mp = NewArchiveMountPoint(scheme, mp.Resolve(acc))
			acc = RootEntryName
		}
	}
	return mp.Resolve(acc), nil
}

// detectSeparated handles explicit archive separators with omitted archive
// schemes, e.g. "file:/tmp/a.zip!/x": each "!/" boundary wraps the
// preceding path in a mount point whose scheme is inferred from the
// archive file's extension.
func (r *Registry) detectSeparated(s string) (*Path, error) {
	parts := strings.Split(s, archiveSeparator)
	p, err := r.Detect(parts[0], false)
	if err != nil {
		return nil, err
	}
	for _, part := range parts[1:] {
		scheme, ok := r.SchemeForName(p.EntryName().Base())
		if !ok {
			return nil, fmt.Errorf("%w: no driver matches archive file %q", ErrInvalidURI, p.EntryName())
		}
		mp := NewArchiveMountPoint(scheme, p)
		name, err := ParseEntryName(part)
		if err != nil {
			return nil, err
		}
		p = mp.Resolve(name)
	}
	return p, nil
}
