package truevfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// fsNode is one entry of a mounted archive file system. File data lives
// either in the input service (unchanged entries) or in a pool buffer
// (written entries).
type fsNode struct {
	name      EntryName
	typ       EntryType
	size      int64
	times     map[AccessKind]int64
	readOnly  bool
	buffer    Buffer
	fromInput string
	children  map[string]*fsNode
}

func newFsNode(name EntryName, typ EntryType) *fsNode {
	n := &fsNode{
		name:  name,
		typ:   typ,
		size:  UnknownSize,
		times: make(map[AccessKind]int64),
	}
	if typ == DirectoryType {
		n.children = make(map[string]*fsNode)
	}
	return n
}

func (n *fsNode) snapshot() *EntryInfo {
	info := &EntryInfo{
		EntryName: string(n.name),
		EntryType: n.typ,
		Sizes:     map[SizeKind]int64{},
		Times:     map[AccessKind]int64{},
	}
	if n.typ == FileType {
		info.Sizes[DataSize] = n.size
	}
	for k, v := range n.times {
		info.Times[k] = v
	}
	if n.children != nil {
		members := make([]string, 0, len(n.children))
		for name := range n.children {
			members = append(members, name)
		}
		sort.Strings(members)
		info.Children = members
	}
	return info
}

// archiveLevelName renders the node name the way drivers store it, with a
// trailing separator on directories.
func (n *fsNode) archiveLevelName() string {
	if n.typ == DirectoryType {
		return string(n.name) + "/"
	}
	return string(n.name)
}

// archiveController owns the in-memory directory of one archive file
// system, performs lazy (un)mounting through the driver and commits the
// container bytes on sync. It is the innermost federated layer; the outer
// decorators provide locking, accounting, caching and context.
type archiveController struct {
	model  *Model
	driver ArchiveDriver
	parent Controller
	pool   IoPool

	mounted bool
	input   InputService
	nodes   map[EntryName]*fsNode
	fp      error // cached persistent false positive, reset on sync
}

func newArchiveController(model *Model, driver ArchiveDriver, parent Controller, pool IoPool) *archiveController {
	return &archiveController{
		model:  model,
		driver: driver,
		parent: parent,
		pool:   pool,
	}
}

func (c *archiveController) Model() *Model      { return c.model }
func (c *archiveController) Parent() Controller { return c.parent }

func (c *archiveController) archiveName() EntryName {
	return c.model.mountPoint.EntryNameInParent()
}

func (c *archiveController) touch() { c.model.setTouched(true) }

// autoMount makes sure the archive directory is loaded. Mounting mutates
// controller state, so a goroutine holding only the read lock gets a
// needsWriteLock signal and the lock controller re-issues the operation.
func (c *archiveController) autoMount(ctx context.Context, autoCreate bool) error {
	if c.mounted {
		return nil
	}
	if c.fp != nil {
		return c.fp
	}
	if !c.model.writeLockedByCurrent() {
		return &needsWriteLockError{mountPoint: c.model.mountPoint}
	}

	parentEntry, err := c.parent.Stat(ctx, AccessNone, c.archiveName())
	if err != nil {
		return err
	}
	switch {
	case parentEntry == nil:
		if !autoCreate {
			return newFalsePositive(fmt.Errorf("%s: %w", c.archiveName(), ErrNoSuchEntry))
		}
		c.nodes = map[EntryName]*fsNode{RootEntryName: newFsNode(RootEntryName, DirectoryType)}
		c.input = nil
		c.mounted = true
		c.model.setMounted(true)
		return nil
	case parentEntry.Type() == DirectoryType:
		c.fp = newPersistentFalsePositive(fmt.Errorf("%s: %w", c.archiveName(), ErrIsDirectory))
		return c.fp
	}

	source := c.parent.Input(AccessNone, c.archiveName())
	input, err := c.driver.NewInputService(ctx, c.model, source)
	if err != nil {
		if errors.Is(err, ErrBadKey) || errors.Is(err, ErrAuthenticationFailed) {
			// The key may become available; do not pin the verdict.
			return newFalsePositive(err)
		}
		c.fp = newPersistentFalsePositive(err)
		return c.fp
	}

	nodes, err := buildTree(input)
	if err != nil {
		input.Close()
		c.fp = newPersistentFalsePositive(err)
		return c.fp
	}
	c.input = input
	c.nodes = nodes
	c.mounted = true
	c.model.setMounted(true)
	GetLogger().Debugf("mounted %s with %d entries", c.model.mountPoint, len(nodes)-1)
	return nil
}

// buildTree indexes the input service entries, synthesizing ghost
// directories for members whose parents have no explicit entry.
func buildTree(input InputService) (map[EntryName]*fsNode, error) {
	nodes := map[EntryName]*fsNode{RootEntryName: newFsNode(RootEntryName, DirectoryType)}

	var makeDirs func(name EntryName) *fsNode
	makeDirs = func(name EntryName) *fsNode {
		if n, ok := nodes[name]; ok {
			return n
		}
		n := newFsNode(name, DirectoryType)
		nodes[name] = n
		parentName, base := name.Parent()
		parent := makeDirs(parentName)
		if parent.children == nil {
			parent.children = make(map[string]*fsNode)
		}
		parent.children[base] = n
		return n
	}

	for _, ae := range input.Entries() {
		raw := ae.Name()
		isDir := strings.HasSuffix(raw, "/") || ae.Type() == DirectoryType
		name, err := ParseEntryName(raw)
		if err != nil || name.IsRoot() {
			continue // tolerate odd names; such entries are not mounted and a commit does not write them
		}
		var n *fsNode
		if isDir {
			n = makeDirs(name)
		} else {
			n = newFsNode(name, ae.Type())
			n.fromInput = raw
			n.size = ae.Size(DataSize)
			nodes[name] = n
			parentName, base := name.Parent()
			parent := makeDirs(parentName)
			if parent.children == nil {
				parent.children = make(map[string]*fsNode)
			}
			parent.children[base] = n
		}
		for _, k := range []AccessKind{ReadAccess, WriteAccess, CreateAccess} {
			if t := ae.Time(k); t != UnknownTime {
				n.times[k] = t
			}
		}
	}
	return nodes, nil
}

func (c *archiveController) Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error) {
	if err := c.autoMount(ctx, false); err != nil {
		return nil, err
	}
	node, ok := c.nodes[name]
	if !ok {
		return nil, nil
	}
	return node.snapshot(), nil
}

func (c *archiveController) CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error {
	if err := c.autoMount(ctx, false); err != nil {
		return err
	}
	node, ok := c.nodes[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchEntry)
	}
	if access.Has(WriteAccess) && node.readOnly {
		return fmt.Errorf("%s: %w", name, ErrReadOnly)
	}
	if access.Has(ExecuteAccess) {
		return fmt.Errorf("%s: %w", name, ErrAccessDenied)
	}
	return nil
}

func (c *archiveController) SetReadOnly(ctx context.Context, name EntryName) error {
	if err := c.autoMount(ctx, false); err != nil {
		return err
	}
	node, ok := c.nodes[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchEntry)
	}
	node.readOnly = true
	c.touch()
	return nil
}

func (c *archiveController) SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error {
	if err := c.autoMount(ctx, false); err != nil {
		return err
	}
	node, ok := c.nodes[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchEntry)
	}
	for _, k := range []AccessKind{ReadAccess, WriteAccess, CreateAccess} {
		if access.Has(k) {
			node.times[k] = millis
		}
	}
	c.touch()
	return nil
}

func (c *archiveController) Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error {
	if err := c.autoMount(ctx, true); err != nil {
		return err
	}
	if name.IsRoot() {
		// Creating the root creates the archive file itself.
		if opts.Has(AccessExclusive) {
			return fmt.Errorf("%s: %w", c.model.mountPoint, ErrAlreadyExists)
		}
		c.touch()
		return nil
	}
	if node, ok := c.nodes[name]; ok {
		if opts.Has(AccessExclusive) {
			return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
		}
		if node.typ != typ {
			if node.typ == DirectoryType {
				return fmt.Errorf("%s: %w", name, ErrIsDirectory)
			}
			return fmt.Errorf("%s: %w", name, ErrNotDirectory)
		}
		return nil
	}
	parent, err := c.parentDir(name, opts)
	if err != nil {
		return err
	}
	node := newFsNode(name, typ)
	now := time.Now().UnixMilli()
	node.times[CreateAccess] = now
	node.times[WriteAccess] = now
	if template != nil {
		if sz := template.Size(DataSize); sz != UnknownSize {
			node.size = sz
		}
		for _, k := range []AccessKind{ReadAccess, WriteAccess, CreateAccess} {
			if t := template.Time(k); t != UnknownTime {
				node.times[k] = t
			}
		}
	}
	c.nodes[name] = node
	parent.children[name.Base()] = node
	c.touch()
	return nil
}

// parentDir resolves the parent directory of name, creating the chain if
// the CREATE_PARENTS option asks for it.
func (c *archiveController) parentDir(name EntryName, opts AccessOptions) (*fsNode, error) {
	parentName, _ := name.Parent()
	if node, ok := c.nodes[parentName]; ok {
		if node.typ != DirectoryType {
			return nil, fmt.Errorf("%s: %w", parentName, ErrNotDirectory)
		}
		return node, nil
	}
	if !opts.Has(AccessCreateParents) {
		return nil, fmt.Errorf("%s: %w", parentName, ErrNoSuchEntry)
	}
	if err := c.Mknod(context.Background(), opts, parentName, DirectoryType, nil); err != nil {
		return nil, err
	}
	return c.nodes[parentName], nil
}

func (c *archiveController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	if err := c.autoMount(ctx, false); err != nil {
		return err
	}
	node, ok := c.nodes[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoSuchEntry)
	}
	if node.typ == DirectoryType && len(node.children) > 0 {
		return fmt.Errorf("%s: %w", name, ErrDirectoryNotEmpty)
	}
	if name.IsRoot() {
		// Removing the root removes the archive file itself.
		c.discard()
		return c.parent.Unlink(ctx, opts, c.archiveName())
	}
	parentName, base := name.Parent()
	if parent, ok := c.nodes[parentName]; ok {
		delete(parent.children, base)
	}
	if node.buffer != nil {
		node.buffer.Release()
	}
	delete(c.nodes, name)
	c.touch()
	return nil
}

func (c *archiveController) Input(opts AccessOptions, name EntryName) InputSocket {
	s := &archiveInputSocket{ctrl: c, name: name}
	s.init(s)
	return s
}

func (c *archiveController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	s := &archiveOutputSocket{ctrl: c, opts: opts, name: name, template: template}
	s.init(s)
	return s
}

func (c *archiveController) Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error {
	c.model.assertWriteLocked()

	if opts.Has(SyncAbortChanges) {
		c.discard()
		return nil
	}

	if c.model.Touched() {
		if err := c.commit(ctx, b); err != nil {
			return err
		}
		c.model.setTouched(false)
	}

	if opts.Has(SyncUnmountFlag) && c.mounted {
		c.unmount(b)
	}
	c.fp = nil
	return nil
}

// discard drops all unsynced state without committing.
func (c *archiveController) discard() {
	for _, node := range c.nodes {
		if node.buffer != nil {
			node.buffer.Release()
		}
	}
	if c.input != nil {
		c.input.Close()
	}
	c.input = nil
	c.nodes = nil
	c.mounted = false
	c.model.setMounted(false)
	c.fp = nil
	c.model.setTouched(false)
}

func (c *archiveController) unmount(b *SyncBuilder) {
	if c.input != nil {
		if err := c.input.Close(); err != nil {
			b.Warn(c.model.mountPoint, err)
		}
		c.input = nil
	}
	for _, node := range c.nodes {
		if node.buffer != nil {
			node.buffer.Release()
		}
	}
	c.nodes = nil
	c.mounted = false
	c.model.setMounted(false)
}

// commit rewrites the container through the parent file system. The new
// archive is spooled into a pool buffer first so the input service can
// keep serving unchanged entry data while the output is produced, then
// copied over the archive file in one pass.
func (c *archiveController) commit(ctx context.Context, b *SyncBuilder) error {
	spool, err := c.pool.Allocate()
	if err != nil {
		return b.Fail(c.model.mountPoint, err)
	}
	defer spool.Release()

	svc, err := c.driver.NewOutputService(ctx, c.model, newBufferOutputSocket(spool, string(c.archiveName())), c.input)
	if err != nil {
		if isControlFlow(err) {
			return err
		}
		return b.Fail(c.model.mountPoint, err)
	}

	if err := c.writeEntries(ctx, svc); err != nil {
		svc.Close()
		if isControlFlow(err) {
			return err
		}
		return b.Fail(c.model.mountPoint, err)
	}
	if err := svc.Close(); err != nil {
		return b.Fail(c.model.mountPoint, err)
	}

	out := c.parent.Output(AccessNone, c.archiveName(), nil)
	if _, err := Copy(ctx, newBufferInputSocket(spool, string(c.archiveName())), out); err != nil {
		if isControlFlow(err) {
			// The input service stays open; the lock controller retries
			// the whole sync against unchanged state.
			return err
		}
		return b.Fail(c.model.mountPoint, err)
	}

	if c.input != nil {
		if err := c.input.Close(); err != nil {
			b.Warn(c.model.mountPoint, err)
		}
		c.input = nil
	}

	// The in-memory state no longer matches the container; remount lazily
	// on next access.
	for _, node := range c.nodes {
		if node.buffer != nil {
			node.buffer.Release()
		}
	}
	c.nodes = nil
	c.mounted = false
	c.model.setMounted(false)
	GetLogger().Debugf("committed %s", c.model.mountPoint)
	return nil
}

// writeEntries streams every node into the output service in lexicographic
// byte order of entry names, for reproducible archive bytes.
func (c *archiveController) writeEntries(ctx context.Context, svc OutputService) error {
	names := make([]EntryName, 0, len(c.nodes))
	for name := range c.nodes {
		if !name.IsRoot() {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	opts := CurrentAccessOptions()
	for _, name := range names {
		node := c.nodes[name]
		if !c.driver.Encodable(node.archiveLevelName()) {
			return fmt.Errorf("%s: name not encodable by %s driver", name, c.driver.Scheme())
		}
		ae, err := c.driver.NewEntry(node.archiveLevelName(), node.typ, opts, node.snapshot())
		if err != nil {
			return err
		}
		if node.typ == DirectoryType {
			w, err := svc.Output(ae).OpenStream(ctx)
			if err != nil {
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			continue
		}
		in, err := c.nodeInput(node)
		if err != nil {
			return err
		}
		if _, err := Copy(ctx, in, svc.Output(ae)); err != nil {
			return err
		}
	}
	return nil
}

// nodeInput returns a socket serving the node's current data.
func (c *archiveController) nodeInput(node *fsNode) (InputSocket, error) {
	switch {
	case node.buffer != nil:
		return newBufferInputSocket(node.buffer, string(node.name)), nil
	case node.fromInput != "" && c.input != nil:
		return c.input.Input(node.fromInput), nil
	default:
		return NewByteInputSocket(node.snapshot(), nil), nil
	}
}

type archiveInputSocket struct {
	inputSocketBase
	ctrl *archiveController
	name EntryName
}

func (s *archiveInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	if err := s.ctrl.autoMount(ctx, false); err != nil {
		return nil, err
	}
	node, ok := s.ctrl.nodes[s.name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoSuchEntry)
	}
	return node.snapshot(), nil
}

func (s *archiveInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	if err := s.ctrl.autoMount(ctx, false); err != nil {
		return nil, err
	}
	node, ok := s.ctrl.nodes[s.name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoSuchEntry)
	}
	if node.typ == DirectoryType {
		return nil, fmt.Errorf("%s: %w", s.name, ErrIsDirectory)
	}
	in, err := s.ctrl.nodeInput(node)
	if err != nil {
		return nil, err
	}
	stream, err := in.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	node.times[ReadAccess] = time.Now().UnixMilli()
	return stream, nil
}

type archiveOutputSocket struct {
	outputSocketBase
	ctrl     *archiveController
	opts     AccessOptions
	name     EntryName
	template Entry
}

func (s *archiveOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	if err := s.ctrl.autoMount(ctx, true); err != nil {
		return nil, err
	}
	if node, ok := s.ctrl.nodes[s.name]; ok {
		return node.snapshot(), nil
	}
	return &EntryInfo{EntryName: string(s.name), EntryType: FileType}, nil
}

func (s *archiveOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	c := s.ctrl
	if err := c.autoMount(ctx, true); err != nil {
		return nil, err
	}
	if s.name.IsRoot() {
		return nil, fmt.Errorf("%s: %w", c.model.mountPoint, ErrIsDirectory)
	}
	node, exists := c.nodes[s.name]
	if exists {
		if node.typ == DirectoryType {
			return nil, fmt.Errorf("%s: %w", s.name, ErrIsDirectory)
		}
		if s.opts.Has(AccessExclusive) {
			return nil, fmt.Errorf("%s: %w", s.name, ErrAlreadyExists)
		}
		if node.readOnly {
			return nil, fmt.Errorf("%s: %w", s.name, ErrReadOnly)
		}
	}
	if _, err := c.parentDir(s.name, s.opts); err != nil {
		return nil, err
	}

	buf, err := c.pool.Allocate()
	if err != nil {
		return nil, err
	}
	if s.opts.Has(AccessAppend) && exists {
		if err := s.preload(ctx, node, buf); err != nil {
			buf.Release()
			return nil, err
		}
	}
	w, err := buf.NewWriter(s.opts.Has(AccessAppend))
	if err != nil {
		buf.Release()
		return nil, err
	}
	return &archiveWriteStream{ctx: ctx, sock: s, buf: buf, w: w}, nil
}

// preload copies the entry's existing data into the buffer for APPEND.
func (s *archiveOutputSocket) preload(ctx context.Context, node *fsNode, buf Buffer) (err error) {
	in, err := s.ctrl.nodeInput(node)
	if err != nil {
		return err
	}
	_, err = Copy(ctx, in, newBufferOutputSocket(buf, string(s.name)))
	return err
}

// archiveWriteStream commits the node on close: the buffer becomes the
// entry data and the file system is touched. If the stream is abandoned
// with an error before close, observable state is unchanged.
type archiveWriteStream struct {
	ctx  context.Context
	sock *archiveOutputSocket
	buf  Buffer
	w    io.WriteCloser
}

func (s *archiveWriteStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *archiveWriteStream) Close() error {
	if err := s.w.Close(); err != nil {
		s.buf.Release()
		return err
	}
	c := s.sock.ctrl
	node, ok := c.nodes[s.sock.name]
	if !ok {
		node = newFsNode(s.sock.name, FileType)
		node.times[CreateAccess] = time.Now().UnixMilli()
		c.nodes[s.sock.name] = node
		parentName, base := s.sock.name.Parent()
		if parent, exists := c.nodes[parentName]; exists {
			parent.children[base] = node
		}
	}
	if node.buffer != nil {
		node.buffer.Release()
	}
	node.buffer = s.buf
	node.fromInput = ""
	node.size = s.buf.Size()
	node.times[WriteAccess] = time.Now().UnixMilli()
	if t := s.sock.template; t != nil {
		for _, k := range []AccessKind{ReadAccess, WriteAccess, CreateAccess} {
			if v := t.Time(k); v != UnknownTime {
				node.times[k] = v
			}
		}
	}
	c.touch()
	return nil
}
