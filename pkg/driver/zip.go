package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"

	truevfs "github.com/valenpo/truevfs/pkg"
)

// ZipDriver implements the zip scheme and serves as the base for the jar,
// odf, exe and tzp variants.
type ZipDriver struct {
	scheme truevfs.Scheme
	// readOnlyPreamble preserves self-extracting stubs by rejecting
	// writes altogether.
	readOnlyPreamble bool
	// mimetypeFirst reorders output so the "mimetype" entry leads the
	// container, stored, as the ODF packaging requires.
	mimetypeFirst bool
}

func NewZipDriver() *ZipDriver {
	return &ZipDriver{scheme: "zip"}
}

// NewJarDriver returns the zip variant for jar, war and ear containers.
func NewJarDriver() *ZipDriver {
	return &ZipDriver{scheme: "jar"}
}

// NewOdfDriver returns the zip variant for OpenDocument containers.
func NewOdfDriver() *ZipDriver {
	return &ZipDriver{scheme: "odf", mimetypeFirst: true}
}

// NewExeDriver returns the zip variant for self-extracting archives. The
// preamble cannot be reproduced on output, so the file system is
// read-only.
func NewExeDriver() *ZipDriver {
	return &ZipDriver{scheme: "exe", readOnlyPreamble: true}
}

func (d *ZipDriver) Scheme() truevfs.Scheme { return d.scheme }

func (d *ZipDriver) Encodable(name string) bool { return utf8.ValidString(name) }

func (d *ZipDriver) NewEntry(name string, typ truevfs.EntryType, opts truevfs.AccessOptions, template truevfs.Entry) (truevfs.ArchiveEntry, error) {
	if typ == truevfs.DirectoryType && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	method := zip.Deflate
	if opts.Has(truevfs.AccessStore) && !opts.Has(truevfs.AccessCompress) {
		method = zip.Store
	}
	e := &zipEntry{name: name, typ: typ, size: truevfs.UnknownSize, storage: truevfs.UnknownSize, modTime: truevfs.UnknownTime, method: method}
	if template != nil {
		if sz := template.Size(truevfs.DataSize); sz != truevfs.UnknownSize {
			e.size = sz
		}
		if t := template.Time(truevfs.WriteAccess); t != truevfs.UnknownTime {
			e.modTime = t
		}
	}
	return e, nil
}

func (d *ZipDriver) NewController(p truevfs.ControllerParams) truevfs.Controller {
	return truevfs.NewArchiveControllerChain(p)
}

func (d *ZipDriver) NewInputService(ctx context.Context, model *truevfs.Model, source truevfs.InputSocket) (truevfs.InputService, error) {
	stream, err := source.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(stream)
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: no zip container: %w", model.MountPoint(), err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return &zipInputService{reader: zr}, nil
}

func (d *ZipDriver) NewOutputService(ctx context.Context, model *truevfs.Model, sink truevfs.OutputSocket, input truevfs.InputService) (truevfs.OutputService, error) {
	if d.readOnlyPreamble {
		return nil, fmt.Errorf("%s: self-extracting archive: %w", model.MountPoint(), truevfs.ErrReadOnly)
	}
	stream, err := sink.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(stream)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	svc := &zipOutputService{zw: zw, stream: stream}
	if d.mimetypeFirst {
		return &odfOutputService{zipOutputService: svc}, nil
	}
	return svc, nil
}

// zipEntry is the archive-level entry of the zip driver family.
type zipEntry struct {
	name    string
	typ     truevfs.EntryType
	size    int64
	storage int64
	modTime int64
	method  uint16
}

func (e *zipEntry) Name() string            { return e.name }
func (e *zipEntry) Type() truevfs.EntryType { return e.typ }
func (e *zipEntry) Members() []string       { return nil }

func (e *zipEntry) Size(kind truevfs.SizeKind) int64 {
	switch kind {
	case truevfs.DataSize:
		return e.size
	case truevfs.StorageSize:
		return e.storage
	}
	return truevfs.UnknownSize
}

func (e *zipEntry) Time(kind truevfs.AccessKind) int64 {
	if kind == truevfs.WriteAccess {
		return e.modTime
	}
	return truevfs.UnknownTime
}

func entryFromZipFile(f *zip.File) *zipEntry {
	typ := truevfs.FileType
	if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
		typ = truevfs.DirectoryType
	}
	return &zipEntry{
		name:    f.Name,
		typ:     typ,
		size:    int64(f.UncompressedSize64),
		storage: int64(f.CompressedSize64),
		modTime: f.Modified.UnixMilli(),
		method:  f.Method,
	}
}

type zipInputService struct {
	reader *zip.Reader
}

func (s *zipInputService) Entries() []truevfs.ArchiveEntry {
	entries := make([]truevfs.ArchiveEntry, 0, len(s.reader.File))
	for _, f := range s.reader.File {
		entries = append(entries, entryFromZipFile(f))
	}
	return entries
}

func (s *zipInputService) Entry(name string) truevfs.ArchiveEntry {
	for _, f := range s.reader.File {
		if f.Name == name {
			return entryFromZipFile(f)
		}
	}
	return nil
}

func (s *zipInputService) Input(name string) truevfs.InputSocket {
	return newServiceInputSocket(name, func() (truevfs.Entry, error) {
		if e := s.Entry(name); e != nil {
			return e, nil
		}
		return nil, fmt.Errorf("%s: %w", name, truevfs.ErrNoSuchEntry)
	}, func() (io.ReadCloser, error) {
		for _, f := range s.reader.File {
			if f.Name == name {
				return f.Open()
			}
		}
		return nil, fmt.Errorf("%s: %w", name, truevfs.ErrNoSuchEntry)
	})
}

func (s *zipInputService) Close() error { return nil }

type zipOutputService struct {
	zw     *zip.Writer
	stream io.WriteCloser
}

func (s *zipOutputService) header(e *zipEntry) *zip.FileHeader {
	h := &zip.FileHeader{
		Name:   e.name,
		Method: e.method,
	}
	if e.typ == truevfs.DirectoryType {
		h.Method = zip.Store
		h.SetMode(fs.ModeDir | 0o755)
	}
	if e.modTime != truevfs.UnknownTime {
		h.Modified = time.UnixMilli(e.modTime)
	} else {
		h.Modified = time.Now()
	}
	return h
}

func (s *zipOutputService) Output(entry truevfs.ArchiveEntry) truevfs.OutputSocket {
	e := entry.(*zipEntry)
	return newServiceOutputSocket(entry, func() (io.WriteCloser, error) {
		w, err := s.zw.CreateHeader(s.header(e))
		if err != nil {
			return nil, err
		}
		return nopWriteCloser{w}, nil
	})
}

// Close writes the central directory and the container trailer.
func (s *zipOutputService) Close() error {
	err := s.zw.Close()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	return err
}

// odfOutputService holds entries back until the mimetype entry has been
// written, so the mimetype leads the container uncompressed regardless of
// the order the kernel produces.
type odfOutputService struct {
	*zipOutputService
	mimetypeSeen bool
	held         []heldEntry
}

type heldEntry struct {
	entry *zipEntry
	data  []byte
}

const odfMimetypeName = "mimetype"

func (s *odfOutputService) Output(entry truevfs.ArchiveEntry) truevfs.OutputSocket {
	e := entry.(*zipEntry)
	if e.name == odfMimetypeName {
		e.method = zip.Store
		return newServiceOutputSocket(entry, func() (io.WriteCloser, error) {
			w, err := s.zw.CreateHeader(s.header(e))
			if err != nil {
				return nil, err
			}
			return &odfMimetypeStream{svc: s, w: w}, nil
		})
	}
	if s.mimetypeSeen {
		return s.zipOutputService.Output(entry)
	}
	return newServiceOutputSocket(entry, func() (io.WriteCloser, error) {
		return &odfHeldStream{svc: s, entry: e}, nil
	})
}

func (s *odfOutputService) flushHeld() error {
	for _, h := range s.held {
		w, err := s.zw.CreateHeader(s.header(h.entry))
		if err != nil {
			return err
		}
		if _, err := w.Write(h.data); err != nil {
			return err
		}
	}
	s.held = nil
	return nil
}

func (s *odfOutputService) Close() error {
	if err := s.flushHeld(); err != nil {
		s.zipOutputService.Close()
		return err
	}
	return s.zipOutputService.Close()
}

type odfMimetypeStream struct {
	svc *odfOutputService
	w   io.Writer
}

func (s *odfMimetypeStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *odfMimetypeStream) Close() error {
	s.svc.mimetypeSeen = true
	return s.svc.flushHeld()
}

type odfHeldStream struct {
	svc   *odfOutputService
	entry *zipEntry
	buf   bytes.Buffer
}

func (s *odfHeldStream) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *odfHeldStream) Close() error {
	s.svc.held = append(s.svc.held, heldEntry{entry: s.entry, data: s.buf.Bytes()})
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
