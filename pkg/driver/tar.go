package driver

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	dbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	truevfs "github.com/valenpo/truevfs/pkg"
)

type tarCompression uint8

const (
	tarPlain tarCompression = iota
	tarGzip
	tarBzip2
	tarXz
)

// TarDriver implements the tar scheme and its compressed variants. TAR is
// a pure stream format, so entry data is read into memory at mount time;
// there is no central directory to seek from.
type TarDriver struct {
	scheme      truevfs.Scheme
	compression tarCompression
}

func NewTarDriver() *TarDriver {
	return &TarDriver{scheme: "tar", compression: tarPlain}
}

func NewTarGzDriver() *TarDriver {
	return &TarDriver{scheme: "targz", compression: tarGzip}
}

func NewTarBzip2Driver() *TarDriver {
	return &TarDriver{scheme: "tarbz2", compression: tarBzip2}
}

func NewTarXzDriver() *TarDriver {
	return &TarDriver{scheme: "tarxz", compression: tarXz}
}

func (d *TarDriver) Scheme() truevfs.Scheme { return d.scheme }

func (d *TarDriver) Encodable(name string) bool { return utf8.ValidString(name) }

func (d *TarDriver) NewEntry(name string, typ truevfs.EntryType, opts truevfs.AccessOptions, template truevfs.Entry) (truevfs.ArchiveEntry, error) {
	if typ == truevfs.DirectoryType && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	e := &tarEntry{name: name, typ: typ, size: truevfs.UnknownSize, modTime: truevfs.UnknownTime}
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

func (d *TarDriver) NewController(p truevfs.ControllerParams) truevfs.Controller {
	return truevfs.NewArchiveControllerChain(p)
}

func (d *TarDriver) newDecompressor(r io.Reader) (io.Reader, error) {
	switch d.compression {
	case tarGzip:
		return gzip.NewReader(r)
	case tarBzip2:
		return bzip2.NewReader(r), nil
	case tarXz:
		return xz.NewReader(r)
	default:
		return r, nil
	}
}

func (d *TarDriver) newCompressor(w io.Writer) (io.WriteCloser, error) {
	switch d.compression {
	case tarGzip:
		return gzip.NewWriter(w), nil
	case tarBzip2:
		return dbzip2.NewWriter(w, &dbzip2.WriterConfig{Level: dbzip2.DefaultCompression})
	case tarXz:
		return xz.NewWriter(w)
	default:
		return nopWriteCloser{w}, nil
	}
}

func (d *TarDriver) NewInputService(ctx context.Context, model *truevfs.Model, source truevfs.InputSocket) (truevfs.InputService, error) {
	stream, err := source.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	r, err := d.newDecompressor(stream)
	if err != nil {
		return nil, fmt.Errorf("%s: no %s container: %w", model.MountPoint(), d.scheme, err)
	}

	tr := tar.NewReader(r)
	svc := &tarInputService{index: make(map[string]int)}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: no %s container: %w", model.MountPoint(), d.scheme, err)
		}
		var data []byte
		if hdr.Typeflag == tar.TypeReg {
			data, err = io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", model.MountPoint(), err)
			}
		}
		svc.index[hdr.Name] = len(svc.entries)
		svc.entries = append(svc.entries, &tarEntry{
			name:    hdr.Name,
			typ:     tarEntryType(hdr),
			size:    hdr.Size,
			modTime: hdr.ModTime.UnixMilli(),
			data:    data,
		})
	}
	return svc, nil
}

func tarEntryType(hdr *tar.Header) truevfs.EntryType {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return truevfs.DirectoryType
	case tar.TypeSymlink, tar.TypeLink:
		return truevfs.SymlinkType
	case tar.TypeReg:
		return truevfs.FileType
	default:
		return truevfs.SpecialType
	}
}

func (d *TarDriver) NewOutputService(ctx context.Context, model *truevfs.Model, sink truevfs.OutputSocket, input truevfs.InputService) (truevfs.OutputService, error) {
	stream, err := sink.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	compressor, err := d.newCompressor(stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return &tarOutputService{
		tw:         tar.NewWriter(compressor),
		compressor: compressor,
		stream:     stream,
	}, nil
}

type tarEntry struct {
	name    string
	typ     truevfs.EntryType
	size    int64
	modTime int64
	data    []byte
}

func (e *tarEntry) Name() string            { return e.name }
func (e *tarEntry) Type() truevfs.EntryType { return e.typ }
func (e *tarEntry) Members() []string       { return nil }

func (e *tarEntry) Size(kind truevfs.SizeKind) int64 {
	if e.typ != truevfs.FileType {
		return truevfs.UnknownSize
	}
	return e.size
}

func (e *tarEntry) Time(kind truevfs.AccessKind) int64 {
	if kind == truevfs.WriteAccess {
		return e.modTime
	}
	return truevfs.UnknownTime
}

type tarInputService struct {
	entries []*tarEntry
	index   map[string]int
}

func (s *tarInputService) Entries() []truevfs.ArchiveEntry {
	entries := make([]truevfs.ArchiveEntry, len(s.entries))
	for i, e := range s.entries {
		entries[i] = e
	}
	return entries
}

func (s *tarInputService) Entry(name string) truevfs.ArchiveEntry {
	if i, ok := s.index[name]; ok {
		return s.entries[i]
	}
	return nil
}

func (s *tarInputService) Input(name string) truevfs.InputSocket {
	return newServiceInputSocket(name, func() (truevfs.Entry, error) {
		if e := s.Entry(name); e != nil {
			return e, nil
		}
		return nil, fmt.Errorf("%s: %w", name, truevfs.ErrNoSuchEntry)
	}, func() (io.ReadCloser, error) {
		i, ok := s.index[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, truevfs.ErrNoSuchEntry)
		}
		return io.NopCloser(bytes.NewReader(s.entries[i].data)), nil
	})
}

func (s *tarInputService) Close() error {
	s.entries = nil
	s.index = nil
	return nil
}

type tarOutputService struct {
	tw         *tar.Writer
	compressor io.WriteCloser
	stream     io.WriteCloser
}

func (s *tarOutputService) Output(entry truevfs.ArchiveEntry) truevfs.OutputSocket {
	e := entry.(*tarEntry)
	return newServiceOutputSocket(entry, func() (io.WriteCloser, error) {
		// The header needs the exact size up front; the entry data is
		// always spooled and the header written on close.
		return &tarEntryStream{svc: s, entry: e}, nil
	})
}

func (s *tarOutputService) writeEntry(e *tarEntry, data []byte) error {
	hdr := &tar.Header{
		Name: e.name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if e.typ == truevfs.DirectoryType {
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = 0o755
		hdr.Size = 0
	} else {
		hdr.Typeflag = tar.TypeReg
	}
	if e.modTime != truevfs.UnknownTime {
		hdr.ModTime = time.UnixMilli(e.modTime)
	} else {
		hdr.ModTime = time.Now()
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag == tar.TypeReg && len(data) > 0 {
		if _, err := s.tw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *tarOutputService) Close() error {
	err := s.tw.Close()
	if cerr := s.compressor.Close(); err == nil {
		err = cerr
	}
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	return err
}

type tarEntryStream struct {
	svc   *tarOutputService
	entry *tarEntry
	buf   bytes.Buffer
}

func (s *tarEntryStream) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *tarEntryStream) Close() error {
	return s.svc.writeEntry(s.entry, s.buf.Bytes())
}
