package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	truevfs "github.com/valenpo/truevfs/pkg"
)

// ZipRaesDriver implements the tzp scheme: a zip container sealed in a
// RAES envelope. Entries are stored rather than deflated since the
// envelope is opaque anyway and double compression buys nothing.
type ZipRaesDriver struct {
	*ZipDriver
	keys     KeyProvider
	strength KeyStrength
}

func NewZipRaesDriver(keys KeyProvider) *ZipRaesDriver {
	return &ZipRaesDriver{
		ZipDriver: &ZipDriver{scheme: "tzp"},
		keys:      keys,
		strength:  KeyStrength256,
	}
}

func (d *ZipRaesDriver) NewEntry(name string, typ truevfs.EntryType, opts truevfs.AccessOptions, template truevfs.Entry) (truevfs.ArchiveEntry, error) {
	return d.ZipDriver.NewEntry(name, typ, opts.Set(truevfs.AccessStore).Clear(truevfs.AccessCompress), template)
}

func (d *ZipRaesDriver) NewInputService(ctx context.Context, model *truevfs.Model, source truevfs.InputSocket) (truevfs.InputService, error) {
	passphrase, err := d.keys.Passphrase(model.MountPoint())
	if err != nil {
		return nil, err
	}
	stream, err := source.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	sealed, err := io.ReadAll(stream)
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	data, err := DecryptRaes(sealed, passphrase)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: no zip container in RAES envelope: %w", model.MountPoint(), err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return &zipInputService{reader: zr}, nil
}

func (d *ZipRaesDriver) NewOutputService(ctx context.Context, model *truevfs.Model, sink truevfs.OutputSocket, input truevfs.InputService) (truevfs.OutputService, error) {
	passphrase, err := d.keys.Passphrase(model.MountPoint())
	if err != nil {
		return nil, err
	}
	stream, err := sink.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	spool := &bytes.Buffer{}
	zw := zip.NewWriter(spool)
	return &zipRaesOutputService{
		zipOutputService: &zipOutputService{zw: zw, stream: nopWriteCloser{spool}},
		spool:            spool,
		sink:             stream,
		passphrase:       passphrase,
		strength:         d.strength,
	}, nil
}

// zipRaesOutputService spools the cleartext zip and seals it into the
// parent stream on close.
type zipRaesOutputService struct {
	*zipOutputService
	spool      *bytes.Buffer
	sink       io.WriteCloser
	passphrase string
	strength   KeyStrength
}

func (s *zipRaesOutputService) Close() error {
	if err := s.zipOutputService.Close(); err != nil {
		s.sink.Close()
		return err
	}
	sealed, err := EncryptRaes(s.spool.Bytes(), s.passphrase, s.strength)
	if err != nil {
		s.sink.Close()
		return err
	}
	if _, err := s.sink.Write(sealed); err != nil {
		s.sink.Close()
		return err
	}
	return s.sink.Close()
}
