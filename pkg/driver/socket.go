package driver

import (
	"context"
	"io"

	truevfs "github.com/valenpo/truevfs/pkg"
)

// newServiceInputSocket adapts an input service's lookup and open
// functions to the socket protocol.
func newServiceInputSocket(name string, target func() (truevfs.Entry, error), open func() (io.ReadCloser, error)) truevfs.InputSocket {
	return truevfs.NewFuncInputSocket(
		func(ctx context.Context) (truevfs.Entry, error) { return target() },
		func(ctx context.Context) (io.ReadCloser, error) { return open() },
	)
}

// newServiceOutputSocket adapts an output service's open function to the
// socket protocol.
func newServiceOutputSocket(entry truevfs.Entry, open func() (io.WriteCloser, error)) truevfs.OutputSocket {
	return truevfs.NewFuncOutputSocket(
		func(ctx context.Context) (truevfs.Entry, error) { return entry, nil },
		func(ctx context.Context) (io.WriteCloser, error) { return open() },
	)
}
