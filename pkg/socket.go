package truevfs

import (
	"bytes"
	"context"
	"io"
)

// InputSocket is a lazy factory for reading one entry. No bytes move
// before OpenStream is called; a socket may be opened any number of times,
// each open yielding a new stream. A socket optionally carries a peer
// output socket whose local target serves as a hint for copy pipelines.
type InputSocket interface {
	// LocalTarget resolves the entry this socket reads. It may mount the
	// containing file system.
	LocalTarget(ctx context.Context) (Entry, error)
	// PeerTarget resolves the peer socket's local target, or nil if the
	// socket is unconnected.
	PeerTarget(ctx context.Context) (Entry, error)
	// Bind inherits the peer of another input socket without mutating it.
	Bind(other InputSocket) InputSocket
	// Connect pairs this socket with an output socket, clearing any prior
	// pairing on both sides. A nil peer disconnects.
	Connect(peer OutputSocket) InputSocket
	// peer returns the connected output socket, if any.
	peer() OutputSocket
	// OpenStream opens a new stream reading the entry data.
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// OutputSocket is a lazy factory for writing one entry. The peer input
// socket's local target passes size and time hints to the driver before a
// single byte moves.
type OutputSocket interface {
	LocalTarget(ctx context.Context) (Entry, error)
	PeerTarget(ctx context.Context) (Entry, error)
	Bind(other OutputSocket) OutputSocket
	Connect(peer InputSocket) OutputSocket
	peer() InputSocket
	OpenStream(ctx context.Context) (io.WriteCloser, error)
}

// inputSocketBase implements the peer protocol for input sockets.
// Concrete sockets embed it and implement LocalTarget and OpenStream.
type inputSocketBase struct {
	self     InputSocket
	peerSock OutputSocket
}

func (s *inputSocketBase) init(self InputSocket) { s.self = self }

func (s *inputSocketBase) PeerTarget(ctx context.Context) (Entry, error) {
	if s.peerSock == nil {
		return nil, nil
	}
	return s.peerSock.LocalTarget(ctx)
}

func (s *inputSocketBase) Bind(other InputSocket) InputSocket {
	s.peerSock = other.peer()
	return s.self
}

func (s *inputSocketBase) Connect(peer OutputSocket) InputSocket {
	if s.peerSock != peer {
		old := s.peerSock
		s.peerSock = peer
		if old != nil {
			old.Connect(nil)
		}
		if peer != nil && peer.peer() != s.self {
			peer.Connect(s.self)
		}
	}
	return s.self
}

func (s *inputSocketBase) peer() OutputSocket { return s.peerSock }

// outputSocketBase implements the peer protocol for output sockets.
type outputSocketBase struct {
	self     OutputSocket
	peerSock InputSocket
}

func (s *outputSocketBase) init(self OutputSocket) { s.self = self }

func (s *outputSocketBase) PeerTarget(ctx context.Context) (Entry, error) {
	if s.peerSock == nil {
		return nil, nil
	}
	return s.peerSock.LocalTarget(ctx)
}

func (s *outputSocketBase) Bind(other OutputSocket) OutputSocket {
	s.peerSock = other.peer()
	return s.self
}

func (s *outputSocketBase) Connect(peer InputSocket) OutputSocket {
	if s.peerSock != peer {
		old := s.peerSock
		s.peerSock = peer
		if old != nil {
			old.Connect(nil)
		}
		if peer != nil && peer.peer() != s.self {
			peer.Connect(s.self)
		}
	}
	return s.self
}

func (s *outputSocketBase) peer() InputSocket { return s.peerSock }

// Copy connects the sockets so the output side can size itself from the
// input side's metadata, then streams the entry data. Returns the number
// of bytes copied.
func Copy(ctx context.Context, in InputSocket, out OutputSocket) (int64, error) {
	out.Connect(in)
	defer out.Connect(nil)

	r, err := in.OpenStream(ctx)
	if err != nil {
		return 0, err
	}
	w, err := out.OpenStream(ctx)
	if err != nil {
		r.Close()
		return 0, err
	}

	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// funcInputSocket adapts plain target/open functions to the socket
// protocol. Drivers use it to expose their service endpoints.
type funcInputSocket struct {
	inputSocketBase
	target func(ctx context.Context) (Entry, error)
	open   func(ctx context.Context) (io.ReadCloser, error)
}

// NewFuncInputSocket returns an input socket backed by the given
// functions.
func NewFuncInputSocket(target func(ctx context.Context) (Entry, error), open func(ctx context.Context) (io.ReadCloser, error)) InputSocket {
	s := &funcInputSocket{target: target, open: open}
	s.init(s)
	return s
}

func (s *funcInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.target(ctx)
}

func (s *funcInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	return s.open(ctx)
}

type funcOutputSocket struct {
	outputSocketBase
	target func(ctx context.Context) (Entry, error)
	open   func(ctx context.Context) (io.WriteCloser, error)
}

// NewFuncOutputSocket returns an output socket backed by the given
// functions.
func NewFuncOutputSocket(target func(ctx context.Context) (Entry, error), open func(ctx context.Context) (io.WriteCloser, error)) OutputSocket {
	s := &funcOutputSocket{target: target, open: open}
	s.init(s)
	return s
}

func (s *funcOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.target(ctx)
}

func (s *funcOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	return s.open(ctx)
}

// readerInputSocket adapts an in-memory byte slice to the socket protocol.
// Drivers use it for synthesized entries like the ODF mimetype.
type readerInputSocket struct {
	inputSocketBase
	entry Entry
	data  []byte
}

// NewByteInputSocket returns an input socket serving the given bytes.
func NewByteInputSocket(entry Entry, data []byte) InputSocket {
	s := &readerInputSocket{entry: entry, data: data}
	s.init(s)
	return s
}

func (s *readerInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.entry, nil
}

func (s *readerInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}
