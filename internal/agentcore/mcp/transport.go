package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// Transport carries discrete frames to and from one server.
//
// Receive blocks until a complete frame arrives and returns an error wrapping
// ErrPeerClosed once the remote side is gone. Close unblocks a pending
// Receive. Send is not safe for concurrent use; callers serialize writes.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// StreamTransport frames newline-delimited JSON over a byte stream. Frames
// have no size limit.
type StreamTransport struct {
	reader *bufio.Reader
	source io.ReadCloser
	sink   io.WriteCloser

	closeOnce sync.Once
	closed    chan struct{}
}

func NewStreamTransport(source io.ReadCloser, sink io.WriteCloser) *StreamTransport {
	return &StreamTransport{
		reader: bufio.NewReaderSize(source, 64*1024),
		source: source,
		sink:   sink,
		closed: make(chan struct{}),
	}
}

func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrPeerClosed
	default:
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errors.New("frame contains a raw newline")
	}
	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	errc := make(chan error, 1)
	go func() {
		_, err := t.sink.Write(line)
		errc <- err
	}()
	select {
	case err := <-errc:
		return classifyStreamError(err)
	case <-ctx.Done():
	}
	select {
	case err := <-errc:
		return classifyStreamError(err)
	default:
	}
	// the peer stopped reading; closing unblocks the writer
	_ = t.Close()
	return fmt.Errorf("%w: %w", ErrSendAbandoned, ctx.Err())
}

func (t *StreamTransport) Receive() ([]byte, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		frame := bytes.TrimSpace(line)
		if len(frame) > 0 {
			// a final frame without trailing newline is still a frame; the
			// next call reports the closed stream
			return frame, nil
		}
		if err != nil {
			return nil, classifyStreamError(err)
		}
	}
}

func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		errSink := t.sink.Close()
		errSource := t.source.Close()
		err = errors.Join(ignoreClosed(errSink), ignoreClosed(errSource))
	})
	return err
}

// closeWrite closes only the outgoing half, signalling end of input to the peer.
func (t *StreamTransport) closeWrite() error {
	return ignoreClosed(t.sink.Close())
}

func classifyStreamError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	default:
		return err
	}
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
