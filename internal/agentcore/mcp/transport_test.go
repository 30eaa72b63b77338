package mcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStreamTransportCarriesLargeFrames(t *testing.T) {
	r, w := io.Pipe()
	sender := NewStreamTransport(io.NopCloser(strings.NewReader("")), w)
	receiver := NewStreamTransport(r, nopWriteCloser{io.Discard})

	big := `{"blob":"` + strings.Repeat("x", 4<<20) + `"}`
	go func() {
		_ = sender.Send(context.Background(), []byte(big))
		_ = w.Close()
	}()

	frame, err := receiver.Receive()
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(frame) != len(big) {
		t.Fatalf("expected %d bytes, got %d", len(big), len(frame))
	}
	if _, err := receiver.Receive(); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected peer closed after writer close, got %v", err)
	}
}

func TestStreamTransportSkipsBlankLinesAndKeepsTrailingFrame(t *testing.T) {
	input := "\n\n{\"a\":1}\r\n\n{\"b\":2}"
	transport := NewStreamTransport(io.NopCloser(strings.NewReader(input)), nopWriteCloser{io.Discard})
	first, err := transport.Receive()
	if err != nil || string(first) != `{"a":1}` {
		t.Fatalf("unexpected first frame %q, %v", first, err)
	}
	second, err := transport.Receive()
	if err != nil || string(second) != `{"b":2}` {
		t.Fatalf("unexpected second frame %q, %v", second, err)
	}
	if _, err := transport.Receive(); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected peer closed, got %v", err)
	}
}

func TestStreamTransportCloseUnblocksReceive(t *testing.T) {
	r, _ := io.Pipe()
	transport := NewStreamTransport(r, nopWriteCloser{io.Discard})
	done := make(chan error, 1)
	go func() {
		_, err := transport.Receive()
		done <- err
	}()
	if err := transport.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected peer closed, got %v", err)
	}
	if err := transport.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected send after close to fail with peer closed, got %v", err)
	}
}

func TestStreamTransportRejectsEmbeddedNewline(t *testing.T) {
	var buf bytes.Buffer
	transport := NewStreamTransport(io.NopCloser(strings.NewReader("")), nopWriteCloser{&buf})
	if err := transport.Send(context.Background(), []byte("{\n}")); err == nil {
		t.Fatal("expected embedded newline to be rejected")
	}
	if err := transport.Send(context.Background(), []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if buf.String() != "{\"ok\":true}\n" {
		t.Fatalf("unexpected wire bytes %q", buf.String())
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func TestStreamTransportSendHonoursDeadline(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	transport := NewStreamTransport(io.NopCloser(strings.NewReader("")), w)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- transport.Send(ctx, []byte(`{"never":"read"}`)) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSendAbandoned) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected abandoned send wrapping deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("send ignored its deadline")
	}
	if err := transport.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected the abandoned stream to be closed, got %v", err)
	}
}
