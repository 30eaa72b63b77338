package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultShutdownGrace = 2 * time.Second
	stderrTailBytes      = 4 * 1024
)

// StdioSpec describes a child process speaking the protocol on stdin/stdout.
type StdioSpec struct {
	Server  string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Grace   time.Duration
}

// StdioTransport owns a spawned server process. Close stops it with SIGTERM
// and kills it if it is still running after the grace period.
type StdioTransport struct {
	stream *StreamTransport
	cmd    *exec.Cmd
	server string
	grace  time.Duration
	log    *logrus.Entry
	stderr *tailBuffer

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

func StartStdio(spec StdioSpec, log *logrus.Entry) (*StdioTransport, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, &TransportError{Server: spec.Server, Op: "spawn", Err: errors.New("stdio transport requires command")}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("server", spec.Server)

	cmd := exec.Command(command, spec.Args...)
	cmd.Env = mergeEnv(spec.Env)
	cmd.Dir = spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Server: spec.Server, Op: "spawn", Err: err}
	}
	// stdout goes through our own pipe so Wait does not close it before the
	// final frames are read.
	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &TransportError{Server: spec.Server, Op: "spawn", Err: err}
	}
	cmd.Stdout = stdoutWriter

	tail := &tailBuffer{limit: stderrTailBytes}
	stderrLog := log.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = io.MultiWriter(tail, stderrLog)

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutReader.Close()
		_ = stdoutWriter.Close()
		_ = stderrLog.Close()
		return nil, &TransportError{Server: spec.Server, Op: "spawn", Err: err}
	}
	_ = stdoutWriter.Close()

	grace := spec.Grace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	t := &StdioTransport{
		stream: NewStreamTransport(stdoutReader, stdin),
		cmd:    cmd,
		server: spec.Server,
		grace:  grace,
		log:    log,
		stderr: tail,
		exited: make(chan struct{}),
	}
	go func() {
		t.waitErr = cmd.Wait()
		_ = stderrLog.Close()
		close(t.exited)
		log.WithField("pid", cmd.Process.Pid).WithError(t.waitErr).Debug("mcp server process exited")
	}()
	log.WithField("pid", cmd.Process.Pid).Debug("mcp server process started")
	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	return t.stream.Send(ctx, frame)
}

func (t *StdioTransport) Receive() ([]byte, error) {
	frame, err := t.stream.Receive()
	if err == nil {
		return frame, nil
	}
	if errors.Is(err, ErrPeerClosed) {
		select {
		case <-t.exited:
			return nil, t.exitError()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, err
}

// Close closes stdin, signals the process and kills it after the grace period.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stream.closeWrite()
		select {
		case <-t.exited:
		default:
			if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				_ = t.cmd.Process.Kill()
			}
			timer := time.NewTimer(t.grace)
			select {
			case <-t.exited:
				timer.Stop()
			case <-timer.C:
				t.log.WithField("grace", t.grace).Warn("mcp server did not exit after SIGTERM, killing")
				if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					t.closeErr = fmt.Errorf("kill mcp server: %w", err)
				}
				<-t.exited
			}
		}
		if err := t.stream.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// Exited is closed once the child process has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

func (t *StdioTransport) exitError() error {
	detail := "process exited"
	if t.waitErr != nil {
		detail = fmt.Sprintf("process exited: %v", t.waitErr)
	}
	if tail := strings.TrimSpace(t.stderr.String()); tail != "" {
		detail += "; stderr: " + tail
	}
	return fmt.Errorf("%w: %s", ErrPeerClosed, detail)
}

func mergeEnv(extra map[string]string) []string {
	env := append([]string{}, os.Environ()...)
	for key, value := range extra {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		env = append(env, k+"="+value)
	}
	return env
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
