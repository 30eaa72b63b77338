package registry

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"goyais/toolhost/internal/agentcore/config"
	"goyais/toolhost/internal/agentcore/mcp"
	"goyais/toolhost/internal/agentcore/mcptest"
	"goyais/toolhost/internal/agentcore/state"
	"goyais/toolhost/internal/logging"
)

var fastRetry = RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, MaxAttempts: 3}

func stdioConfig(name string) config.ServerConfig {
	return config.ServerConfig{Name: name, Transport: config.TransportStdio, Command: name + "-server"}
}

func dialServers(servers ...*mcptest.Server) DialFunc {
	byName := map[string]*mcptest.Server{}
	for _, server := range servers {
		byName[server.Name] = server
	}
	return func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
		server, ok := byName[cfg.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return server.Connect()
	}
}

func newRegistry(t *testing.T, dial DialFunc) *Registry {
	t.Helper()
	reg := New(Options{
		Dial:        dial,
		Retry:       fastRetry,
		InitTimeout: 5 * time.Second,
		Logger:      logging.Discard(),
	})
	t.Cleanup(func() { _ = reg.StopAll() })
	return reg
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(change Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *changeLog) reasons(server string) []Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reason
	for _, change := range l.changes {
		if change.Server == server {
			out = append(out, change.Reason)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func statusOf(reg *Registry, name string) ConnectionStatus {
	for _, status := range reg.Status() {
		if status.Name == name {
			return status
		}
	}
	return ConnectionStatus{}
}

func TestRegistryStartsServerAndCachesTools(t *testing.T) {
	files := mcptest.NewServer("files", nil, "read", "write")
	reg := newRegistry(t, dialServers(files))
	log := &changeLog{}
	reg.Subscribe(log.add)

	if err := reg.Start(stdioConfig("files")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.AwaitSettled(ctx); err != nil {
		t.Fatalf("await settled: %v", err)
	}

	status := statusOf(reg, "files")
	if status.State != state.ConnStateReady || status.Tools != 2 || status.Failures != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	ready := reg.ReadyServers()
	if len(ready) != 1 || ready[0].Name != "files" || len(ready[0].Tools) != 2 {
		t.Fatalf("unexpected ready servers %+v", ready)
	}
	if _, err := reg.Caller("files"); err != nil {
		t.Fatalf("caller: %v", err)
	}
	eventually(t, "ready change", func() bool { return len(log.reasons("files")) == 1 })
	if reasons := log.reasons("files"); reasons[0] != ReasonReady {
		t.Fatalf("expected a single ready change, got %v", reasons)
	}
}

func TestRegistryGivesUpAfterRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	reg := newRegistry(t, func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
		attempts.Add(1)
		return nil, errors.New("executable not found")
	})
	if err := reg.Start(stdioConfig("broken")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "terminated", func() bool {
		return statusOf(reg, "broken").State == state.ConnStateTerminated
	})
	status := statusOf(reg, "broken")
	if status.Failures != fastRetry.MaxAttempts || int(attempts.Load()) != fastRetry.MaxAttempts {
		t.Fatalf("expected %d attempts, got status %+v and %d dials", fastRetry.MaxAttempts, status, attempts.Load())
	}
	if status.LastError == "" {
		t.Fatal("expected last error to be reported")
	}
	if len(reg.ReadyServers()) != 0 {
		t.Fatal("failed server must not be ready")
	}
}

// oldServer answers initialize with a protocol version nobody supports.
func oldServer() (mcp.Transport, error) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	go func() {
		reader := bufio.NewReader(serverIn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				_ = serverOut.Close()
				return
			}
			msg, err := mcp.DecodeMessage(line)
			if err != nil {
				continue
			}
			req, ok := msg.(*mcp.Request)
			if !ok {
				continue
			}
			frame, _ := mcp.EncodeMessage(&mcp.Response{
				ID:     req.ID,
				Result: []byte(`{"protocolVersion":"1999-01-01","capabilities":{},"serverInfo":{"name":"old"}}`),
			})
			_, _ = serverOut.Write(append(frame, '\n'))
		}
	}()
	return mcp.NewStreamTransport(clientIn, clientOut), nil
}

func TestRegistryVersionMismatchIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	reg := newRegistry(t, func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
		attempts.Add(1)
		return oldServer()
	})
	if err := reg.Start(stdioConfig("old")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "terminated", func() bool {
		return statusOf(reg, "old").State == state.ConnStateTerminated
	})
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() != 1 {
		t.Fatalf("version mismatch must not be retried, got %d attempts", attempts.Load())
	}
}

func TestRegistryFailingServerDoesNotAffectOthers(t *testing.T) {
	good := mcptest.NewServer("good", nil, "a")
	reg := newRegistry(t, dialServers(good))
	if err := reg.StartAll([]config.ServerConfig{stdioConfig("good"), stdioConfig("bad")}); err != nil {
		t.Fatalf("start all: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.AwaitSettled(ctx); err != nil {
		t.Fatalf("await settled: %v", err)
	}
	ready := reg.ReadyServers()
	if len(ready) != 1 || ready[0].Name != "good" {
		t.Fatalf("expected only the good server, got %+v", ready)
	}
	var unavailable *UnavailableError
	if _, err := reg.Caller("bad"); !errors.As(err, &unavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestRegistryReconnectsAfterConnectionLoss(t *testing.T) {
	flaky := mcptest.NewServer("flaky", nil, "ping")
	reg := newRegistry(t, dialServers(flaky))
	log := &changeLog{}
	reg.Subscribe(log.add)
	if err := reg.Start(stdioConfig("flaky")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "ready", func() bool { return len(reg.ReadyServers()) == 1 })

	flaky.DropConnections()
	eventually(t, "reconnect", func() bool {
		return flaky.Dials() == 2 && len(log.reasons("flaky")) == 3
	})
	reasons := log.reasons("flaky")
	want := []Reason{ReasonReady, ReasonLeftReady, ReasonReady}
	if len(reasons) != len(want) {
		t.Fatalf("expected %v, got %v", want, reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, reasons)
		}
	}
	if status := statusOf(reg, "flaky"); status.Failures != 0 {
		t.Fatalf("expected failures reset after reconnect, got %d", status.Failures)
	}
}

func TestRegistryRefreshesToolsOnListChanged(t *testing.T) {
	server := mcptest.NewServer("dyn", nil, "one")
	reg := newRegistry(t, dialServers(server))
	log := &changeLog{}
	reg.Subscribe(log.add)
	if err := reg.Start(stdioConfig("dyn")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "ready", func() bool { return len(reg.ReadyServers()) == 1 })

	server.AddTool("two")
	eventually(t, "tools changed notification", func() bool {
		for _, reason := range log.reasons("dyn") {
			if reason == ReasonToolsChanged {
				return true
			}
		}
		return false
	})
	ready := reg.ReadyServers()
	if len(ready) != 1 || len(ready[0].Tools) != 2 {
		t.Fatalf("expected refreshed tool list, got %+v", ready)
	}
}

func TestRegistryStopTerminatesAndNotifies(t *testing.T) {
	server := mcptest.NewServer("svc", nil, "x")
	reg := newRegistry(t, dialServers(server))
	log := &changeLog{}
	reg.Subscribe(log.add)
	if err := reg.Start(stdioConfig("svc")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "ready", func() bool { return len(reg.ReadyServers()) == 1 })

	if err := reg.Stop("svc"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := statusOf(reg, "svc").State; got != state.ConnStateTerminated {
		t.Fatalf("expected terminated, got %q", got)
	}
	if len(reg.ReadyServers()) != 0 {
		t.Fatal("stopped server must leave the ready set")
	}
	reasons := log.reasons("svc")
	if reasons[len(reasons)-1] != ReasonLeftReady {
		t.Fatalf("expected left ready change, got %v", reasons)
	}

	// a terminated server may be started again
	if err := reg.Start(stdioConfig("svc")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	eventually(t, "ready again", func() bool { return len(reg.ReadyServers()) == 1 })
	if err := reg.Start(stdioConfig("svc")); err == nil {
		t.Fatal("expected duplicate start to fail")
	}
}

func TestRegistryStopAllRejectsNewServers(t *testing.T) {
	reg := newRegistry(t, dialServers(mcptest.NewServer("a", nil, "x"), mcptest.NewServer("b", nil, "y")))
	_ = reg.StartAll([]config.ServerConfig{stdioConfig("a"), stdioConfig("b")})
	eventually(t, "both ready", func() bool { return len(reg.ReadyServers()) == 2 })
	if err := reg.StopAll(); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, status := range reg.Status() {
		if status.State != state.ConnStateTerminated {
			t.Fatalf("expected %s terminated, got %q", status.Name, status.State)
		}
	}
	if err := reg.Start(stdioConfig("c")); err == nil {
		t.Fatal("expected start after stop all to fail")
	}
}

func TestRegistrySkipsDisabledServers(t *testing.T) {
	reg := newRegistry(t, dialServers())
	cfg := stdioConfig("off")
	cfg.Disabled = true
	if err := reg.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(reg.Status()) != 0 {
		t.Fatal("disabled server must not be tracked")
	}
	if err := reg.AwaitSettled(context.Background()); err != nil {
		t.Fatalf("await settled: %v", err)
	}
}

func TestAwaitSettledHonoursContext(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	reg := newRegistry(t, func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, errors.New("gave up")
	})
	_ = reg.Start(stdioConfig("slow"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.AwaitSettled(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAwaitSettledWaitsForRetryingServer(t *testing.T) {
	server := mcptest.NewServer("late", nil, "x")
	release := make(chan struct{})
	var dials atomic.Int32
	reg := newRegistry(t, func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("not listening yet")
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return server.Connect()
	})
	if err := reg.Start(stdioConfig("late")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "second dial", func() bool { return dials.Load() == 2 })

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := reg.AwaitSettled(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("a server that is still retrying must not count as settled, got %v", err)
	}

	close(release)
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	if err := reg.AwaitSettled(ctx); err != nil {
		t.Fatalf("await settled: %v", err)
	}
	if ready := reg.ReadyServers(); len(ready) != 1 || len(ready[0].Tools) != 1 {
		t.Fatalf("expected the retried server ready with its tools, got %+v", ready)
	}
}

func TestRegistryCachesPromptsAndRendersThem(t *testing.T) {
	docs := mcptest.NewServer("docs", nil, "search")
	docs.AddPrompt("summarize", "file")
	docs.AddPrompt("review", "file", "focus")
	code := mcptest.NewServer("code", nil, "build")
	code.AddPrompt("review", "file", "focus")
	plain := mcptest.NewServer("plain", nil, "noop")
	reg := newRegistry(t, dialServers(docs, code, plain))
	if err := reg.StartAll([]config.ServerConfig{stdioConfig("docs"), stdioConfig("code"), stdioConfig("plain")}); err != nil {
		t.Fatalf("start all: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.AwaitSettled(ctx); err != nil {
		t.Fatalf("await settled: %v", err)
	}

	if status := statusOf(reg, "docs"); status.Prompts != 2 || status.Tools != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status := statusOf(reg, "plain"); status.Prompts != 0 {
		t.Fatalf("a server without prompts must cache none, got %+v", status)
	}

	server, result, err := reg.GetPrompt(ctx, "summarize", []string{"README.md"}, nil)
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if server != "docs" || result.Text() != "user: docs/summarize file=README.md" {
		t.Fatalf("unexpected rendering from %s: %q", server, result.Text())
	}

	server, result, err = reg.GetPrompt(ctx, "code/review", []string{"main.go"}, map[string]string{"focus": "errors"})
	if err != nil {
		t.Fatalf("get qualified prompt: %v", err)
	}
	if server != "code" || result.Text() != "user: code/review file=main.go focus=errors" {
		t.Fatalf("unexpected rendering from %s: %q", server, result.Text())
	}

	var ambiguous *AmbiguousPromptError
	if _, _, err := reg.GetPrompt(ctx, "review", []string{"a", "b"}, nil); !errors.As(err, &ambiguous) || len(ambiguous.Servers) != 2 {
		t.Fatalf("expected an ambiguous prompt error, got %v", err)
	}
	var notFound *PromptNotFoundError
	if _, _, err := reg.GetPrompt(ctx, "plain/summarize", nil, nil); !errors.As(err, &notFound) {
		t.Fatalf("expected prompt not found, got %v", err)
	}
	if _, _, err := reg.GetPrompt(ctx, "summarize", nil, nil); err == nil {
		t.Fatal("expected a missing required argument to be rejected")
	}
}

func TestRegistryRefreshesPromptsOnListChanged(t *testing.T) {
	server := mcptest.NewServer("dyn", nil, "one")
	server.AddPrompt("first")
	reg := newRegistry(t, dialServers(server))
	log := &changeLog{}
	reg.Subscribe(log.add)
	if err := reg.Start(stdioConfig("dyn")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "ready", func() bool { return len(reg.ReadyServers()) == 1 })

	server.AddPrompt("second")
	eventually(t, "prompts changed notification", func() bool {
		for _, reason := range log.reasons("dyn") {
			if reason == ReasonPromptsChanged {
				return true
			}
		}
		return false
	})
	ready := reg.ReadyServers()
	if len(ready) != 1 || len(ready[0].Prompts) != 2 {
		t.Fatalf("expected refreshed prompt list, got %+v", ready)
	}
}

func TestRegistryPingsReadyServer(t *testing.T) {
	reg := newRegistry(t, dialServers(mcptest.NewServer("svc", nil, "x")))
	if err := reg.Start(stdioConfig("svc")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	eventually(t, "ready", func() bool { return len(reg.ReadyServers()) == 1 })
	if _, err := reg.Ping(context.Background(), "svc"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	var unavailable *UnavailableError
	if _, err := reg.Ping(context.Background(), "nobody"); !errors.As(err, &unavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, MaxAttempts: 5}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, expected := range want {
		if got := policy.Backoff(i + 1); got != expected {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, expected)
		}
	}
	if policy.exhausted(4) || !policy.exhausted(5) {
		t.Fatal("unexpected exhaustion boundary")
	}
	if (RetryPolicy{}).exhausted(100) {
		t.Fatal("zero max attempts retries forever")
	}
}
