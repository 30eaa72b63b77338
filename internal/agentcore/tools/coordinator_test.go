package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"gotest.tools/v3/assert"

	"goyais/toolhost/internal/agentcore/config"
	"goyais/toolhost/internal/agentcore/mcp"
	"goyais/toolhost/internal/agentcore/mcptest"
	"goyais/toolhost/internal/agentcore/registry"
	"goyais/toolhost/internal/agentcore/safety"
	"goyais/toolhost/internal/logging"
)

type harness struct {
	registry *registry.Registry
	catalog  *Catalog
	engine   *safety.Engine
	coord    *Coordinator
}

// newHarness connects the given in-process servers through a real registry.
// Servers named in broken fail their handshake.
func newHarness(t *testing.T, rules []safety.Rule, prompter safety.Prompter, servers []*mcptest.Server, broken ...string) *harness {
	t.Helper()
	byName := map[string]*mcptest.Server{}
	configs := make([]config.ServerConfig, 0, len(servers)+len(broken))
	for _, server := range servers {
		byName[server.Name] = server
		configs = append(configs, config.ServerConfig{Name: server.Name, Transport: config.TransportStdio, Command: server.Name})
	}
	for _, name := range broken {
		configs = append(configs, config.ServerConfig{Name: name, Transport: config.TransportStdio, Command: name})
	}

	reg := registry.New(registry.Options{
		Dial: func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
			server, ok := byName[cfg.Name]
			if !ok {
				return nil, errors.New("handshake refused")
			}
			return server.Connect()
		},
		Retry:  registry.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 1},
		Logger: logging.Discard(),
	})
	t.Cleanup(func() { _ = reg.StopAll() })

	catalog := NewCatalog(reg, logging.Discard())
	t.Cleanup(catalog.Watch(reg))

	engine, err := safety.NewEngine(safety.Options{Rules: rules, Prompter: prompter, Logger: logging.Discard()})
	assert.NilError(t, err)
	coord, err := NewCoordinator(Options{
		Catalog:     catalog,
		Servers:     reg,
		Permissions: engine,
		Logger:      logging.Discard(),
	})
	assert.NilError(t, err)

	assert.NilError(t, reg.StartAll(configs))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, reg.AwaitSettled(ctx))
	catalog.Rebuild()
	return &harness{registry: reg, catalog: catalog, engine: engine, coord: coord}
}

var allowAll = []safety.Rule{{Pattern: "*", Effect: safety.EffectAllow}}

func TestInvokeRoutesToOwningServer(t *testing.T) {
	recorder := &mcptest.Recorder{}
	h := newHarness(t, allowAll, nil, []*mcptest.Server{
		mcptest.NewServer("A", recorder, "a"),
		mcptest.NewServer("B", recorder, "b"),
	})

	result, err := h.coord.Invoke(context.Background(), "A/a", json.RawMessage(`{"n":1}`), time.Second)
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(result.Output.Text(), "A/a "), result.Output.Text())
	assert.Equal(t, result.Tool.Server, "A")
	assert.Assert(t, result.InvocationID != "")

	assert.Equal(t, len(recorder.CallsTo("A")), 1)
	assert.Equal(t, len(recorder.CallsTo("B")), 0)
	assert.Equal(t, recorder.CallsTo("A")[0].Tool, "a")
}

func TestConcurrentInvocationsAcrossServers(t *testing.T) {
	recorder := &mcptest.Recorder{}
	h := newHarness(t, allowAll, nil, []*mcptest.Server{
		mcptest.NewServer("A", recorder, "a", "c"),
		mcptest.NewServer("B", recorder, "b"),
	})

	targets := []string{"A/a", "A/c", "B/b"}
	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := range 30 {
		name := targets[i%len(targets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.coord.Invoke(context.Background(), name, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)), 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !strings.HasPrefix(result.Output.Text(), name+" ") {
				errs <- fmt.Errorf("%s answered %q", name, result.Output.Text())
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, len(recorder.CallsTo("A")), 20)
	assert.Equal(t, len(recorder.CallsTo("B")), 10)
}

func TestInvokeDenyRuleOverridesAllowRule(t *testing.T) {
	recorder := &mcptest.Recorder{}
	h := newHarness(t, []safety.Rule{
		{Pattern: "serverX/*", Effect: safety.EffectAllow},
		{Pattern: "serverX/deleteAll", Effect: safety.EffectDeny},
	}, nil, []*mcptest.Server{mcptest.NewServer("serverX", recorder, "deleteAll", "readFile")})

	_, err := h.coord.Invoke(context.Background(), "serverX/deleteAll", nil, time.Second)
	var denied *PermissionDeniedError
	assert.Assert(t, errors.As(err, &denied), "got %v", err)
	assert.Equal(t, denied.Pattern, "serverX/deleteAll")

	_, err = h.coord.Invoke(context.Background(), "serverX/readFile", nil, time.Second)
	assert.NilError(t, err)

	calls := recorder.Calls()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].Tool, "readFile")
}

func TestInvokeAskWithoutPrompterDenies(t *testing.T) {
	recorder := &mcptest.Recorder{}
	h := newHarness(t, nil, nil, []*mcptest.Server{mcptest.NewServer("svc", recorder, "run")})

	_, err := h.coord.Invoke(context.Background(), "svc/run", nil, time.Second)
	var denied *PermissionDeniedError
	assert.Assert(t, errors.As(err, &denied), "got %v", err)
	assert.Equal(t, len(recorder.Calls()), 0)
}

func TestSessionTrustLastsForTheProcessOnly(t *testing.T) {
	var prompts atomic.Int32
	prompter := safety.PrompterFunc(func(ctx context.Context, req safety.PromptRequest) (safety.Outcome, error) {
		prompts.Add(1)
		assert.Equal(t, req.Tool, "serverY/run")
		assert.Equal(t, req.Description, "run tool from serverY")
		return safety.OutcomeAllowSession, nil
	})
	h := newHarness(t, nil, prompter, []*mcptest.Server{mcptest.NewServer("serverY", nil, "run")})

	for range 3 {
		_, err := h.coord.Invoke(context.Background(), "serverY/run", nil, time.Second)
		assert.NilError(t, err)
	}
	assert.Equal(t, prompts.Load(), int32(1))

	fresh, err := safety.NewEngine(safety.Options{Logger: logging.Discard()})
	assert.NilError(t, err)
	assert.Equal(t, fresh.Evaluate("serverY/run").Decision, safety.DecisionAsk)
}

func TestInvokeUnknownTool(t *testing.T) {
	h := newHarness(t, allowAll, nil, []*mcptest.Server{mcptest.NewServer("svc", nil, "run")})

	_, err := h.coord.Invoke(context.Background(), "svc/missing", nil, time.Second)
	var notFound *ToolNotFoundError
	assert.Assert(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, notFound.Name, "svc/missing")
}

func TestInvokeValidatesArgumentsBeforeForwarding(t *testing.T) {
	recorder := &mcptest.Recorder{}
	server := mcptest.NewServer("fs", recorder)
	server.AddToolFunc("open", map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	}, func(ctx context.Context, arguments json.RawMessage) (*sdk.CallToolResult, error) {
		return mcptest.TextResult("opened"), nil
	})
	h := newHarness(t, allowAll, nil, []*mcptest.Server{server})

	_, err := h.coord.Invoke(context.Background(), "fs/open", json.RawMessage(`{"path":7}`), time.Second)
	var invalid *InvalidArgumentsError
	assert.Assert(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, len(recorder.Calls()), 0)

	result, err := h.coord.Invoke(context.Background(), "fs/open", json.RawMessage(`{"path":"/etc/hosts"}`), time.Second)
	assert.NilError(t, err)
	assert.Equal(t, result.Output.Text(), "opened")
}

func TestInvokeSurfacesToolExecutionError(t *testing.T) {
	server := mcptest.NewServer("svc", nil)
	server.AddToolFunc("explode", nil, func(ctx context.Context, arguments json.RawMessage) (*sdk.CallToolResult, error) {
		return mcptest.ErrorResult("disk full"), nil
	})
	h := newHarness(t, allowAll, nil, []*mcptest.Server{server})

	result, err := h.coord.Invoke(context.Background(), "svc/explode", nil, time.Second)
	var toolErr *mcp.ToolExecutionError
	assert.Assert(t, errors.As(err, &toolErr), "got %v", err)
	assert.Assert(t, result != nil)
	assert.Equal(t, result.Output.Text(), "disk full")
	assert.ErrorContains(t, err, "disk full")
}

func blockingServer(t *testing.T, name string, started chan<- struct{}) *mcptest.Server {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server := mcptest.NewServer(name, nil, "fast")
	server.AddToolFunc("slow", nil, func(ctx context.Context, arguments json.RawMessage) (*sdk.CallToolResult, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-ctx.Done():
		case <-release:
		}
		return mcptest.TextResult("late"), nil
	})
	return server
}

func TestInvokeTimeoutKeepsServerUsable(t *testing.T) {
	h := newHarness(t, allowAll, nil, []*mcptest.Server{blockingServer(t, "svc", nil)})

	start := time.Now()
	_, err := h.coord.Invoke(context.Background(), "svc/slow", nil, 50*time.Millisecond)
	var timeout *mcp.TimeoutError
	assert.Assert(t, errors.As(err, &timeout), "got %v", err)
	assert.Assert(t, time.Since(start) < 2*time.Second)

	result, err := h.coord.Invoke(context.Background(), "svc/fast", nil, 5*time.Second)
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(result.Output.Text(), "svc/fast"))
}

func TestTurnAbortCancelsInFlightCalls(t *testing.T) {
	started := make(chan struct{}, 2)
	h := newHarness(t, allowAll, nil, []*mcptest.Server{blockingServer(t, "svc", started)})

	turn := h.coord.BeginTurn(context.Background())
	assert.Assert(t, turn.ID() != "")
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := turn.Invoke("svc/slow", nil, 10*time.Second)
			errs <- err
		}()
	}
	<-started
	<-started
	turn.Abort()
	for range 2 {
		err := <-errs
		assert.Assert(t, errors.Is(err, ErrTurnAborted), "got %v", err)
		var timeout *mcp.TimeoutError
		assert.Assert(t, !errors.As(err, &timeout))
	}

	_, err := turn.Invoke("svc/fast", nil, time.Second)
	assert.Assert(t, errors.Is(err, ErrTurnAborted), "got %v", err)

	next := h.coord.BeginTurn(context.Background())
	defer next.End()
	_, err = next.Invoke("svc/fast", nil, 5*time.Second)
	assert.NilError(t, err)
}

func TestFailedServerContributesNoTools(t *testing.T) {
	h := newHarness(t, allowAll, nil, []*mcptest.Server{mcptest.NewServer("good", nil, "a")}, "bad")

	assert.DeepEqual(t, names(h.catalog.List()), []string{"good/a"})
	_, err := h.coord.Invoke(context.Background(), "bad/a", nil, time.Second)
	var notFound *ToolNotFoundError
	assert.Assert(t, errors.As(err, &notFound), "got %v", err)
}

func TestCatalogFollowsRegistryChanges(t *testing.T) {
	server := mcptest.NewServer("dyn", nil, "one")
	h := newHarness(t, allowAll, nil, []*mcptest.Server{server})
	assert.DeepEqual(t, names(h.catalog.List()), []string{"dyn/one"})

	server.AddTool("two")
	deadline := time.Now().Add(5 * time.Second)
	for len(h.catalog.List()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("catalog never picked up the new tool: %v", names(h.catalog.List()))
		}
		time.Sleep(2 * time.Millisecond)
	}

	assert.NilError(t, h.registry.Stop("dyn"))
	assert.Equal(t, len(h.catalog.List()), 0)
}
