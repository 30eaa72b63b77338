package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"goyais/toolhost/internal/agentcore/config"
	"goyais/toolhost/internal/agentcore/mcp"
	"goyais/toolhost/internal/agentcore/state"
	"goyais/toolhost/internal/logging"
)

const (
	defaultInitTimeout = 30 * time.Second
	defaultListTimeout = 30 * time.Second
)

type Reason string

const (
	ReasonReady          Reason = "ready"
	ReasonLeftReady      Reason = "left_ready"
	ReasonToolsChanged   Reason = "tools_changed"
	ReasonPromptsChanged Reason = "prompts_changed"
)

// Change is emitted when a connection enters or leaves ready, or when a
// ready server's tool or prompt list changes.
type Change struct {
	Server string
	From   state.ConnState
	To     state.ConnState
	Reason Reason
}

// DialFunc opens the transport for a server definition.
type DialFunc func(ctx context.Context, server config.ServerConfig) (mcp.Transport, error)

type Options struct {
	Dial          DialFunc
	Retry         RetryPolicy
	InitTimeout   time.Duration
	ListTimeout   time.Duration
	ShutdownGrace time.Duration
	Client        mcp.ClientInfo
	Logger        *logrus.Entry
}

type ConnectionStatus struct {
	Name      string
	State     state.ConnState
	Failures  int
	LastError string
	Tools     int
	Prompts   int
}

type ServerTools struct {
	Name    string
	Tools   []mcp.Tool
	Prompts []mcp.Prompt
}

type UnavailableError struct {
	Server string
	State  state.ConnState
}

func (e *UnavailableError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("mcp server %q is not configured", e.Server)
	}
	return fmt.Sprintf("mcp server %q is not ready (state %s)", e.Server, e.State)
}

// Registry owns one connection per configured server and drives each through
// its lifecycle. It is torn down with StopAll.
type Registry struct {
	opts Options
	log  *logrus.Entry

	mu      sync.Mutex
	conns   map[string]*connection
	order   []string
	subs    map[int]func(Change)
	nextSub int
	changed chan struct{}
	closed  bool
}

type connection struct {
	cfg     config.ServerConfig
	machine *state.Machine
	cancel  context.CancelFunc
	done    chan struct{}
	log     *logrus.Entry

	refreshMu sync.Mutex

	mu          sync.Mutex
	session     *mcp.Session
	tools       []mcp.Tool
	prompts     []mcp.Prompt
	toolsLoaded bool
	failures    int
	lastErr     error
}

func New(opts Options) *Registry {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = defaultListTimeout
	}
	log := logging.OrDefault(opts.Logger, "registry")
	if opts.Dial == nil {
		opts.Dial = DefaultDial(opts.ShutdownGrace, log)
	}
	return &Registry{
		opts:    opts,
		log:     log,
		conns:   map[string]*connection{},
		subs:    map[int]func(Change){},
		changed: make(chan struct{}),
	}
}

// DefaultDial builds stdio and websocket transports from configuration.
func DefaultDial(grace time.Duration, log *logrus.Entry) DialFunc {
	return func(ctx context.Context, server config.ServerConfig) (mcp.Transport, error) {
		switch server.Transport {
		case config.TransportStdio:
			transport, err := mcp.StartStdio(mcp.StdioSpec{
				Server:  server.Name,
				Command: server.Command,
				Args:    server.Args,
				Env:     server.Env,
				Dir:     server.Cwd,
				Grace:   grace,
			}, log)
			if err != nil {
				return nil, err
			}
			return transport, nil
		case config.TransportWebSocket:
			transport, err := mcp.DialWebSocket(ctx, server.URL, server.Headers)
			if err != nil {
				return nil, err
			}
			return transport, nil
		default:
			return nil, fmt.Errorf("unsupported transport %q", server.Transport)
		}
	}
}

// Start begins connecting to server in the background. Disabled servers are
// skipped.
func (r *Registry) Start(server config.ServerConfig) error {
	if err := server.Validate(); err != nil {
		return err
	}
	log := r.log.WithField("server", server.Name)
	if server.Disabled {
		log.Info("mcp server disabled, not starting")
		return nil
	}
	machine, err := state.NewMachine(state.ConnStateConnecting)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		cfg:     server,
		machine: machine,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return errors.New("registry is stopped")
	}
	if existing, ok := r.conns[server.Name]; ok && !existing.machine.State().IsTerminal() {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("mcp server %q is already started", server.Name)
	} else if !ok {
		r.order = append(r.order, server.Name)
	}
	r.conns[server.Name] = conn
	r.mu.Unlock()

	machine.OnTransition(func(from, to state.ConnState) {
		if from == state.ConnStateReady && to != state.ConnStateReady {
			r.emit(Change{Server: server.Name, From: from, To: to, Reason: ReasonLeftReady})
		}
		r.signal()
	})
	go r.run(ctx, conn)
	return nil
}

func (r *Registry) StartAll(servers []config.ServerConfig) error {
	var errs []error
	for _, server := range servers {
		if err := r.Start(server); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) run(ctx context.Context, conn *connection) {
	defer close(conn.done)
	for {
		session := mcp.NewSession(conn.cfg.Name, func(ctx context.Context) (mcp.Transport, error) {
			return r.opts.Dial(ctx, conn.cfg)
		}, mcp.SessionOptions{
			Client:  r.opts.Client,
			Machine: conn.machine,
			Logger:  r.log,
		})
		session.OnNotification(mcp.MethodToolsListChanged, func(json.RawMessage) {
			r.refreshTools(ctx, conn, session)
		})
		session.OnNotification(mcp.MethodPromptsListChanged, func(json.RawMessage) {
			r.refreshPrompts(ctx, conn, session)
		})
		conn.setSession(session)

		err := r.connect(ctx, conn, session)
		if err == nil {
			select {
			case <-session.Done():
				err = session.Err()
				conn.log.WithError(err).Warn("mcp server connection lost")
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			_ = session.Close()
			return
		}

		failures := conn.recordFailure(err)
		r.signal()
		if errors.Is(err, mcp.ErrVersionMismatch) {
			conn.machine.Terminate()
			conn.log.WithError(err).Error("mcp server speaks an unsupported protocol version, giving up")
			return
		}
		if r.opts.Retry.exhausted(failures) {
			conn.machine.Terminate()
			conn.log.WithError(err).WithField("failures", failures).Error("mcp server failed too many times, giving up")
			return
		}
		delay := r.opts.Retry.Backoff(failures)
		conn.log.WithError(err).WithFields(logrus.Fields{
			"failures": failures,
			"retry_in": delay,
		}).Warn("mcp server unavailable, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			conn.machine.Terminate()
			return
		}
		if err := conn.machine.Transition(state.ConnStateConnecting); err != nil {
			conn.log.WithError(err).Debug("not reconnecting")
			return
		}
	}
}

// connect runs the handshake and caches the tool and prompt lists. The server
// only counts as ready for the catalog once its tools are cached. A failed
// prompt listing leaves the server ready with no prompts.
func (r *Registry) connect(ctx context.Context, conn *connection, session *mcp.Session) error {
	initCtx, cancel := context.WithTimeout(ctx, r.opts.InitTimeout)
	defer cancel()
	if err := session.Connect(initCtx); err != nil {
		return err
	}
	tools, err := session.ListTools(initCtx, r.opts.ListTimeout)
	if err != nil {
		session.Abort(err)
		return err
	}
	var prompts []mcp.Prompt
	if session.SupportsPrompts() {
		prompts, err = session.ListPrompts(initCtx, r.opts.ListTimeout)
		if err != nil {
			if session.State() != state.ConnStateReady {
				session.Abort(err)
				return err
			}
			conn.log.WithError(err).Warn("failed to list prompts")
			prompts = nil
		}
	}
	conn.recordReady(tools, prompts)
	conn.log.WithFields(logrus.Fields{
		"tools":   len(tools),
		"prompts": len(prompts),
	}).Info("mcp server tools loaded")
	r.emit(Change{Server: conn.cfg.Name, From: state.ConnStateInitializing, To: state.ConnStateReady, Reason: ReasonReady})
	r.signal()
	return nil
}

func (r *Registry) refreshTools(ctx context.Context, conn *connection, session *mcp.Session) {
	conn.refreshMu.Lock()
	defer conn.refreshMu.Unlock()
	if conn.currentSession() != session || session.State() != state.ConnStateReady {
		return
	}
	tools, err := session.ListTools(ctx, r.opts.ListTimeout)
	if err != nil {
		conn.log.WithError(err).Warn("failed to refresh tool list")
		return
	}
	conn.setTools(tools)
	conn.log.WithField("tools", len(tools)).Info("mcp server tool list changed")
	r.emit(Change{Server: conn.cfg.Name, From: state.ConnStateReady, To: state.ConnStateReady, Reason: ReasonToolsChanged})
}

func (r *Registry) refreshPrompts(ctx context.Context, conn *connection, session *mcp.Session) {
	conn.refreshMu.Lock()
	defer conn.refreshMu.Unlock()
	if conn.currentSession() != session || session.State() != state.ConnStateReady {
		return
	}
	prompts, err := session.ListPrompts(ctx, r.opts.ListTimeout)
	if err != nil {
		conn.log.WithError(err).Warn("failed to refresh prompt list")
		return
	}
	conn.setPrompts(prompts)
	conn.log.WithField("prompts", len(prompts)).Info("mcp server prompt list changed")
	r.emit(Change{Server: conn.cfg.Name, From: state.ConnStateReady, To: state.ConnStateReady, Reason: ReasonPromptsChanged})
}

// Stop shuts the named server down and leaves it terminated.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	conn, ok := r.conns[name]
	r.mu.Unlock()
	if !ok {
		return &UnavailableError{Server: name}
	}
	conn.cancel()
	<-conn.done
	conn.machine.Terminate()
	return nil
}

// StopAll stops every server in parallel. The registry accepts no new
// servers afterwards.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	r.closed = true
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			return r.Stop(name)
		})
	}
	return g.Wait()
}

// Subscribe registers fn for change notifications. fn runs on the goroutine
// that caused the change and must not block for long.
func (r *Registry) Subscribe(fn func(Change)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) emit(change Change) {
	r.mu.Lock()
	subs := make([]func(Change), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"server": change.Server,
		"from":   change.From,
		"to":     change.To,
		"reason": change.Reason,
	}).Debug("registry change")
	for _, fn := range subs {
		fn(change)
	}
}

func (r *Registry) signal() {
	r.mu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// AwaitSettled blocks until every started server is ready with its tools
// loaded or terminated, or until ctx ends. Servers still retrying keep it
// waiting, so callers bound it with a deadline.
func (r *Registry) AwaitSettled(ctx context.Context) error {
	for {
		r.mu.Lock()
		changed := r.changed
		conns := make([]*connection, 0, len(r.conns))
		for _, conn := range r.conns {
			conns = append(conns, conn)
		}
		r.mu.Unlock()

		settled := true
		for _, conn := range conns {
			if !conn.settled() {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) Status() []ConnectionStatus {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	conns := make([]*connection, 0, len(names))
	for _, name := range names {
		conns = append(conns, r.conns[name])
	}
	r.mu.Unlock()

	out := make([]ConnectionStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.status())
	}
	return out
}

// ReadyServers returns the cached tools and prompts of every ready server in
// start order.
func (r *Registry) ReadyServers() []ServerTools {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	conns := make([]*connection, 0, len(names))
	for _, name := range names {
		conns = append(conns, r.conns[name])
	}
	r.mu.Unlock()

	out := make([]ServerTools, 0, len(conns))
	for _, conn := range conns {
		ready, ok := conn.readyLists()
		if !ok {
			continue
		}
		out = append(out, ready)
	}
	return out
}

// Caller returns the live session of a ready server.
func (r *Registry) Caller(name string) (mcp.ToolCaller, error) {
	session, err := r.readySession(name)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Ping round-trips a ping to a ready server and reports how long it took.
func (r *Registry) Ping(ctx context.Context, name string) (time.Duration, error) {
	session, err := r.readySession(name)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := session.Ping(ctx, r.opts.ListTimeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (r *Registry) readySession(name string) (*mcp.Session, error) {
	r.mu.Lock()
	conn, ok := r.conns[name]
	r.mu.Unlock()
	if !ok {
		return nil, &UnavailableError{Server: name}
	}
	session := conn.currentSession()
	current := conn.machine.State()
	if session == nil || current != state.ConnStateReady {
		return nil, &UnavailableError{Server: name, State: current}
	}
	return session, nil
}

func (c *connection) setSession(session *mcp.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	c.tools = nil
	c.prompts = nil
	c.toolsLoaded = false
}

func (c *connection) currentSession() *mcp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *connection) setTools(tools []mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

func (c *connection) setPrompts(prompts []mcp.Prompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = prompts
}

func (c *connection) recordReady(tools []mcp.Tool, prompts []mcp.Prompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
	c.prompts = prompts
	c.toolsLoaded = true
	c.failures = 0
	c.lastErr = nil
}

func (c *connection) recordFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastErr = err
	c.toolsLoaded = false
	return c.failures
}

func (c *connection) readyLists() (ServerTools, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.toolsLoaded || c.machine.State() != state.ConnStateReady {
		return ServerTools{}, false
	}
	return ServerTools{
		Name:    c.cfg.Name,
		Tools:   append([]mcp.Tool(nil), c.tools...),
		Prompts: append([]mcp.Prompt(nil), c.prompts...),
	}, true
}

func (c *connection) settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.machine.State()
	if current.IsTerminal() {
		return true
	}
	return current == state.ConnStateReady && c.toolsLoaded
}

func (c *connection) status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ConnectionStatus{
		Name:     c.cfg.Name,
		State:    c.machine.State(),
		Failures: c.failures,
		Tools:    len(c.tools),
		Prompts:  len(c.prompts),
	}
	if c.lastErr != nil {
		out.LastError = c.lastErr.Error()
	}
	return out
}
