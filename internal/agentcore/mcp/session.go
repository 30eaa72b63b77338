package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"goyais/toolhost/internal/agentcore/state"
)

const cancelNotifyTimeout = 2 * time.Second

// DialFunc opens a fresh transport for a session.
type DialFunc func(ctx context.Context) (Transport, error)

// NotificationHandler receives the params of a server notification. Handlers
// run on their own goroutine and may issue requests on the session.
type NotificationHandler func(params json.RawMessage)

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ServerCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
	Logging   json.RawMessage `json:"logging,omitempty"`
	Prompts   json.RawMessage `json:"prompts,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type SessionOptions struct {
	Client ClientInfo
	// Machine tracks lifecycle across reconnects. A new machine in the
	// connecting state is created when nil.
	Machine *state.Machine
	Logger  *logrus.Entry
}

type pendingRequest struct {
	method string
	done   chan rpcResult
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Session is one protocol conversation with one server over one transport.
// A session is not reused after its transport fails; the owner builds a new
// one for the next attempt.
type Session struct {
	name    string
	dial    DialFunc
	client  ClientInfo
	machine *state.Machine
	log     *logrus.Entry

	mu         sync.Mutex
	transport  Transport
	pending    map[int64]*pendingRequest
	nextID     int64
	handlers   map[string][]NotificationHandler
	initResult InitializeResult
	err        error
	closing    bool

	writeSem chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func NewSession(name string, dial DialFunc, opts SessionOptions) *Session {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	client := opts.Client
	if client.Name == "" {
		client = ClientInfo{Name: "goyais-toolhost", Version: "dev"}
	}
	machine := opts.Machine
	if machine == nil {
		machine, _ = state.NewMachine(state.ConnStateConnecting)
	}
	return &Session{
		name:     name,
		dial:     dial,
		client:   client,
		machine:  machine,
		log:      log.WithField("server", name),
		pending:  map[int64]*pendingRequest{},
		handlers: map[string][]NotificationHandler{},
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) State() state.ConnState {
	return s.machine.State()
}

// Done is closed once the session has lost or released its transport.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session stopped, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) InitializeResult() InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnNotification registers handler for method. Register before Connect to
// avoid missing early notifications.
func (s *Session) OnNotification(method string, handler NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = append(s.handlers[method], handler)
}

// Connect dials the transport and performs the initialize handshake. On
// success the session is ready. A version mismatch terminates the session;
// any other failure leaves it degraded.
func (s *Session) Connect(ctx context.Context) error {
	if current := s.machine.State(); current != state.ConnStateConnecting {
		return fmt.Errorf("mcp server %q: connect requires state %q, got %q", s.name, state.ConnStateConnecting, current)
	}
	transport, err := s.dial(ctx)
	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TransportError{Server: s.name, Op: "dial", Err: err}
		}
		s.fail(err, false)
		s.finish()
		return err
	}

	s.mu.Lock()
	s.transport = transport
	closing := s.closing
	s.mu.Unlock()
	go s.readLoop(transport)
	if closing {
		_ = transport.Close()
		return &TransportError{Server: s.name, Op: "connect", Err: ErrSessionClosed}
	}

	if err := s.machine.Transition(state.ConnStateInitializing); err != nil {
		s.shutdownTransport()
		return err
	}
	result, err := s.initialize(ctx)
	if err != nil {
		s.fail(err, errors.Is(err, ErrVersionMismatch))
		return err
	}
	if err := s.Notify(ctx, MethodInitialized, map[string]any{}); err != nil {
		err = s.asTransportError("initialized", err)
		s.fail(err, false)
		return err
	}

	s.mu.Lock()
	s.initResult = result
	s.mu.Unlock()
	if err := s.machine.Transition(state.ConnStateReady); err != nil {
		s.shutdownTransport()
		return err
	}
	s.log.WithFields(logrus.Fields{
		"protocol_version": result.ProtocolVersion,
		"server_name":      result.ServerInfo.Name,
		"server_version":   result.ServerInfo.Version,
	}).Info("mcp server ready")
	return nil
}

func (s *Session) initialize(ctx context.Context) (InitializeResult, error) {
	raw, err := s.Request(ctx, MethodInitialize, map[string]any{
		"protocolVersion": LatestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      s.client,
	}, 0)
	if err != nil {
		return InitializeResult{}, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return InitializeResult{}, &ProtocolError{Server: s.name, Reason: "invalid initialize result", Err: err}
	}
	if !IsSupportedProtocolVersion(result.ProtocolVersion) {
		return InitializeResult{}, &ProtocolError{
			Server: s.name,
			Reason: fmt.Sprintf("server selected protocol version %q, supported: %v", result.ProtocolVersion, supportedProtocolVersions),
			Err:    ErrVersionMismatch,
		}
	}
	return result, nil
}

// Request sends method and waits for the matching response. A positive
// timeout bounds the wait in addition to ctx. When the wait is abandoned the
// pending entry is dropped, the server is told to cancel, and a late response
// is discarded by the read loop.
func (s *Session) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.err != nil || s.transport == nil {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = &TransportError{Server: s.name, Op: method, Err: errors.New("session is not connected")}
		}
		return nil, err
	}
	s.nextID++
	id := s.nextID
	pending := &pendingRequest{method: method, done: make(chan rpcResult, 1)}
	s.pending[id] = pending
	transport := s.transport
	s.mu.Unlock()

	frame, err := EncodeMessage(&Request{ID: numericID(id), Method: method, Params: rawParams})
	if err != nil {
		s.take(id)
		return nil, err
	}
	if err := s.write(ctx, transport, frame); err != nil {
		taken := s.take(id)
		if ctx.Err() != nil {
			return nil, s.abandonError(ctx, method, timeout)
		}
		if taken == nil {
			// the read loop failed the request first
			res := <-pending.done
			return res.result, res.err
		}
		return nil, s.asTransportError(method, err)
	}
	s.log.WithFields(logrus.Fields{"id": id, "method": method}).Trace("mcp request sent")

	select {
	case res := <-pending.done:
		return res.result, res.err
	case <-ctx.Done():
		if s.take(id) == nil {
			res := <-pending.done
			return res.result, res.err
		}
		if method != MethodInitialize {
			s.cancelRemote(id, context.Cause(ctx))
		}
		return nil, s.abandonError(ctx, method, timeout)
	}
}

// Notify sends a one-way message; nothing is recorded as pending.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	transport := s.transport
	sessionErr := s.err
	s.mu.Unlock()
	if sessionErr != nil {
		return sessionErr
	}
	if transport == nil {
		return &TransportError{Server: s.name, Op: method, Err: errors.New("session is not connected")}
	}
	frame, err := EncodeMessage(&Notification{Method: method, Params: rawParams})
	if err != nil {
		return err
	}
	return s.write(ctx, transport, frame)
}

// Ping checks liveness of the server.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := s.Request(ctx, MethodPing, map[string]any{}, timeout)
	return err
}

// Close terminates the session and stops the transport. Outstanding requests
// fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	transport := s.transport
	s.mu.Unlock()

	s.machine.Terminate()
	if transport == nil {
		s.failPending(&TransportError{Server: s.name, Op: "close", Err: ErrSessionClosed})
		s.finish()
		return nil
	}
	err := transport.Close()
	<-s.done
	return err
}

// Abort drops the transport and leaves the session degraded with err. The
// owner uses it when a ready session turns out to be unusable.
func (s *Session) Abort(err error) {
	s.fail(err, false)
}

func (s *Session) write(ctx context.Context, transport Transport, frame []byte) error {
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeSem }()
	err := transport.Send(ctx, frame)
	if errors.Is(err, ErrSendAbandoned) {
		// closing a stdio transport waits for the child, keep that off the
		// caller's path
		go s.Abort(&TransportError{Server: s.name, Op: "send", Err: err})
	}
	return err
}

func (s *Session) take(id int64) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return pending
}

func (s *Session) cancelRemote(id int64, cause error) {
	reason := "request cancelled by client"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "request timed out"
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
		defer cancel()
		err := s.Notify(ctx, MethodCancelled, map[string]any{
			"requestId": id,
			"reason":    reason,
		})
		if err != nil {
			s.log.WithError(err).WithField("id", id).Debug("failed to send cancellation")
		}
	}()
}

func (s *Session) abandonError(ctx context.Context, method string, timeout time.Duration) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return &TimeoutError{Server: s.name, Method: method, After: timeout}
	}
	return &CancelledError{Server: s.name, Method: method, Cause: cause}
}

func (s *Session) readLoop(transport Transport) {
	defer s.finish()
	for {
		frame, err := transport.Receive()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.fail(&TransportError{Server: s.name, Op: "close", Err: ErrSessionClosed}, true)
			} else {
				s.fail(s.asTransportError("receive", err), false)
			}
			return
		}
		msg, err := DecodeMessage(frame)
		if err != nil {
			s.log.WithError(err).Warn("discarding malformed message")
			continue
		}
		switch m := msg.(type) {
		case *Response:
			s.resolve(m)
		case *Notification:
			s.dispatch(m)
		case *Request:
			go s.answer(m)
		}
	}
}

func (s *Session) resolve(resp *Response) {
	id, ok := parseNumericID(resp.ID)
	if !ok {
		s.log.WithField("id", string(resp.ID)).Debug("discarding response with foreign id")
		return
	}
	pending := s.take(id)
	if pending == nil {
		s.log.WithField("id", id).Debug("discarding response for request no longer pending")
		return
	}
	if resp.Error != nil {
		pending.done <- rpcResult{err: resp.Error}
		return
	}
	pending.done <- rpcResult{result: resp.Result}
}

func (s *Session) dispatch(note *Notification) {
	s.mu.Lock()
	handlers := append([]NotificationHandler(nil), s.handlers[note.Method]...)
	s.mu.Unlock()
	if len(handlers) == 0 {
		s.log.WithField("method", note.Method).Debug("ignoring notification without handler")
		return
	}
	for _, handler := range handlers {
		go handler(note.Params)
	}
}

// answer replies to server-initiated requests. Only ping is supported.
func (s *Session) answer(req *Request) {
	resp := &Response{ID: req.ID}
	switch req.Method {
	case MethodPing:
		resp.Result = json.RawMessage("{}")
	default:
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)}
	}
	frame, err := EncodeMessage(resp)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode reply")
		return
	}
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := s.write(ctx, transport, frame); err != nil {
		s.log.WithError(err).WithField("method", req.Method).Debug("failed to answer server request")
	}
}

// fail records err, fails every pending request, releases the transport and
// moves the machine to degraded, or terminated when terminal is set.
func (s *Session) fail(err error, terminal bool) {
	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.mu.Unlock()

	s.failPending(err)
	if terminal {
		s.machine.Terminate()
	} else if current := s.machine.State(); current != state.ConnStateTerminated && current != state.ConnStateDegraded {
		if transitionErr := s.machine.Transition(state.ConnStateDegraded); transitionErr != nil {
			s.log.WithError(transitionErr).Debug("state transition rejected")
		}
	}
	if first && !errors.Is(err, ErrSessionClosed) {
		s.log.WithError(err).Warn("mcp session failed")
	}
	s.shutdownTransport()
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[int64]*pendingRequest{}
	s.mu.Unlock()
	for _, entry := range pending {
		entry.done <- rpcResult{err: err}
	}
}

func (s *Session) shutdownTransport() {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return
	}
	if err := transport.Close(); err != nil {
		s.log.WithError(err).Debug("transport close failed")
	}
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) asTransportError(op string, err error) error {
	var terr *TransportError
	if errors.As(err, &terr) {
		return err
	}
	return &TransportError{Server: s.name, Op: op, Err: err}
}
