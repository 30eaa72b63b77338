package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"goyais/toolhost/internal/agentcore/mcp"
	"goyais/toolhost/internal/agentcore/safety"
	"goyais/toolhost/internal/logging"
)

const DefaultInvokeTimeout = 60 * time.Second

// ErrTurnAborted is the cancellation cause of calls cut short by Turn.Abort.
var ErrTurnAborted = errors.New("turn aborted")

// Servers hands out the live session of a ready server.
type Servers interface {
	Caller(server string) (mcp.ToolCaller, error)
}

type Options struct {
	Catalog        *Catalog
	Servers        Servers
	Permissions    *safety.Engine
	DefaultTimeout time.Duration
	Logger         *logrus.Entry
}

// Result is the outcome of one invocation. When the tool reports a failure
// Output still holds its content and Invoke also returns a
// *mcp.ToolExecutionError.
type Result struct {
	InvocationID string
	Tool         Descriptor
	Output       *mcp.CallToolResult
	Elapsed      time.Duration
}

// Coordinator is the entry point for running tools: lookup, permission
// check, argument validation, then a single forward to the owning server.
type Coordinator struct {
	catalog        *Catalog
	servers        Servers
	permissions    *safety.Engine
	defaultTimeout time.Duration
	log            *logrus.Entry
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Catalog == nil || opts.Servers == nil || opts.Permissions == nil {
		return nil, errors.New("coordinator requires a catalog, servers and a permission engine")
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	log := logging.OrDefault(opts.Logger, "coordinator")
	return &Coordinator{
		catalog:        opts.Catalog,
		servers:        opts.Servers,
		permissions:    opts.Permissions,
		defaultTimeout: timeout,
		log:            log,
	}, nil
}

// Invoke runs the named tool. A non-positive timeout uses the default. Calls
// are never retried; a timeout does not mean the tool did not run.
func (c *Coordinator) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	return c.invoke(ctx, "", name, args, timeout)
}

func (c *Coordinator) invoke(ctx context.Context, turnID string, name string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	desc, ok := c.catalog.Lookup(name)
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}

	id := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{
		"invocation_id": id,
		"tool":          desc.Name,
	})
	if turnID != "" {
		log = log.WithField("turn_id", turnID)
	}

	evaluation, err := c.permissions.Authorize(ctx, safety.PromptRequest{
		Tool:        desc.Name,
		Arguments:   args,
		Description: desc.Description,
		ReadOnly:    desc.ReadOnly,
		Destructive: desc.Destructive,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.WithError(err).Warn("permission prompt failed")
		return nil, &PermissionDeniedError{Tool: desc.Name, Reason: err.Error()}
	}
	if evaluation.Decision != safety.DecisionAllow {
		log.WithField("reason", evaluation.Reason).Info("tool call denied")
		return nil, &PermissionDeniedError{Tool: desc.Name, Reason: evaluation.Reason, Pattern: evaluation.Pattern}
	}

	if err := desc.ValidateArguments(args); err != nil {
		return nil, &InvalidArgumentsError{Tool: desc.Name, Err: err}
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	caller, err := c.servers.Caller(desc.Server)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	started := time.Now()
	log.WithField("timeout", timeout).Debug("invoking tool")
	output, err := caller.CallTool(ctx, desc.Tool, args, timeout)
	elapsed := time.Since(started)
	log = log.WithField("elapsed", elapsed)

	var toolErr *mcp.ToolExecutionError
	switch {
	case err == nil:
		log.Info("tool call completed")
	case errors.As(err, &toolErr):
		log.WithError(err).Info("tool reported an error")
	default:
		log.WithError(err).Warn("tool call failed")
		return nil, err
	}
	return &Result{
		InvocationID: id,
		Tool:         desc,
		Output:       output,
		Elapsed:      elapsed,
	}, err
}

// Turn groups the calls made for one user request so they can be aborted
// together. Aborting a turn leaves every server connection in place.
type Turn struct {
	id     string
	coord  *Coordinator
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (c *Coordinator) BeginTurn(ctx context.Context) *Turn {
	turnCtx, cancel := context.WithCancelCause(ctx)
	return &Turn{
		id:     uuid.NewString(),
		coord:  c,
		ctx:    turnCtx,
		cancel: cancel,
	}
}

func (t *Turn) ID() string {
	return t.id
}

func (t *Turn) Invoke(name string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	result, err := t.coord.invoke(t.ctx, t.id, name, args, timeout)
	if err != nil && errors.Is(context.Cause(t.ctx), ErrTurnAborted) && errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("%w: %w", ErrTurnAborted, err)
	}
	return result, err
}

// Abort cancels every in-flight call of the turn. Later calls on the turn
// fail immediately.
func (t *Turn) Abort() {
	t.cancel(ErrTurnAborted)
}

// End releases the turn. It does not affect calls that already returned.
func (t *Turn) End() {
	t.cancel(context.Canceled)
}
