package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/quorum/core"
)

// CallbackType names the pipeline point a Callback is attached to.
//
// Hooks of one type run synchronously in registration order. An error from a
// BeforeFanout, AfterFanout or AfterResolve hook fails the request; OnTerminal
// errors are logged and otherwise ignored.
type CallbackType string

const (
	// CallbackBeforeFanout runs once the request is processing, before any model is called.
	CallbackBeforeFanout CallbackType = "before_fanout"
	// CallbackAfterFanout sees the collected responses.
	CallbackAfterFanout CallbackType = "after_fanout"
	// CallbackAfterResolve sees the result before it is persisted.
	CallbackAfterResolve CallbackType = "after_resolve"
	// CallbackOnTerminal sees the persisted terminal request.
	CallbackOnTerminal CallbackType = "on_terminal"
)

// CallbackContext is the pipeline state handed to hooks. Fields fill in as
// the run advances: Responses from AfterFanout, Result from AfterResolve.
type CallbackContext struct {
	Request      *core.ConsensusRequest
	Models       []string
	Responses    []core.ModelResponse
	Result       *core.ConsensusResult
	CallbackType CallbackType
	// Metadata is shared by every hook of one run.
	Metadata map[string]any
}

// Callback is a pipeline hook.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cc *CallbackContext) error
}

type hook struct {
	typ CallbackType
	fn  func(context.Context, *CallbackContext) error
}

func (h hook) Type() CallbackType { return h.typ }

func (h hook) Execute(ctx context.Context, cc *CallbackContext) error { return h.fn(ctx, cc) }

// NewFunctionCallback attaches fn to typ.
//
//	audit := engine.NewFunctionCallback(engine.CallbackAfterResolve,
//	    func(ctx context.Context, cc *engine.CallbackContext) error {
//	        log.Printf("%s resolved by %s", cc.Request.ID, cc.Result.Strategy)
//	        return nil
//	    })
func NewFunctionCallback(typ CallbackType, fn func(ctx context.Context, cc *CallbackContext) error) Callback {
	return hook{typ: typ, fn: fn}
}

// NewLoggingCallback writes a one-line summary of the stage to logf.
func NewLoggingCallback(typ CallbackType, logf func(message string)) Callback {
	return hook{typ: typ, fn: func(_ context.Context, cc *CallbackContext) error {
		if logf == nil {
			return nil
		}
		var id string
		if cc.Request != nil {
			id = cc.Request.ID
		}
		line := fmt.Sprintf("[%s] request=%s models=%d responses=%d", typ, id, len(cc.Models), len(cc.Responses))
		if r := cc.Result; r != nil {
			line += fmt.Sprintf(" strategy=%s confidence=%.2f", r.Strategy, r.Confidence)
		}
		logf(line)
		return nil
	}}
}

// NewResponseValidationCallback vets the fan-out output. A non-nil error from
// validate fails the request before resolution.
func NewResponseValidationCallback(validate func(responses []core.ModelResponse) error) Callback {
	return hook{typ: CallbackAfterFanout, fn: func(_ context.Context, cc *CallbackContext) error {
		if validate == nil {
			return nil
		}
		return validate(cc.Responses)
	}}
}

// CallbackManager holds the hooks of one engine. It is safe for concurrent
// registration while requests run.
type CallbackManager struct {
	mu    sync.RWMutex
	hooks map[CallbackType][]Callback
}

// NewCallbackManager returns an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{hooks: map[CallbackType][]Callback{}}
}

// RegisterCallback appends cb to the hooks of its type.
func (cm *CallbackManager) RegisterCallback(cb Callback) {
	cm.mu.Lock()
	cm.hooks[cb.Type()] = append(cm.hooks[cb.Type()], cb)
	cm.mu.Unlock()
}

// ExecuteCallbacks runs the hooks of typ, stopping at the first error.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, typ CallbackType, cc *CallbackContext) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	hooks := cm.hooks[typ]
	cm.mu.RUnlock()

	cc.CallbackType = typ
	for _, h := range hooks {
		if err := h.Execute(ctx, cc); err != nil {
			return fmt.Errorf("%s callback: %w", typ, err)
		}
	}
	return nil
}
