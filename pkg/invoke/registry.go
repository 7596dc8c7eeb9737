// Package invoke dispatches incoming invocations to locally registered
// functions. The transport hands it module+function+args triples and does
// not interpret what the functions do.
package invoke

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownFunction is returned when no function is registered under the
// requested module and name.
var ErrUnknownFunction = errors.New("unknown function")

// Func is a callable registered with the registry. Args arrive as decoded
// wire terms.
type Func func(args []any) (any, error)

// CrashError reports that an invoked function panicked. The transport maps
// it to a crash reply instead of letting it poison the connection.
type CrashError struct {
	Reason string
}

// Error implements the error interface.
func (e *CrashError) Error() string {
	return fmt.Sprintf("function crashed: %s", e.Reason)
}

// Registry is a concurrency-safe module/function table.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]map[string]Func
	log   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		funcs: make(map[string]map[string]Func),
		log:   log,
	}
}

// Register makes fn callable as module:function. Re-registering replaces the
// previous function.
func (r *Registry) Register(module, function string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.funcs[module]
	if !ok {
		m = make(map[string]Func)
		r.funcs[module] = m
	}
	m[function] = fn
}

// Invoke runs module:function with args. A panic inside the function is
// recovered and returned as *CrashError.
func (r *Registry) Invoke(module, function string, args []any) (result any, err error) {
	r.mu.RLock()
	fn := r.funcs[module][function]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownFunction, module, function)
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("invoked function panicked",
				zap.String("module", module),
				zap.String("function", function),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = &CrashError{Reason: fmt.Sprint(p)}
		}
	}()
	return fn(args)
}
