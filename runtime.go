package adamboot

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrCallbackUnset is returned by Lookup when the attribute is missing or None.
	ErrCallbackUnset = errors.New("callback is not set")

	// ErrNotCallable is returned by Lookup when the attribute exists but cannot be called.
	ErrNotCallable = errors.New("callback is not callable")

	// ErrNoRootModule is returned by Lookup when the application module failed to import.
	ErrNoRootModule = errors.New("application module is not loaded")
)

// Runtime is the embedded interpreter as seen by the lifecycle manager, the
// worker and the event bridge. Callers must hold the access token around
// every method except Start and Finalize.
type Runtime interface {
	// Start brings the interpreter up. It must be called exactly once.
	Start(ctx context.Context) error

	// Import imports a module for its side effects.
	Import(ctx context.Context, module string) error

	// ImportRoot imports the module callbacks are resolved from.
	ImportRoot(ctx context.Context, module string) error

	// RunFile executes a script as __main__ and returns its exit status.
	// While the script is parked in its event loop the runtime releases gate
	// and takes it back before continuing.
	RunFile(ctx context.Context, path string, gate Gate) (int, error)

	// Lookup resolves a callable attribute of the root module.
	Lookup(ctx context.Context, name string) (Callable, error)

	// Finalize shuts the interpreter down. Later calls are no-ops.
	Finalize() error
}

// Callable is a resolved runtime function.
type Callable interface {
	// Call invokes the function. The returned Ref must be released.
	Call(ctx context.Context, args ...interface{}) (*Ref, error)
}

// Ref owns a value converted out of the runtime. Release is idempotent and
// must be called on every path, usually with defer.
type Ref struct {
	value   interface{}
	once    sync.Once
	release func()
}

// NewRef wraps v; release, if not nil, runs on the first Release.
func NewRef(v interface{}, release func()) *Ref {
	return &Ref{value: v, release: release}
}

// Value returns the wrapped value. It must not be used after Release.
func (r *Ref) Value() interface{} {
	if r == nil {
		return nil
	}
	return r.value
}

// Release drops the reference.
func (r *Ref) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
		r.value = nil
	})
}
