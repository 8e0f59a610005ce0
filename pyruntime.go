package adamboot

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tuple is passed to Callable.Call to make Python receive a tuple instead
// of a list.
type Tuple []interface{}

// View is passed to Callable.Call to make Python receive a memoryview over
// the bytes instead of a bytes object.
type View []byte

// PythonRuntimeOptions configure a PythonRuntime.
type PythonRuntimeOptions struct {
	// Name labels the process in logs.
	Name string

	// Env is added to the inherited environment of the Python process.
	Env map[string]string

	// KVPairs are made available to Python as _adamboot.kv.
	KVPairs map[string]interface{}

	// OnException is called for every exception Python reports.
	OnException ProcOnException

	// ExitGrace bounds how long Finalize waits for Python to exit on its
	// own before terminating it. Defaults to 2s.
	ExitGrace time.Duration
}

// PythonRuntime is the Runtime backed by a Python child process.
type PythonRuntime struct {
	env      *PythonEnvironment
	opts     PythonRuntimeOptions
	handlers map[string]CommandHandler
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   *QueueProcess
	gate    Gate
	runCtx  context.Context
	yielded bool

	finalizeOnce sync.Once
	finalizeErr  error
}

var _ Runtime = (*PythonRuntime)(nil)

// NewPythonRuntime returns an unstarted runtime on env.
func NewPythonRuntime(env *PythonEnvironment, opts PythonRuntimeOptions) *PythonRuntime {
	if opts.Name == "" {
		opts.Name = "adamapp"
	}
	if opts.ExitGrace <= 0 {
		opts.ExitGrace = 2 * time.Second
	}
	return &PythonRuntime{
		env:      env,
		opts:     opts,
		handlers: map[string]CommandHandler{},
		logger:   log.With().Str("component", "runtime").Logger(),
	}
}

// RegisterHandler exposes a Go function to Python under command.
// Handlers must be registered before Start.
func (r *PythonRuntime) RegisterHandler(command string, handler CommandHandler) {
	r.handlers[command] = handler
}

func (r *PythonRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	started := r.queue != nil
	r.mu.Unlock()
	if started {
		return errors.New("python runtime already started")
	}

	pp, err := r.env.NewPythonProcessFromProgram(&PythonProgram{
		Name:    r.opts.Name,
		KVPairs: r.opts.KVPairs,
	}, r.opts.Env, r.opts.OnException)
	if err != nil {
		return err
	}

	q := NewQueueProcess(pp)
	q.RegisterHandler("release", r.handleRelease)
	q.RegisterHandler("acquire", r.handleAcquire)
	for name, h := range r.handlers {
		q.RegisterHandler(name, h)
	}
	q.Start()

	res, err := q.Call(ctx, "ping", nil)
	if err != nil {
		_ = q.Close(r.opts.ExitGrace)
		return errors.Wrap(err, "python runtime did not answer")
	}
	if info, ok := res.(map[string]interface{}); ok {
		r.logger.Info().
			Interface("version", info["version"]).
			Interface("codec", info["codec"]).
			Str("python", r.env.PythonPath).
			Msg("python runtime started")
	}

	r.mu.Lock()
	r.queue = q
	r.mu.Unlock()
	return nil
}

func (r *PythonRuntime) call(ctx context.Context, command string, data interface{}) (interface{}, error) {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		return nil, errors.Wrapf(ErrProcessExited, "%s: runtime not running", command)
	}
	return q.Call(ctx, command, data)
}

func (r *PythonRuntime) Import(ctx context.Context, module string) error {
	_, err := r.call(ctx, "import", map[string]interface{}{"name": module})
	return errors.Wrapf(err, "importing %s", module)
}

func (r *PythonRuntime) ImportRoot(ctx context.Context, module string) error {
	_, err := r.call(ctx, "import", map[string]interface{}{"name": module, "root": true})
	return errors.Wrapf(err, "importing %s", module)
}

// lookupError maps a resolution failure reported by Python to a sentinel.
func lookupError(kind, name string) error {
	switch kind {
	case "ok":
		return nil
	case "unset":
		return errors.Wrap(ErrCallbackUnset, name)
	case "not_callable":
		return errors.Wrap(ErrNotCallable, name)
	case "no_root":
		return errors.Wrap(ErrNoRootModule, name)
	default:
		return errors.Errorf("%s: unexpected lookup state %q", name, kind)
	}
}

func (r *PythonRuntime) Lookup(ctx context.Context, name string) (Callable, error) {
	res, err := r.call(ctx, "lookup", map[string]interface{}{"name": name})
	if err != nil {
		return nil, errors.Wrapf(err, "looking up %s", name)
	}
	kind, _ := res.(string)
	if err := lookupError(kind, name); err != nil {
		return nil, err
	}
	return &pyCallable{r: r, name: name}, nil
}

type pyCallable struct {
	r    *PythonRuntime
	name string
}

func (c *pyCallable) Call(ctx context.Context, args ...interface{}) (*Ref, error) {
	wire := make([]interface{}, len(args))
	tuples := []int{}
	views := []int{}
	for i, a := range args {
		switch v := a.(type) {
		case Tuple:
			wire[i] = []interface{}(v)
			tuples = append(tuples, i)
		case View:
			wire[i] = []byte(v)
			views = append(views, i)
		default:
			wire[i] = a
		}
	}

	res, err := c.r.call(ctx, "call", map[string]interface{}{
		"name":   c.name,
		"args":   wire,
		"tuples": tuples,
		"views":  views,
	})
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) {
			switch re.Kind {
			case "unset", "not_callable", "no_root":
				return nil, lookupError(re.Kind, c.name)
			}
		}
		return nil, errors.Wrapf(err, "calling %s", c.name)
	}
	return NewRef(res, nil), nil
}

// RunFile runs path as __main__. Python asks for "release" when the script
// parks in adamapi.Eventloop.dispatch and for "acquire" when it resumes.
func (r *PythonRuntime) RunFile(ctx context.Context, path string, gate Gate) (int, error) {
	r.mu.Lock()
	r.gate = gate
	r.runCtx = ctx
	r.yielded = false
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		yielded := r.yielded
		r.gate = nil
		r.runCtx = nil
		r.yielded = false
		r.mu.Unlock()
		if yielded {
			if err := gate.Acquire(ctx); err != nil {
				r.logger.Debug().Err(err).Msg("not taking back the access token")
			}
		}
	}()

	res, err := r.call(ctx, "run", map[string]interface{}{"path": path})
	if err != nil {
		return -1, errors.Wrapf(err, "running %s", path)
	}
	status, ok := toInt(res)
	if !ok {
		return -1, errors.Errorf("running %s: unexpected status %v", path, res)
	}
	return status, nil
}

func (r *PythonRuntime) handleRelease(data interface{}, requestID string) (interface{}, error) {
	r.mu.Lock()
	gate := r.gate
	if gate == nil || r.yielded {
		r.mu.Unlock()
		return false, nil
	}
	r.yielded = true
	r.mu.Unlock()

	gate.Release()
	r.logger.Debug().Msg("script parked in event loop, access token released")
	return true, nil
}

func (r *PythonRuntime) handleAcquire(data interface{}, requestID string) (interface{}, error) {
	r.mu.Lock()
	gate, ctx, yielded := r.gate, r.runCtx, r.yielded
	r.mu.Unlock()
	if gate == nil || !yielded {
		return false, nil
	}

	if err := gate.Acquire(ctx); err != nil {
		return nil, errors.Wrap(err, "taking back the access token")
	}
	r.mu.Lock()
	r.yielded = false
	r.mu.Unlock()
	r.logger.Debug().Msg("script left event loop, access token taken back")
	return true, nil
}

// Finalize asks Python to exit and terminates it if it does not.
func (r *PythonRuntime) Finalize() error {
	r.finalizeOnce.Do(func() {
		r.mu.Lock()
		q := r.queue
		r.mu.Unlock()
		if q == nil {
			return
		}
		r.finalizeErr = q.Close(r.opts.ExitGrace)
		r.logger.Info().Msg("python runtime finalized")
	})
	return r.finalizeErr
}

// toInt converts the loosely decoded numbers coming from msgpack.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
