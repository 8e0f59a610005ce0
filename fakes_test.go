package adamboot

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fakeFn is a callable attribute of the fake root module.
type fakeFn func(args ...interface{}) (interface{}, error)

type fakeCall struct {
	name string
	args []interface{}
}

// fakeRuntime resolves callbacks from a map and checks that the access
// token is held whenever it is touched.
type fakeRuntime struct {
	mu sync.Mutex

	token      *Token
	callbacks  map[string]interface{}
	lookupErr  error
	startErr   error
	importErrs map[string]error
	runFn      func(ctx context.Context, gate Gate) (int, error)

	calls        []fakeCall
	imports      []string
	roots        []string
	refsOut      int
	refsReleased int
	started      int
	finalized    int
	unguarded    int
}

func newFakeRuntime(token *Token) *fakeRuntime {
	return &fakeRuntime{
		token:      token,
		callbacks:  map[string]interface{}{},
		importErrs: map[string]error{},
	}
}

// checkHeld records a violation when the token is free.
func (f *fakeRuntime) checkHeld() {
	if f.token == nil {
		return
	}
	if f.token.TryAcquire() {
		f.token.Release()
		f.mu.Lock()
		f.unguarded++
		f.mu.Unlock()
	}
}

func (f *fakeRuntime) set(name string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v == nil {
		delete(f.callbacks, name)
		return
	}
	f.callbacks[name] = v
}

func (f *fakeRuntime) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeRuntime) Import(ctx context.Context, module string) error {
	f.checkHeld()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports = append(f.imports, module)
	return f.importErrs[module]
}

func (f *fakeRuntime) ImportRoot(ctx context.Context, module string) error {
	f.checkHeld()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, module)
	return f.importErrs[module]
}

func (f *fakeRuntime) RunFile(ctx context.Context, path string, gate Gate) (int, error) {
	f.checkHeld()
	f.mu.Lock()
	run := f.runFn
	f.mu.Unlock()
	if run == nil {
		return 0, nil
	}
	return run(ctx, gate)
}

func (f *fakeRuntime) Lookup(ctx context.Context, name string) (Callable, error) {
	f.checkHeld()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	v, ok := f.callbacks[name]
	if !ok {
		return nil, errors.Wrap(ErrCallbackUnset, name)
	}
	fn, ok := v.(fakeFn)
	if !ok {
		return nil, errors.Wrap(ErrNotCallable, name)
	}
	return &fakeCallable{f: f, name: name, fn: fn}, nil
}

func (f *fakeRuntime) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	return nil
}

func (f *fakeRuntime) callsTo(name string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRuntime) refCounts() (out, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refsOut, f.refsReleased
}

type fakeCallable struct {
	f    *fakeRuntime
	name string
	fn   fakeFn
}

func (c *fakeCallable) Call(ctx context.Context, args ...interface{}) (*Ref, error) {
	c.f.checkHeld()
	c.f.mu.Lock()
	c.f.calls = append(c.f.calls, fakeCall{name: c.name, args: args})
	c.f.mu.Unlock()

	v, err := c.fn(args...)
	if err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	c.f.refsOut++
	c.f.mu.Unlock()
	return NewRef(v, func() {
		c.f.mu.Lock()
		c.f.refsReleased++
		c.f.mu.Unlock()
	}), nil
}

type sentResponse struct {
	id     RequestID
	header string
	body   []byte
}

// fakeHost runs its event loop until ExitEventLoop.
type fakeHost struct {
	mu sync.Mutex

	openErr  error
	sendErr  error
	handlers Handlers
	prefs    map[string]interface{}

	exitOnce  sync.Once
	exitCh    chan struct{}
	exits     int
	stopMes   int
	closes    int
	locks     int
	unlocks   int
	responses []sentResponse

	// onStopMe runs (asynchronously) when StopMe is called.
	onStopMe func(h *fakeHost)
}

func newFakeHost() *fakeHost {
	return &fakeHost{exitCh: make(chan struct{}), prefs: map[string]interface{}{}}
}

func (h *fakeHost) Open(appType AppType, handlers Handlers) (EventLoopID, StartFactor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return InvalidEventLoopID, StartFactorUnknown, h.openErr
	}
	h.handlers = handlers
	return 7, StartFactorUser, nil
}

func (h *fakeHost) Dispatch(loop EventLoopID) error {
	<-h.exitCh
	return nil
}

func (h *fakeHost) ExitEventLoop(loop EventLoopID) error {
	h.mu.Lock()
	h.exits++
	h.mu.Unlock()
	h.exitOnce.Do(func() { close(h.exitCh) })
	return nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *fakeHost) StopMe() error {
	h.mu.Lock()
	h.stopMes++
	cb := h.onStopMe
	h.mu.Unlock()
	if cb != nil {
		go cb(h)
	}
	return nil
}

func (h *fakeHost) SendResponseAsIs(id RequestID, header, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, sentResponse{id: id, header: string(header), body: append([]byte(nil), body...)})
	return h.sendErr
}

func (h *fakeHost) AppDataDir() string { return "/tmp/adamapp/data" }

func (h *fakeHost) AppPref(name string) (interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.prefs[name]
	return v, ok
}

func (h *fakeHost) LockAppPref() {
	h.mu.Lock()
	h.locks++
	h.mu.Unlock()
}

func (h *fakeHost) UnlockAppPref() {
	h.mu.Lock()
	h.unlocks++
	h.mu.Unlock()
}

func (h *fakeHost) counts() (exits, stopMes, closes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exits, h.stopMes, h.closes
}

func (h *fakeHost) sent() []sentResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentResponse(nil), h.responses...)
}

// fakeClock hands out timers the test fires by hand.
type fakeClock struct {
	mu        sync.Mutex
	requested []time.Duration
	timers    []chan time.Time
	asked     chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{asked: make(chan time.Duration, 16)}
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.requested = append(c.requested, d)
	c.timers = append(c.timers, ch)
	c.mu.Unlock()
	c.asked <- d
	return ch
}

// fireAll expires every timer handed out so far.
func (c *fakeClock) fireAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.timers {
		select {
		case ch <- time.Time{}:
		default:
		}
	}
}

func (c *fakeClock) durations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.requested...)
}
