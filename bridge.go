package adamboot

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Names of the callbacks resolved from the root module on every event.
const (
	StopCallbackName    = "stopCallback"
	HTTPCallbackName    = "httpCallback"
	AppPrefCallbackName = "appPrefCallback"
)

// Bridge forwards host events into Python callbacks. It implements all
// three host handler interfaces; every event acquires the access token,
// resolves its callback afresh, calls it and converts the result.
type Bridge struct {
	runtime   Runtime
	token     *Token
	stop      *StopState
	host      Host
	responder *ResponseDispatcher
	logger    zerolog.Logger

	mu   sync.Mutex
	loop EventLoopID
}

var (
	_ StopHandler          = (*Bridge)(nil)
	_ ServerRequestHandler = (*Bridge)(nil)
	_ AppPrefUpdateHandler = (*Bridge)(nil)
)

// NewBridge wires a bridge to its collaborators.
func NewBridge(rt Runtime, token *Token, stop *StopState, host Host) *Bridge {
	return &Bridge{
		runtime:   rt,
		token:     token,
		stop:      stop,
		host:      host,
		responder: NewResponseDispatcher(host),
		logger:    log.With().Str("component", "bridge").Logger(),
		loop:      InvalidEventLoopID,
	}
}

// Handlers returns the handler set to register with Host.Open.
func (b *Bridge) Handlers() Handlers {
	return Handlers{Stop: b, ServerRequest: b, AppPrefUpdate: b}
}

// SetEventLoop records the loop HandleStop exits.
func (b *Bridge) SetEventLoop(loop EventLoopID) {
	b.mu.Lock()
	b.loop = loop
	b.mu.Unlock()
}

func (b *Bridge) eventLoop() EventLoopID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loop
}

// recoverEvent keeps a panicking event from taking the host goroutine down.
func (b *Bridge) recoverEvent(event string) {
	if r := recover(); r != nil {
		b.logger.Error().
			Str("event", event).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("event handler panicked")
	}
}

// invoke takes the token, resolves name and calls it with args. consume,
// if not nil, gets the result while the token is still held. It reports whether the callback ran successfully.
func (b *Bridge) invoke(event, name string, consume func(*Ref), args ...interface{}) bool {
	logger := b.logger.With().Str("event", event).Str("callback", name).Logger()
	ctx := context.Background()

	if err := b.token.Acquire(ctx); err != nil {
		logger.Error().Err(err).Msg("could not acquire access token")
		return false
	}
	defer b.token.Release()

	cb, err := b.runtime.Lookup(ctx, name)
	if err != nil {
		if errors.Is(err, ErrCallbackUnset) || errors.Is(err, ErrNoRootModule) {
			logger.Debug().Err(err).Msg("callback not available")
		} else {
			logger.Warn().Err(err).Msg("callback not usable")
		}
		return false
	}

	ref, err := cb.Call(ctx, args...)
	defer ref.Release()
	if err != nil {
		ev := logger.Error().Err(err)
		if pe, ok := AsPythonException(err); ok {
			ev = ev.Str("traceback", pe.Traceback)
		}
		ev.Msg("callback failed")
		return false
	}

	if consume != nil {
		consume(ref)
	}
	return true
}

// HandleStop records factor and, unless the application stopped itself,
// calls stopCallback. The host event loop is told to exit in every case.
func (b *Bridge) HandleStop(factor StopFactor) {
	defer b.exitEventLoop()
	defer b.recoverEvent("stop")

	b.stop.Set(factor)
	b.logger.Info().Stringer("factor", factor).Msg("stop requested")
	if factor == StopFactorApplication {
		return
	}

	b.invoke("stop", StopCallbackName, func(ref *Ref) {
		b.logger.Debug().Interface("result", ref.Value()).Msg("stop callback returned")
	})
}

func (b *Bridge) exitEventLoop() {
	loop := b.eventLoop()
	if err := b.host.ExitEventLoop(loop); err != nil {
		b.logger.Error().Err(err).Int("loop", int(loop)).Msg("could not exit event loop")
	}
}

// HandleServerRequest passes (data type, memoryview of the payload) to
// httpCallback and sends its (header, body) result back. When the callback
// is missing or fails the request is left unanswered.
func (b *Bridge) HandleServerRequest(id RequestID, data NetData) {
	defer b.recoverEvent("http")

	b.invoke("http", HTTPCallbackName, func(ref *Ref) {
		_ = b.responder.Dispatch(id, ref)
	}, data.Type, View(data.Data))
}

// HandleAppPrefUpdate passes the changed preference names, in order, as a
// single tuple argument to appPrefCallback.
func (b *Bridge) HandleAppPrefUpdate(names []string) {
	defer b.recoverEvent("app_pref")

	seq := make(Tuple, len(names))
	for i, n := range names {
		seq[i] = n
	}
	b.invoke("app_pref", AppPrefCallbackName, nil, seq)
}
