package adamboot

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultShutdownTimeout is how long Run waits for the entry script after
// the host event loop exits.
const DefaultShutdownTimeout = 10 * time.Second

// App ties the host, the runtime and the bridge together.
type App struct {
	Host        Host
	Runtime     Runtime
	Token       *Token
	Stop        *StopState
	Interpreter *Interpreter
	Bridge      *Bridge
	Worker      *Worker

	// ShutdownTimeout bounds the wait for the worker; see Run.
	ShutdownTimeout time.Duration

	// Clock measures ShutdownTimeout.
	Clock Clock

	logger zerolog.Logger
}

// NewApp assembles an application around host and rt.
func NewApp(host Host, rt Runtime, icfg InterpreterConfig, script string) *App {
	token := NewToken()
	stop := &StopState{}
	return &App{
		Host:            host,
		Runtime:         rt,
		Token:           token,
		Stop:            stop,
		Interpreter:     NewInterpreter(icfg, rt, token),
		Bridge:          NewBridge(rt, token, stop, host),
		Worker:          NewWorker(rt, token, stop, host, script),
		ShutdownTimeout: DefaultShutdownTimeout,
		Clock:           RealClock,
		logger:          log.With().Str("component", "app").Logger(),
	}
}

// Run opens the host, starts the runtime and the entry script, and
// dispatches host events until the host event loop exits. Only a failure
// to open the host or start the runtime is returned.
func (a *App) Run(ctx context.Context) error {
	loop, startFactor, err := a.Host.Open(AppTypeSkeleton, a.Bridge.Handlers())
	if err != nil {
		return errors.Wrap(err, "opening host")
	}
	a.Bridge.SetEventLoop(loop)
	a.logger.Info().Int("start_factor", int(startFactor)).Int("loop", int(loop)).Msg("host opened")

	defer func() {
		if err := a.Host.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing host")
		}
	}()

	if err := a.Interpreter.Initialize(ctx); err != nil {
		a.Interpreter.Finalize()
		return err
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	a.Worker.Start(workerCtx)

	if err := a.Host.Dispatch(loop); err != nil {
		a.logger.Error().Err(err).Msg("host event loop failed")
	}

	factor := a.Stop.Get()
	a.logger.Info().Stringer("factor", factor).Msg("event loop exited")
	if factor != StopFactorApplication {
		if !a.Worker.Wait(a.ShutdownTimeout, a.Clock) {
			a.logger.Warn().Dur("waited", a.ShutdownTimeout).Msg("runtime still active, terminating it")
		}
	}

	cancelWorker()
	a.Interpreter.Finalize()
	return nil
}
