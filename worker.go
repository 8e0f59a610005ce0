package adamboot

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker runs the entry script on its own goroutine.
type Worker struct {
	runtime Runtime
	token   *Token
	stop    *StopState
	host    Host
	script  string
	logger  zerolog.Logger

	done   chan struct{}
	status int
	err    error
}

// NewWorker returns a worker that will run script on rt.
func NewWorker(rt Runtime, token *Token, stop *StopState, host Host, script string) *Worker {
	return &Worker{
		runtime: rt,
		token:   token,
		stop:    stop,
		host:    host,
		script:  script,
		logger:  log.With().Str("component", "worker").Str("script", script).Logger(),
		done:    make(chan struct{}),
	}
}

// Start launches the worker. It must be called once.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	if !w.runScript(ctx) {
		return
	}

	if w.stop.Get() == StopFactorUnset {
		w.logger.Info().Msg("script finished before any stop request, asking host to stop")
		if err := w.host.StopMe(); err != nil {
			w.logger.Error().Err(err).Msg("self-stop failed")
		}
	}
}

// runScript holds the token around the script and reports whether the
// script actually ran.
func (w *Worker) runScript(ctx context.Context) bool {
	gate := &heldGate{t: w.token}
	if err := gate.Acquire(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("worker cancelled before the script started")
		return false
	}
	defer gate.Release()

	w.logger.Info().Msg("running entry script")
	w.status, w.err = w.runtime.RunFile(ctx, w.script, gate)
	switch {
	case w.err != nil:
		w.logger.Error().Err(w.err).Msg("entry script failed")
	case w.status != 0:
		w.logger.Error().Int("status", w.status).Msg("entry script exited with non-zero status")
	default:
		w.logger.Info().Msg("entry script finished")
	}
	return true
}

// Done is closed when the worker has finished.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Result returns the script's exit status and error. Only valid after Done.
func (w *Worker) Result() (int, error) {
	<-w.done
	return w.status, w.err
}

// Wait waits for the worker to finish, for at most timeout as measured by
// clock, and reports whether it finished.
func (w *Worker) Wait(timeout time.Duration, clock Clock) bool {
	select {
	case <-w.done:
		return true
	default:
	}
	select {
	case <-w.done:
		return true
	case <-clock.After(timeout):
		return false
	}
}
