package adamboot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultAppModule is the module callbacks are resolved from.
const DefaultAppModule = "adamapi"

// InterpreterConfig locates the deployment's Python files.
type InterpreterConfig struct {
	// PythonDir is the deployment's python directory holding the entry
	// script and a site-packages directory with vendored dependencies.
	PythonDir string

	// SystemLibPath is a list of system library directories separated by
	// the OS path list separator.
	SystemLibPath string

	// Home, when set, becomes PYTHONHOME.
	Home string

	// AppModule is imported as the root module. Defaults to DefaultAppModule.
	AppModule string
}

// BuildSearchPath joins base, base/site-packages, every entry of systemLib
// and existing, in that order, skipping empty parts.
func BuildSearchPath(base, systemLib, existing string) string {
	var parts []string
	if base != "" {
		parts = append(parts, base, filepath.Join(base, "site-packages"))
	}
	for _, p := range filepath.SplitList(systemLib) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if existing != "" {
		parts = append(parts, existing)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// Interpreter owns the runtime's lifetime: it prepares the environment,
// starts the runtime, imports the application module and finalizes once.
type Interpreter struct {
	cfg     InterpreterConfig
	runtime Runtime
	token   *Token
	logger  zerolog.Logger

	mu       sync.Mutex
	degraded bool

	finalizeOnce sync.Once
}

// NewInterpreter returns an interpreter manager for rt.
func NewInterpreter(cfg InterpreterConfig, rt Runtime, token *Token) *Interpreter {
	if cfg.AppModule == "" {
		cfg.AppModule = DefaultAppModule
	}
	return &Interpreter{
		cfg:     cfg,
		runtime: rt,
		token:   token,
		logger:  log.With().Str("component", "interpreter").Logger(),
	}
}

// Initialize sets up the environment and starts the runtime. It only
// fails when the runtime cannot be started; a broken application module
// leaves the interpreter running in degraded mode.
func (in *Interpreter) Initialize(ctx context.Context) error {
	searchPath := BuildSearchPath(in.cfg.PythonDir, in.cfg.SystemLibPath, os.Getenv("PYTHONPATH"))
	if err := os.Setenv("PYTHONPATH", searchPath); err != nil {
		return errors.Wrap(err, "setting PYTHONPATH")
	}
	if err := os.Setenv("PYTHONUNBUFFERED", "1"); err != nil {
		return errors.Wrap(err, "setting PYTHONUNBUFFERED")
	}
	if _, ok := os.LookupEnv("PYTHONDONTWRITEBYTECODE"); !ok {
		if err := os.Setenv("PYTHONDONTWRITEBYTECODE", "1"); err != nil {
			return errors.Wrap(err, "setting PYTHONDONTWRITEBYTECODE")
		}
	}
	if in.cfg.Home != "" {
		if err := os.Setenv("PYTHONHOME", in.cfg.Home); err != nil {
			return errors.Wrap(err, "setting PYTHONHOME")
		}
	}
	in.logger.Debug().Str("PYTHONPATH", searchPath).Msg("python search path")

	if err := in.token.Acquire(ctx); err != nil {
		return errors.Wrap(err, "acquiring access token")
	}
	defer in.token.Release()

	if err := in.runtime.Start(ctx); err != nil {
		return errors.Wrap(err, "starting python runtime")
	}

	if err := in.runtime.Import(ctx, "threading"); err != nil {
		in.logger.Warn().Err(err).Msg("threading support unavailable")
	}

	if err := in.runtime.ImportRoot(ctx, in.cfg.AppModule); err != nil {
		in.mu.Lock()
		in.degraded = true
		in.mu.Unlock()
		ev := in.logger.Error().Err(err).Str("module", in.cfg.AppModule)
		if pe, ok := AsPythonException(err); ok {
			ev = ev.Str("traceback", pe.Traceback)
		}
		ev.Msg("application module failed to import, callbacks are disabled")
	}
	return nil
}

// Degraded reports whether the application module failed to import.
func (in *Interpreter) Degraded() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.degraded
}

// Finalize tears the runtime down. Only the first call has an effect.
func (in *Interpreter) Finalize() {
	in.finalizeOnce.Do(func() {
		if err := in.runtime.Finalize(); err != nil {
			in.logger.Warn().Err(err).Msg("finalizing python runtime")
		}
	})
}
