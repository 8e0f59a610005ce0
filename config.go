package adamboot

import (
	"path/filepath"
	"time"
)

// Config is the runtime side of adamapp.yaml.
type Config struct {
	Python PythonConfig `mapstructure:"python" yaml:"python"`

	// ShutdownTimeout bounds the wait for the entry script after the host
	// event loop exits.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PythonConfig locates the interpreter and the deployment's Python files.
type PythonConfig struct {
	// Executable is the interpreter; empty means python3 from PATH.
	Executable string `mapstructure:"executable" yaml:"executable"`

	// Dir is the deployment's python directory. Empty means
	// <app data dir>/../python.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Script is the entry script, relative to Dir unless absolute.
	Script string `mapstructure:"script" yaml:"script"`

	// SystemLibPath is searched after Dir and Dir/site-packages.
	SystemLibPath string `mapstructure:"system_lib_path" yaml:"system_lib_path"`

	// Home, when set, becomes PYTHONHOME.
	Home string `mapstructure:"home" yaml:"home"`

	// Module is the application module callbacks are resolved from.
	Module string `mapstructure:"module" yaml:"module"`

	// ExitGrace is how long Python gets to exit before it is terminated.
	ExitGrace time.Duration `mapstructure:"exit_grace" yaml:"exit_grace"`

	// Requirements is installed into Dir/site-packages by "adamapp deps".
	Requirements string `mapstructure:"requirements" yaml:"requirements"`
}

// DefaultConfig returns the camera deployment layout.
func DefaultConfig() Config {
	return Config{
		Python: PythonConfig{
			Script:        "pymain.py",
			SystemLibPath: "/lib",
			Module:        DefaultAppModule,
			ExitGrace:     2 * time.Second,
			Requirements:  "requirements.txt",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// PythonDir resolves the deployment's python directory.
func (c Config) PythonDir(appDataDir string) string {
	if c.Python.Dir != "" {
		return c.Python.Dir
	}
	return filepath.Join(filepath.Dir(filepath.Clean(appDataDir)), "python")
}

// ScriptPath resolves the entry script.
func (c Config) ScriptPath(appDataDir string) string {
	if filepath.IsAbs(c.Python.Script) {
		return c.Python.Script
	}
	return filepath.Join(c.PythonDir(appDataDir), c.Python.Script)
}

// RequirementsPath resolves the requirements file.
func (c Config) RequirementsPath(appDataDir string) string {
	if filepath.IsAbs(c.Python.Requirements) {
		return c.Python.Requirements
	}
	return filepath.Join(c.PythonDir(appDataDir), c.Python.Requirements)
}

// InterpreterConfig derives the lifecycle settings.
func (c Config) InterpreterConfig(appDataDir string) InterpreterConfig {
	return InterpreterConfig{
		PythonDir:     c.PythonDir(appDataDir),
		SystemLibPath: c.Python.SystemLibPath,
		Home:          c.Python.Home,
		AppModule:     c.Python.Module,
	}
}
