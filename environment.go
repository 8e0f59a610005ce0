package adamboot

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
)

// PythonEnvironment describes the interpreter installation the runtime runs on.
// On a camera this is the firmware's python3; during development it is
// whatever python3 is on PATH.
type PythonEnvironment struct {
	// EnvironmentName is the identifier for this environment (e.g., "system").
	EnvironmentName string

	// EnvPath is the installation prefix (two levels above the executable).
	EnvPath string

	// EnvBinPath is the directory holding the interpreter executable.
	EnvBinPath string

	// PythonVersion is the detected Python version (e.g., 3.10.12).
	PythonVersion Version

	// PythonPath is the full path to the Python executable.
	PythonPath string

	// SitePackagesPath is the interpreter's own site-packages directory.
	SitePackagesPath string

	// PipPath is the pip executable, empty when pip is not installed.
	// Camera firmware usually ships without pip.
	PipPath string

	// PipVersion is the detected pip version when PipPath is set.
	PipVersion Version
}

// Name returns the environment identifier.
func (env *PythonEnvironment) Name() string {
	return env.EnvironmentName
}

// CreateEnvironmentFromExacutable creates a PythonEnvironment from an existing Python executable.
//
// The function queries the Python executable to determine version information
// and the site-packages path. Interpreters older than MinimumPythonVersion are
// rejected. A missing pip is not an error.
//
// Note: The function name contains a typo ("Exacutable") for backwards compatibility.
func CreateEnvironmentFromExacutable(pythonPath string) (*PythonEnvironment, error) {
	env := &PythonEnvironment{
		EnvironmentName: "system",
		PythonPath:      pythonPath,
		EnvPath:         filepath.Dir(filepath.Dir(pythonPath)),
		EnvBinPath:      filepath.Dir(pythonPath),
	}

	// Python 2 prints its version on stderr
	versionOutput, err := exec.Command(pythonPath, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("error getting Python version: %v", err)
	}

	env.PythonVersion, err = ParsePythonVersion(strings.TrimSpace(string(versionOutput)))
	if err != nil {
		return nil, fmt.Errorf("error parsing Python version: %v", err)
	}
	if !env.PythonVersion.AtLeast(MinimumPythonVersion) {
		return nil, fmt.Errorf("python %s is too old, need %s or newer", env.PythonVersion.String(), MinimumPythonVersion.String())
	}

	sitePackagesOutput, err := exec.Command(pythonPath, "-c", "import sysconfig; print(sysconfig.get_paths()['purelib'])").Output()
	if err != nil {
		return nil, fmt.Errorf("error getting site-packages path: %v", err)
	}
	env.SitePackagesPath = strings.TrimSpace(string(sitePackagesOutput))

	env.PipPath = findPip(env.EnvBinPath)
	if env.PipPath != "" {
		out, err := exec.Command(env.PipPath, "--version").Output()
		if err == nil {
			env.PipVersion, err = ParsePipVersion(strings.TrimSpace(string(out)))
		}
		if err != nil {
			log.Debug().Err(err).Str("pip", env.PipPath).Msg("ignoring unusable pip")
			env.PipPath = ""
		}
	}

	return env, nil
}

// findPip looks next to the interpreter first, then on PATH.
func findPip(binDir string) string {
	names := []string{"pip3", "pip"}
	if runtime.GOOS == "windows" {
		names = []string{"pip3.exe", "pip.exe"}
	}
	for _, n := range names {
		if p, err := exec.LookPath(filepath.Join(binDir, n)); err == nil {
			return p
		}
	}
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			return p
		}
	}
	return ""
}

// CreateEnvironmentFromSystem creates a PythonEnvironment using the system Python installation.
// It searches for "python3" then "python" on PATH.
func CreateEnvironmentFromSystem() (*PythonEnvironment, error) {
	pythonPath, err := exec.LookPath("python3")
	if err != nil {
		pythonPath, err = exec.LookPath("python")
		if err != nil {
			return nil, fmt.Errorf("python not found: %v", err)
		}
	}
	return CreateEnvironmentFromExacutable(pythonPath)
}
