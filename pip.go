package adamboot

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
)

// ProgressCallback is called during long-running operations to report progress.
// The message describes the current operation, current is the progress value,
// and total is the expected total (-1 if unknown).
type ProgressCallback func(message string, current, total int64)

// PipInstallRequirementsTarget installs a requirements file into target,
// which is normally the deployment's python/site-packages directory. The
// camera's interpreter has no writable site-packages of its own, so
// dependencies are vendored next to pymain.py and reach the runtime through
// the search path.
//
// Returns an error if pip is missing or fails, including stderr output for debugging.
func (env *PythonEnvironment) PipInstallRequirementsTarget(requirementsPath, target string, noCache bool, progressCallback ProgressCallback) error {
	if env.PipPath == "" {
		return fmt.Errorf("pip is not available for %s", env.PythonPath)
	}

	args := []string{
		"install",
		"--no-warn-script-location",
		"--upgrade",
		"--target", target,
		"-r", requirementsPath,
	}
	if noCache {
		args = append(args, "--no-cache-dir")
	}

	installCmd := exec.Command(env.PipPath, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	installCmd.Stdout = &stdoutBuf
	installCmd.Stderr = &stderrBuf

	if err := installCmd.Run(); err != nil {
		return fmt.Errorf("error installing requirements: %v, stderr: %s", err, stderrBuf.String())
	}

	if progressCallback != nil {
		scanner := bufio.NewScanner(&stdoutBuf)
		lineCount := int64(0)
		for scanner.Scan() {
			lineCount++
			progressCallback(scanner.Text(), lineCount, -1)
		}
		progressCallback("Requirements installed successfully", 100, 100)
	}

	return nil
}
