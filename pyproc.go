package adamboot

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed scripts/bootstrap.py
var primaryBootstrapScriptTemplate string

//go:embed scripts/runtime.py
var runtimeScript string

//go:embed scripts/adamapi.py
var adamapiSource string

//go:embed scripts/msgpackcodec.py
var msgpackCodecSource string

// Inherited descriptor numbers in the child. ExtraFiles start at 3.
const (
	childWriteFD     = 3
	childReadFD      = 4
	childStatusFD    = 5
	childBootstrapFD = 6
	childProgramFD   = 7
)

// ProcOnException is a callback function invoked when a Python exception occurs.
type ProcOnException func(ex *PythonException)

// PythonProcess represents a running Python subprocess with communication pipes.
//
// The process uses a two-stage bootstrap: a primary script passed with -c
// reads the runtime script from an inherited pipe and executes it, and the
// runtime script reads the program description from a second pipe.
//
// Communication occurs through these channels:
//   - PipeIn/PipeOut: framed RPC traffic
//   - StatusIn: status and exception reports from Python, one JSON object per line
//   - Stdout/Stderr: re-logged line by line with component=python
type PythonProcess struct {
	// Cmd is the underlying exec.Cmd for the Python process.
	Cmd *exec.Cmd

	// PipeIn is for reading data sent from the Python process.
	PipeIn *os.File

	// PipeOut is for writing data to the Python process.
	PipeOut *os.File

	// StatusIn receives status messages and exceptions from Python.
	StatusIn *os.File

	// StatusChan receives status messages ("ready", "exit") from Python.
	StatusChan chan map[string]interface{}

	onException ProcOnException
	logger      zerolog.Logger

	exited  chan struct{}
	waitErr error
	termMu  sync.Mutex
}

// Module is a Python module shipped inside the Go binary. The source is
// base64 encoded and decoded by the runtime's importer.
type Module struct {
	// Name is the module name as it appears in Python imports.
	Name string `json:"name"`

	// Path is the virtual file path used for __file__ and tracebacks.
	Path string `json:"path"`

	// Source is the base64-encoded Python source code.
	Source string `json:"source"`
}

// PythonProgram is serialized to JSON and handed to the runtime script.
type PythonProgram struct {
	// Name identifies the program in logs.
	Name string `json:"name"`

	// Modules are importable by name before anything on sys.path.
	Modules []Module `json:"modules"`

	// ReadFD is the descriptor the runtime reads requests from.
	ReadFD int `json:"read_fd"`

	// WriteFD is the descriptor the runtime writes replies and requests to.
	WriteFD int `json:"write_fd"`

	// StatusFD is the descriptor for status and exception reports.
	StatusFD int `json:"status_fd"`

	// KVPairs is exposed to Python as _adamboot.kv.
	KVPairs map[string]interface{} `json:"kvpairs"`
}

// TemplateData holds data for rendering the bootstrap script template.
type TemplateData struct {
	// PipeNumber is the file descriptor number for the bootstrap pipe.
	PipeNumber int
}

// NewModuleFromString creates a Module from Python source code provided as a string.
func NewModuleFromString(name, path string, source string) *Module {
	return &Module{
		Name:   name,
		Path:   path,
		Source: base64.StdEncoding.EncodeToString([]byte(source)),
	}
}

// NewModuleFromPath creates a Module by reading Python source from a file.
func NewModuleFromPath(name, path string) (*Module, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading module %s", name)
	}
	return NewModuleFromString(name, path, string(source)), nil
}

// builtinModules are the modules every runtime can import.
func builtinModules() []Module {
	return []Module{
		*NewModuleFromString("adamapi", "<adamboot>/adamapi.py", adamapiSource),
		*NewModuleFromString("msgpackcodec", "<adamboot>/msgpackcodec.py", msgpackCodecSource),
	}
}

func procTemplate(templateStr string, data interface{}) (string, error) {
	tmpl, err := template.New("pythonTemplate").Parse(templateStr)
	if err != nil {
		return "", errors.Wrap(err, "parsing bootstrap template")
	}
	var result bytes.Buffer
	if err := tmpl.Execute(&result, data); err != nil {
		return "", errors.Wrap(err, "executing bootstrap template")
	}
	return result.String(), nil
}

// closeAll closes every non-nil file, ignoring errors.
func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// NewPythonProcessFromProgram starts a Python process running the runtime
// script with the given program.
//
// The builtin modules are prepended to the program's modules. environmentVars
// replace or extend the inherited environment.
func (env *PythonEnvironment) NewPythonProcessFromProgram(program *PythonProgram, environmentVars map[string]string, onException ProcOnException) (*PythonProcess, error) {
	program.Modules = append(builtinModules(), program.Modules...)
	program.ReadFD = childReadFD
	program.WriteFD = childWriteFD
	program.StatusFD = childStatusFD

	programData, err := json.Marshal(program)
	if err != nil {
		return nil, errors.Wrap(err, "encoding program")
	}

	primaryBootstrapScript, err := procTemplate(primaryBootstrapScriptTemplate, TemplateData{PipeNumber: childBootstrapFD})
	if err != nil {
		return nil, err
	}

	var parentEnds, childEnds []*os.File
	pipe := func() (*os.File, *os.File) {
		if err != nil {
			return nil, nil
		}
		var r, w *os.File
		r, w, err = os.Pipe()
		return r, w
	}

	// Python writes, Go reads
	pipeinReader, pipeinWriter := pipe()
	// Go writes, Python reads
	pipeoutReader, pipeoutWriter := pipe()
	statusReader, statusWriter := pipe()
	readerBootstrap, writerBootstrap := pipe()
	readerProgram, writerProgram := pipe()
	parentEnds = []*os.File{pipeinReader, pipeoutWriter, statusReader, writerBootstrap, writerProgram}
	childEnds = []*os.File{pipeinWriter, pipeoutReader, statusWriter, readerBootstrap, readerProgram}
	if err != nil {
		closeAll(parentEnds...)
		closeAll(childEnds...)
		return nil, errors.Wrap(err, "creating pipes")
	}

	cmd := exec.Command(env.PythonPath, "-u", "-c", primaryBootstrapScript, strconv.Itoa(childProgramFD))
	setExtraFiles(cmd, childEnds)
	configureSysProcAttr(cmd)

	cmd.Env = mergeEnv(os.Environ(), environmentVars)

	logger := log.With().Str("component", "python").Str("program", program.Name).Logger()
	cmd.Stdout = newLineLogger(logger, zerolog.InfoLevel)
	cmd.Stderr = newLineLogger(logger, zerolog.WarnLevel)
	// bound the wait for stdout copying when grandchildren keep the pipes open
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds...)
		closeAll(childEnds...)
		return nil, errors.Wrapf(err, "starting %s", env.PythonPath)
	}
	// the child has its own copies; ours would keep the pipes from reporting EOF
	closeAll(childEnds...)

	pp := &PythonProcess{
		Cmd:         cmd,
		PipeIn:      pipeinReader,
		PipeOut:     pipeoutWriter,
		StatusIn:    statusReader,
		StatusChan:  make(chan map[string]interface{}, 4),
		onException: onException,
		logger:      logger,
		exited:      make(chan struct{}),
	}

	go func() {
		pp.waitErr = cmd.Wait()
		close(pp.exited)
	}()
	go pp.readStatus()

	go func() {
		defer writerBootstrap.Close()
		if _, err := io.WriteString(writerBootstrap, runtimeScript); err != nil {
			logger.Error().Err(err).Msg("writing runtime script")
		}
	}()
	go func() {
		defer writerProgram.Close()
		if _, err := writerProgram.Write(programData); err != nil {
			logger.Error().Err(err).Msg("writing program data")
		}
	}()

	return pp, nil
}

// readStatus consumes the status pipe until Python closes it.
func (pp *PythonProcess) readStatus() {
	defer close(pp.StatusChan)
	scanner := bufio.NewScanner(pp.StatusIn)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var status map[string]interface{}
		if err := json.Unmarshal(line, &status); err != nil {
			pp.logger.Warn().Err(err).Bytes("data", line).Msg("undecodable status line")
			continue
		}
		switch status["type"] {
		case "status":
			pp.logger.Debug().Interface("status", status["status"]).Msg("python status")
			select {
			case pp.StatusChan <- status:
			default:
			}
		case "exception":
			exception, err := NewPythonExceptionFromJSON(line)
			if err != nil {
				pp.logger.Warn().Err(err).Bytes("data", line).Msg("undecodable exception")
				continue
			}
			pp.logger.Error().Str("exception", exception.Exception).Msg(exception.ToString())
			if pp.onException != nil {
				pp.onException(exception)
			}
		default:
			pp.logger.Warn().Bytes("data", line).Msg("unknown status type")
		}
	}
}

// Exited is closed once the process has been reaped.
func (pp *PythonProcess) Exited() <-chan struct{} {
	return pp.exited
}

// Wait blocks until the Python process exits.
// Returns an error if the process was killed or exited with a non-zero status.
func (pp *PythonProcess) Wait() error {
	<-pp.exited
	var exitErr *exec.ExitError
	if errors.As(pp.waitErr, &exitErr) && exitErr.ExitCode() == -1 {
		return errors.New("child process was killed")
	}
	return pp.waitErr
}

// WaitTimeout waits up to d for the process to exit and reports whether it did.
func (pp *PythonProcess) WaitTimeout(d time.Duration) bool {
	select {
	case <-pp.exited:
		return true
	case <-time.After(d):
		return false
	}
}

// Terminate gracefully stops the Python process by sending SIGTERM.
// If the process doesn't exit within 5 seconds, it is forcefully killed.
// Returns nil if the process has already finished.
func (pp *PythonProcess) Terminate() error {
	pp.termMu.Lock()
	defer pp.termMu.Unlock()

	select {
	case <-pp.exited:
		return nil
	default:
	}

	if err := terminateProcess(pp.Cmd.Process); err != nil {
		pp.logger.Debug().Err(err).Msg("terminate signal failed")
	}
	if pp.WaitTimeout(5 * time.Second) {
		return nil
	}
	pp.logger.Warn().Msg("python did not exit after SIGTERM, killing")
	if err := pp.Cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "killing python")
	}
	<-pp.exited
	return nil
}

// mergeEnv overlays vars on base, replacing existing keys.
func mergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := vars[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
