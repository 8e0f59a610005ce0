package adamboot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// PythonException represents an exception raised in the Python runtime.
// It captures the exception type, message, and full traceback for debugging.
type PythonException struct {
	// Exception is the exception class name (e.g., "ValueError", "KeyError").
	Exception string `json:"exception" msgpack:"exception"`

	// Message is the exception message/description.
	Message string `json:"message" msgpack:"message"`

	// Traceback is the full Python traceback string.
	Traceback string `json:"traceback" msgpack:"traceback"`

	// ExceptionArgs holds the exception's args tuple, when it could be encoded.
	ExceptionArgs []interface{} `json:"args,omitempty" msgpack:"args,omitempty"`

	// Cause is the exception this one was raised from (__cause__ or __context__).
	Cause *PythonException `json:"cause,omitempty" msgpack:"cause,omitempty"`
}

// ToString formats the exception and its causes as readable text.
func (e *PythonException) ToString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n%s", e.Exception, e.Message, e.Traceback)
	for c := e.Cause; c != nil; c = c.Cause {
		fmt.Fprintf(&sb, "\nCaused by: %s: %s\n%s", c.Exception, c.Message, c.Traceback)
	}
	return sb.String()
}

// Error returns the exception as a Go error.
func (e *PythonException) Error() error {
	return &pythonError{ex: e}
}

type pythonError struct {
	ex *PythonException
}

func (p *pythonError) Error() string {
	return fmt.Sprintf("python %s: %s", p.ex.Exception, p.ex.Message)
}

// AsPythonException returns the Python exception behind err, if there is one.
func AsPythonException(err error) (*PythonException, bool) {
	var pe *pythonError
	if errors.As(err, &pe) {
		return pe.ex, true
	}
	return nil, false
}

// NewPythonExceptionFromJSON parses a PythonException from JSON bytes.
// This is used to deserialize exceptions sent from Python via the status pipe.
func NewPythonExceptionFromJSON(data []byte) (*PythonException, error) {
	var pyException PythonException
	err := json.Unmarshal(data, &pyException)
	if err != nil {
		return nil, err
	}
	return &pyException, nil
}

// newPythonExceptionFromMap converts the decoded "exception" member of an RPC reply.
func newPythonExceptionFromMap(m map[string]interface{}) *PythonException {
	if m == nil {
		return nil
	}
	ex := &PythonException{}
	ex.Exception, _ = m["exception"].(string)
	ex.Message, _ = m["message"].(string)
	ex.Traceback, _ = m["traceback"].(string)
	if args, ok := m["args"].([]interface{}); ok {
		ex.ExceptionArgs = args
	}
	if cause, ok := m["cause"].(map[string]interface{}); ok {
		ex.Cause = newPythonExceptionFromMap(cause)
	}
	return ex
}
