package adamboot

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrProcessExited is returned for requests that can no longer be answered
// because the Python process went away.
var ErrProcessExited = errors.New("python process exited")

// QueueProcess provides bidirectional RPC-style communication between Go and Python.
// It uses MessagePack serialization over pipes.
//
// QueueProcess is safe for concurrent use by multiple goroutines. Responses
// are correlated with requests using unique IDs ("req-N" for Go, "py-N" for
// Python). Command handlers registered via RegisterHandler are invoked in
// separate goroutines and may execute concurrently.
type QueueProcess struct {
	*PythonProcess

	// serializer handles message encoding/decoding (MessagePack)
	serializer Serializer

	// transport handles the wire protocol (length-prefixed binary)
	transport Transport

	// mutex protects concurrent access to shared state
	mutex sync.Mutex

	// responseMap tracks pending requests awaiting responses
	responseMap map[string]chan map[string]interface{}

	// commandHandlers maps command names to Go handler functions
	commandHandlers map[string]CommandHandler

	// defaultHandler is invoked for commands without a specific handler
	defaultHandler CommandHandler

	nextID atomic.Int64

	running bool

	// loopDone is closed when the message loop stops reading
	loopDone chan struct{}

	// processingWg tracks in-flight command handlers
	processingWg sync.WaitGroup

	logger zerolog.Logger
}

// CommandHandler is a function that handles commands received from Python.
// It receives the command data and request ID, and returns a response or error.
type CommandHandler func(data interface{}, requestID string) (interface{}, error)

// RemoteError is the error half of a reply from Python.
type RemoteError struct {
	// Kind classifies the failure: "unset", "not_callable", "no_root",
	// "raised", "conversion" or "unknown".
	Kind string

	// Message is the text Python reported.
	Message string

	// Exception is set when a Python exception caused the failure.
	Exception *PythonException
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap exposes the Python exception to errors.As and AsPythonException.
func (e *RemoteError) Unwrap() error {
	if e.Exception == nil {
		return nil
	}
	return e.Exception.Error()
}

// NewQueueProcess wraps a started PythonProcess with the RPC layer.
// Handlers should be registered before Start.
func NewQueueProcess(pp *PythonProcess) *QueueProcess {
	return &QueueProcess{
		PythonProcess:   pp,
		serializer:      MsgpackSerializer{},
		transport:       NewMsgpackTransport(pp.PipeIn, pp.PipeOut),
		responseMap:     make(map[string]chan map[string]interface{}),
		commandHandlers: map[string]CommandHandler{},
		loopDone:        make(chan struct{}),
		logger:          pp.logger,
	}
}

// newQueue builds a QueueProcess over an arbitrary transport.
func newQueue(transport Transport, logger zerolog.Logger) *QueueProcess {
	return &QueueProcess{
		serializer:      MsgpackSerializer{},
		transport:       transport,
		responseMap:     make(map[string]chan map[string]interface{}),
		commandHandlers: map[string]CommandHandler{},
		loopDone:        make(chan struct{}),
		logger:          logger,
	}
}

// RegisterHandler registers a Go function to handle a specific command from Python.
// The handler's return value is sent back to Python as the response.
func (jq *QueueProcess) RegisterHandler(command string, handler CommandHandler) {
	jq.mutex.Lock()
	defer jq.mutex.Unlock()
	jq.commandHandlers[command] = handler
}

// SetDefaultHandler sets a fallback handler for commands without a specific handler.
func (jq *QueueProcess) SetDefaultHandler(handler CommandHandler) {
	jq.mutex.Lock()
	defer jq.mutex.Unlock()
	jq.defaultHandler = handler
}

// Start begins the message processing loop. Later calls are no-ops.
func (jq *QueueProcess) Start() {
	jq.mutex.Lock()
	if jq.running {
		jq.mutex.Unlock()
		return
	}
	jq.running = true
	jq.mutex.Unlock()

	go jq.messageLoop()
}

// Done is closed when the message loop has stopped.
func (jq *QueueProcess) Done() <-chan struct{} {
	return jq.loopDone
}

// messageLoop continuously reads messages from Python and dispatches them.
// Responses to Go requests are routed via responseMap; commands from Python
// are handled by registered handlers in separate goroutines.
func (jq *QueueProcess) messageLoop() {
	defer close(jq.loopDone)
	for {
		frame, err := jq.transport.Receive()
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) && err != io.ErrClosedPipe {
				jq.logger.Warn().Err(err).Msg("reading from python")
			}
			return
		}

		var message map[string]interface{}
		if err := jq.serializer.Unmarshal(frame, &message); err != nil {
			jq.logger.Warn().Err(err).Msg("decoding message from python")
			continue
		}

		requestID, hasRequestID := message["request_id"].(string)
		command, hasCommand := message["command"].(string)

		// Check if this is a response to a request
		if hasRequestID && !hasCommand && !strings.HasPrefix(requestID, "py-") {
			jq.mutex.Lock()
			ch, exists := jq.responseMap[requestID]
			delete(jq.responseMap, requestID)
			jq.mutex.Unlock()
			if exists {
				ch <- message
			}
			continue
		}

		if !hasCommand {
			jq.logger.Warn().Interface("message", message).Msg("message without command")
			continue
		}
		data := message["data"]
		jq.processingWg.Add(1)
		go func() {
			defer jq.processingWg.Done()
			jq.processCommand(command, data, requestID)
		}()
	}
}

// processCommand dispatches a command from Python to the appropriate handler.
// The response is sent back to Python with the matching requestID.
func (jq *QueueProcess) processCommand(command string, data interface{}, requestID string) {
	var response interface{}
	var err error

	jq.mutex.Lock()
	handler, exists := jq.commandHandlers[command]
	defaultHandler := jq.defaultHandler
	jq.mutex.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("handler for %s panicked: %v", command, r)
			}
		}()
		if exists {
			response, err = handler(data, requestID)
		} else if defaultHandler != nil {
			response, err = defaultHandler(data, requestID)
		} else {
			err = errors.Errorf("unknown command: %s", command)
		}
	}()

	if requestID == "" {
		if err != nil {
			jq.logger.Warn().Err(err).Str("command", command).Msg("python command failed")
		}
		return
	}

	responseObj := map[string]interface{}{"request_id": requestID}
	if err != nil {
		responseObj["error"] = err.Error()
	} else {
		responseObj["result"] = response
	}
	if err := jq.sendMessage(responseObj); err != nil {
		jq.logger.Warn().Err(err).Str("command", command).Msg("sending response to python")
	}
}

// generateRequestID generates a unique request ID
func (jq *QueueProcess) generateRequestID() string {
	return fmt.Sprintf("req-%d", jq.nextID.Add(1))
}

func (jq *QueueProcess) sendMessage(message map[string]interface{}) error {
	msgdata, err := jq.serializer.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	if err := jq.transport.Send(msgdata); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// SendCommand sends a command to Python. When waitForResponse is set it
// blocks until Python answers, ctx is done, or the process goes away.
func (jq *QueueProcess) SendCommand(ctx context.Context, command string, data interface{}, waitForResponse bool) (map[string]interface{}, error) {
	requestID := jq.generateRequestID()
	request := map[string]interface{}{
		"command":    command,
		"data":       data,
		"request_id": requestID,
	}

	var responseChan chan map[string]interface{}
	if waitForResponse {
		responseChan = make(chan map[string]interface{}, 1)
		jq.mutex.Lock()
		jq.responseMap[requestID] = responseChan
		jq.mutex.Unlock()
	}
	forget := func() {
		jq.mutex.Lock()
		delete(jq.responseMap, requestID)
		jq.mutex.Unlock()
	}

	if err := jq.sendMessage(request); err != nil {
		forget()
		return nil, errors.Wrapf(err, "sending %s", command)
	}
	if !waitForResponse {
		return nil, nil
	}

	select {
	case response := <-responseChan:
		return response, nil
	case <-ctx.Done():
		forget()
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s", command)
	case <-jq.loopDone:
		// the reply may have raced the end of the stream
		select {
		case response := <-responseChan:
			return response, nil
		default:
		}
		forget()
		return nil, errors.Wrapf(ErrProcessExited, "waiting for %s", command)
	}
}

// Call sends a command and unpacks the reply into its result or error.
func (jq *QueueProcess) Call(ctx context.Context, command string, data interface{}) (interface{}, error) {
	response, err := jq.SendCommand(ctx, command, data, true)
	if err != nil {
		return nil, err
	}
	return extractResult(response)
}

// extractResult extracts the result value from a Python response, handling errors.
func extractResult(response map[string]interface{}) (interface{}, error) {
	if msg, ok := response["error"].(string); ok && msg != "" {
		re := &RemoteError{Message: msg}
		re.Kind, _ = response["kind"].(string)
		if ex, ok := response["exception"].(map[string]interface{}); ok {
			re.Exception = newPythonExceptionFromMap(ex)
		}
		return nil, re
	}
	return response["result"], nil
}

// Close asks Python to exit, waits up to grace for it to do so and then
// terminates it. The transport is closed either way.
func (jq *QueueProcess) Close(grace time.Duration) error {
	jq.mutex.Lock()
	if !jq.running {
		jq.mutex.Unlock()
		return nil
	}
	jq.running = false
	jq.mutex.Unlock()

	if _, err := jq.SendCommand(context.Background(), "exit", nil, false); err != nil {
		jq.logger.Debug().Err(err).Msg("exit command not delivered")
	}

	var err error
	if jq.PythonProcess != nil && !jq.PythonProcess.WaitTimeout(grace) {
		jq.logger.Warn().Dur("grace", grace).Msg("python did not exit, terminating")
		err = jq.PythonProcess.Terminate()
	}
	_ = jq.transport.Close()

	// no new handlers start once the loop is gone, so Wait cannot race Add
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	select {
	case <-jq.loopDone:
	case <-deadline.C:
		jq.logger.Warn().Msg("message loop still reading after close")
		return err
	}

	handlersDone := make(chan struct{})
	go func() {
		jq.processingWg.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-deadline.C:
		jq.logger.Warn().Msg("python command handlers still running after close")
	}
	return err
}
