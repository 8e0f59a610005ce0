package adamboot

import "fmt"

// AppType selects the coding model the application registers with the host.
type AppType int

const (
	// AppTypeSkeleton runs everything on the main thread and host worker threads.
	AppTypeSkeleton AppType = iota
	// AppTypeFreeStyle lets the application create its own threads.
	AppTypeFreeStyle
)

// StartFactor reports why the host started the application.
type StartFactor int

const (
	StartFactorUnknown StartFactor = iota
	StartFactorBoot
	StartFactorInstall
	StartFactorUser
)

// StopFactor records why the process is stopping.
type StopFactor int

const (
	// StopFactorUnset means no stop has been requested yet.
	StopFactorUnset StopFactor = iota
	// StopFactorHost means the host decided to stop the application.
	StopFactorHost
	// StopFactorApplication means the application asked the host to stop it
	// (see Host.StopMe); the host already knows, so no callback is delivered.
	StopFactorApplication
)

func (f StopFactor) String() string {
	switch f {
	case StopFactorUnset:
		return "unset"
	case StopFactorHost:
		return "host"
	case StopFactorApplication:
		return "application"
	default:
		return fmt.Sprintf("StopFactor(%d)", int(f))
	}
}

// EventLoopID identifies a host event loop.
type EventLoopID int

// InvalidEventLoopID is returned by Host.Open on failure.
const InvalidEventLoopID EventLoopID = -1

// RequestID identifies an inbound server request until it is answered.
type RequestID uint64

// NetData type tags.
const (
	// DataTypeQuery carries the raw query string of a GET request.
	DataTypeQuery = 0
	// DataTypeBody carries the raw body of any other request.
	DataTypeBody = 1
)

// NetData is the payload of an inbound server request.
type NetData struct {
	// Type is the host-defined data type tag, forwarded to Python untouched.
	Type int
	// Data is the raw request payload. It is only valid for the duration of
	// the handler call.
	Data []byte
}

// StopHandler receives stop requests from the host.
type StopHandler interface {
	HandleStop(factor StopFactor)
}

// ServerRequestHandler receives HTTP requests routed to the application.
type ServerRequestHandler interface {
	HandleServerRequest(id RequestID, data NetData)
}

// AppPrefUpdateHandler is told which application preferences changed.
type AppPrefUpdateHandler interface {
	HandleAppPrefUpdate(names []string)
}

// Handlers is the fixed handler set registered with Host.Open.
// Handlers are called on host-owned goroutines, possibly concurrently.
type Handlers struct {
	Stop          StopHandler
	ServerRequest ServerRequestHandler
	AppPrefUpdate AppPrefUpdateHandler
}

// Host is the vendor application container that drives the process.
type Host interface {
	// Open registers the handlers and creates the system event loop.
	Open(appType AppType, handlers Handlers) (EventLoopID, StartFactor, error)

	// Dispatch blocks running the event loop until ExitEventLoop is called.
	Dispatch(loop EventLoopID) error

	// ExitEventLoop makes Dispatch return.
	ExitEventLoop(loop EventLoopID) error

	// Close releases the host connection. The process exits afterwards.
	Close() error

	// StopMe asks the host to stop this application. The host answers with
	// a stop request carrying StopFactorApplication.
	StopMe() error

	// SendResponseAsIs answers a server request with a raw header block and body.
	SendResponseAsIs(id RequestID, header, body []byte) error

	// AppDataDir is the writable data directory assigned to the application.
	AppDataDir() string
}

// AppPrefStore is implemented by hosts that expose application preferences.
type AppPrefStore interface {
	AppPref(name string) (interface{}, bool)
	LockAppPref()
	UnlockAppPref()
}
