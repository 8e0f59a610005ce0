// Package devhost emulates the camera's application container so an
// adamboot application can run on a workstation. Requests under
// /cgi-bin/adam.cgi and /app/ become server-request events, SIGINT and
// SIGTERM become host stops, and application preferences are read from a
// YAML file that is watched for changes.
package devhost

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/richinsley/adamboot"
)

// MaxRequestBody bounds the body forwarded to the application.
const MaxRequestBody = 16 << 20

// Config configures the development host.
type Config struct {
	// Addr is the listen address of the HTTP front end.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// AppDataDir is reported to the application as its data directory.
	AppDataDir string `mapstructure:"app-data-dir" yaml:"app-data-dir"`

	// PrefsFile is a YAML file holding the application preferences.
	PrefsFile string `mapstructure:"prefs-file" yaml:"prefs-file"`

	// ResponseTimeout is how long a request waits for the application
	// before it is answered with 504.
	ResponseTimeout time.Duration `mapstructure:"response-timeout" yaml:"response-timeout"`

	// HandleSignals turns SIGINT and SIGTERM into host stop requests.
	HandleSignals bool `mapstructure:"handle-signals" yaml:"handle-signals"`
}

// DefaultConfig listens on localhost:8080 and waits 30s for answers.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		AppDataDir:      "data",
		ResponseTimeout: 30 * time.Second,
		HandleSignals:   true,
	}
}

const eventLoop adamboot.EventLoopID = 1

type response struct {
	status int
	header http.Header
	body   []byte
}

// Host implements adamboot.Host and adamboot.AppPrefStore.
type Host struct {
	cfg    Config
	logger zerolog.Logger
	engine *gin.Engine
	prefs  *prefStore

	mu       sync.Mutex
	opened   bool
	handlers adamboot.Handlers
	server   *http.Server
	listener net.Listener
	pending  map[adamboot.RequestID]chan response
	unnotify func()

	stopping atomic.Bool
	exit     chan struct{}
	exitOnce sync.Once
}

var (
	_ adamboot.Host         = (*Host)(nil)
	_ adamboot.AppPrefStore = (*Host)(nil)
)

// New creates a host. Nothing listens until Open.
func New(cfg Config) (*Host, error) {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultConfig().ResponseTimeout
	}
	prefs, err := newPrefStore(cfg.PrefsFile)
	if err != nil {
		return nil, err
	}
	h := &Host{
		cfg:     cfg,
		logger:  log.With().Str("component", "devhost").Logger(),
		prefs:   prefs,
		pending: map[adamboot.RequestID]chan response{},
		exit:    make(chan struct{}),
	}
	h.engine = h.router()
	return h, nil
}

func (h *Host) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), LoggingMiddleware(h.logger))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.Any("/cgi-bin/adam.cgi", h.serveApp)
	r.Any("/app/*path", h.serveApp)
	return r
}

// Handler exposes the HTTP front end.
func (h *Host) Handler() http.Handler {
	return h.engine
}

// Addr is the address the front end listens on, once opened.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *Host) Open(appType adamboot.AppType, handlers adamboot.Handlers) (adamboot.EventLoopID, adamboot.StartFactor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return adamboot.InvalidEventLoopID, adamboot.StartFactorUnknown, errors.New("host already opened")
	}
	if handlers.Stop == nil || handlers.ServerRequest == nil || handlers.AppPrefUpdate == nil {
		return adamboot.InvalidEventLoopID, adamboot.StartFactorUnknown, errors.New("incomplete handler set")
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return adamboot.InvalidEventLoopID, adamboot.StartFactorUnknown, errors.Wrapf(err, "listening on %s", h.cfg.Addr)
	}
	if err := h.prefs.watch(h.prefsChanged); err != nil {
		_ = ln.Close()
		return adamboot.InvalidEventLoopID, adamboot.StartFactorUnknown, err
	}

	h.handlers = handlers
	h.listener = ln
	h.server = &http.Server{Handler: h.engine, ReadHeaderTimeout: 10 * time.Second}
	h.opened = true

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("http front end stopped")
		}
	}()
	if h.cfg.HandleSignals {
		h.relaySignals()
	}

	h.logger.Info().
		Int("app_type", int(appType)).
		Str("addr", ln.Addr().String()).
		Str("app_data_dir", h.cfg.AppDataDir).
		Msg("host opened")
	return eventLoop, adamboot.StartFactorUser, nil
}

func (h *Host) relaySignals() {
	sigs := make(chan os.Signal, 1)
	h.unnotify = adamboot.NotifyStopSignals(sigs)
	go func() {
		select {
		case sig := <-sigs:
			h.logger.Info().Str("signal", sig.String()).Msg("stop requested")
			h.stop(adamboot.StopFactorHost)
		case <-h.exit:
		}
	}()
}

// stop delivers the first stop request and drops later ones.
func (h *Host) stop(factor adamboot.StopFactor) {
	if !h.stopping.CompareAndSwap(false, true) {
		h.logger.Debug().Stringer("factor", factor).Msg("already stopping")
		return
	}
	h.mu.Lock()
	handler := h.handlers.Stop
	h.mu.Unlock()
	handler.HandleStop(factor)
}

// Stop delivers a host stop request, as a signal would.
func (h *Host) Stop() {
	h.stop(adamboot.StopFactorHost)
}

func (h *Host) Dispatch(loop adamboot.EventLoopID) error {
	if loop != eventLoop {
		return errors.Errorf("unknown event loop %d", loop)
	}
	<-h.exit
	return nil
}

func (h *Host) ExitEventLoop(loop adamboot.EventLoopID) error {
	if loop != eventLoop {
		return errors.Errorf("unknown event loop %d", loop)
	}
	h.exitOnce.Do(func() { close(h.exit) })
	return nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	server, unnotify := h.server, h.unnotify
	h.unnotify = nil
	h.mu.Unlock()

	if unnotify != nil {
		unnotify()
	}
	h.prefs.Close()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		_ = server.Close()
		return errors.Wrap(err, "shutting down http front end")
	}
	h.logger.Info().Msg("host closed")
	return nil
}

func (h *Host) StopMe() error {
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if !opened {
		return errors.New("host not opened")
	}
	go h.stop(adamboot.StopFactorApplication)
	return nil
}

func (h *Host) AppDataDir() string {
	return h.cfg.AppDataDir
}

func (h *Host) AppPref(name string) (interface{}, bool) {
	return h.prefs.Get(name)
}

func (h *Host) LockAppPref() {
	h.prefs.Lock()
}

func (h *Host) UnlockAppPref() {
	h.prefs.Unlock()
}

func (h *Host) prefsChanged(names []string) {
	h.mu.Lock()
	handler := h.handlers.AppPrefUpdate
	h.mu.Unlock()
	h.logger.Info().Strs("names", names).Msg("application preferences changed")
	handler.HandleAppPrefUpdate(names)
}

// newRequest registers a pending request under a fresh id.
func (h *Host) newRequest() (adamboot.RequestID, chan response) {
	ch := make(chan response, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		u := uuid.New()
		id := adamboot.RequestID(binary.BigEndian.Uint64(u[:8]))
		if _, taken := h.pending[id]; id == 0 || taken {
			continue
		}
		h.pending[id] = ch
		return id, ch
	}
}

func (h *Host) forget(id adamboot.RequestID) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *Host) SendResponseAsIs(id adamboot.RequestID, header, body []byte) error {
	h.mu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("request %d is unknown or already answered", id)
	}

	status, hdr, err := parseHeaderBlock(header)
	if err != nil {
		ch <- response{status: http.StatusBadGateway, body: []byte("malformed application response\n")}
		return err
	}
	ch <- response{status: status, header: hdr, body: append([]byte(nil), body...)}
	return nil
}

func (h *Host) serveApp(c *gin.Context) {
	h.mu.Lock()
	handler := h.handlers.ServerRequest
	h.mu.Unlock()
	if handler == nil {
		c.String(http.StatusServiceUnavailable, "application not running\n")
		return
	}

	data := adamboot.NetData{Type: adamboot.DataTypeBody}
	if c.Request.Method == http.MethodGet {
		data.Type = adamboot.DataTypeQuery
		data.Data = []byte(c.Request.URL.RawQuery)
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxRequestBody))
		if err != nil {
			c.String(http.StatusBadRequest, "reading request body\n")
			return
		}
		data.Data = body
	}

	id, ch := h.newRequest()
	defer h.forget(id)

	// the application is called on a host thread of its own
	go handler.HandleServerRequest(id, data)

	timer := time.NewTimer(h.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		writeResponse(c, resp)
	case <-timer.C:
		h.logger.Warn().Uint64("request_id", uint64(id)).Msg("application did not answer")
		c.String(http.StatusGatewayTimeout, "application did not answer\n")
	case <-c.Request.Context().Done():
		c.Abort()
	}
}
