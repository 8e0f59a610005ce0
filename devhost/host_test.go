package devhost

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/adamboot"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if os.Getenv("ADAMBOOT_TEST_LOG") == "" {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
	os.Exit(m.Run())
}

// fakeApp answers server requests with respond and records everything else.
type fakeApp struct {
	host    *Host
	respond func(id adamboot.RequestID, data adamboot.NetData)

	mu      sync.Mutex
	stops   []adamboot.StopFactor
	updates [][]string
	data    []adamboot.NetData
}

func (a *fakeApp) HandleStop(factor adamboot.StopFactor) {
	a.mu.Lock()
	a.stops = append(a.stops, factor)
	a.mu.Unlock()
	_ = a.host.ExitEventLoop(eventLoop)
}

func (a *fakeApp) HandleServerRequest(id adamboot.RequestID, data adamboot.NetData) {
	a.mu.Lock()
	a.data = append(a.data, data)
	a.mu.Unlock()
	if a.respond != nil {
		a.respond(id, data)
	}
}

func (a *fakeApp) HandleAppPrefUpdate(names []string) {
	a.mu.Lock()
	a.updates = append(a.updates, names)
	a.mu.Unlock()
}

func (a *fakeApp) handlers() adamboot.Handlers {
	return adamboot.Handlers{Stop: a, ServerRequest: a, AppPrefUpdate: a}
}

func (a *fakeApp) stopFactors() []adamboot.StopFactor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adamboot.StopFactor(nil), a.stops...)
}

func (a *fakeApp) prefUpdates() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.updates...)
}

func openTestHost(t *testing.T, cfg Config, app *fakeApp) *Host {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	h, err := New(cfg)
	require.NoError(t, err)
	app.host = h
	loop, factor, err := h.Open(adamboot.AppTypeSkeleton, app.handlers())
	require.NoError(t, err)
	assert.Equal(t, eventLoop, loop)
	assert.Equal(t, adamboot.StartFactorUser, factor)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServerRequestRoundTrip(t *testing.T) {
	app := &fakeApp{}
	app.respond = func(id adamboot.RequestID, data adamboot.NetData) {
		err := app.host.SendResponseAsIs(id,
			[]byte("Status: 201 Created\r\nContent-Type: text/plain\r\nX-Kind: q\r\n"),
			append([]byte("got "), data.Data...))
		assert.NoError(t, err)
	}
	h := openTestHost(t, Config{ResponseTimeout: 5 * time.Second}, app)

	resp, body := get(t, "http://"+h.Addr()+"/cgi-bin/adam.cgi?methodName=status&x=1")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "q", resp.Header.Get("X-Kind"))
	assert.Equal(t, "got methodName=status&x=1", body)

	resp2, err := http.Post("http://"+h.Addr()+"/app/upload", "application/octet-stream", strings.NewReader("\x00\x01binary"))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, http.StatusCreated, resp2.StatusCode)
	assert.Equal(t, "got \x00\x01binary", string(raw))

	app.mu.Lock()
	defer app.mu.Unlock()
	require.Len(t, app.data, 2)
	assert.Equal(t, adamboot.DataTypeQuery, app.data[0].Type)
	assert.Equal(t, adamboot.DataTypeBody, app.data[1].Type)
}

func TestServerRequestTimesOut(t *testing.T) {
	app := &fakeApp{}
	h := openTestHost(t, Config{ResponseTimeout: 50 * time.Millisecond}, app)

	resp, _ := get(t, "http://"+h.Addr()+"/cgi-bin/adam.cgi")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	h.mu.Lock()
	assert.Empty(t, h.pending)
	h.mu.Unlock()
}

func TestLateResponseIsRejected(t *testing.T) {
	app := &fakeApp{}
	ids := make(chan adamboot.RequestID, 1)
	app.respond = func(id adamboot.RequestID, data adamboot.NetData) { ids <- id }
	h := openTestHost(t, Config{ResponseTimeout: 30 * time.Millisecond}, app)

	resp, _ := get(t, "http://"+h.Addr()+"/app/late")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Error(t, h.SendResponseAsIs(<-ids, []byte("Status: 200\r\n"), nil))
}

func TestMalformedHeaderGives502(t *testing.T) {
	app := &fakeApp{}
	app.respond = func(id adamboot.RequestID, data adamboot.NetData) {
		assert.Error(t, app.host.SendResponseAsIs(id, []byte("no colon here"), []byte("x")))
	}
	h := openTestHost(t, Config{ResponseTimeout: 5 * time.Second}, app)

	resp, _ := get(t, "http://"+h.Addr()+"/app/")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := openTestHost(t, Config{}, &fakeApp{})
	resp, body := get(t, "http://"+h.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestStopMeDeliversApplicationStop(t *testing.T) {
	app := &fakeApp{}
	h := openTestHost(t, Config{}, app)

	done := make(chan error, 1)
	go func() { done <- h.Dispatch(eventLoop) }()
	require.NoError(t, h.StopMe())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not exit")
	}
	assert.Equal(t, []adamboot.StopFactor{adamboot.StopFactorApplication}, app.stopFactors())

	// only the first stop is delivered
	h.Stop()
	assert.Len(t, app.stopFactors(), 1)
}

func TestOpenTwiceFails(t *testing.T) {
	app := &fakeApp{}
	h := openTestHost(t, Config{}, app)
	_, _, err := h.Open(adamboot.AppTypeSkeleton, app.handlers())
	assert.Error(t, err)
	assert.Error(t, h.Dispatch(42))
}

func TestStopMeBeforeOpen(t *testing.T) {
	h, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, h.StopMe())
	assert.Equal(t, "data", h.AppDataDir())
}

func TestParseHeaderBlock(t *testing.T) {
	status, hdr, err := parseHeaderBlock([]byte("Content-Type: image/jpeg\r\nCache-Control: no-cache\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "image/jpeg", hdr.Get("Content-Type"))
	assert.Equal(t, "no-cache", hdr.Get("Cache-Control"))

	status, hdr, err = parseHeaderBlock([]byte("status: 404 Not Found\nX-A: 1\nX-A: 2"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, []string{"1", "2"}, hdr.Values("X-A"))

	status, _, err = parseHeaderBlock(nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	for _, bad := range []string{"garbage", ": empty key", "Status: abc", "Status:", "Status: 42"} {
		_, _, err := parseHeaderBlock([]byte(bad))
		assert.Error(t, err, bad)
	}
}

// writeAtomically replaces path so the watcher never sees a partial file.
func writeAtomically(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestPrefsWatchReportsChangedNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ID: cam-1\nH.26X: true\nJPEG: 5\n"), 0o644))

	app := &fakeApp{}
	h := openTestHost(t, Config{PrefsFile: path}, app)

	v, ok := h.AppPref("H.26X")
	require.True(t, ok)
	assert.Equal(t, true, v)
	_, ok = h.AppPref("h.26x")
	assert.False(t, ok)

	writeAtomically(t, path, "ID: cam-1\nH.26X: false\nAudio: \"on\"\n")

	require.Eventually(t, func() bool { return len(app.prefUpdates()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Audio", "H.26X", "JPEG"}, app.prefUpdates()[0])

	v, _ = h.AppPref("Audio")
	assert.Equal(t, "on", v)
}

func TestPrefsReloadWaitsForAppLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ID: a\n"), 0o644))

	p, err := newPrefStore(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("ID: b\n"), 0o644))

	p.Lock()
	reloaded := make(chan []string, 1)
	go func() {
		names, err := p.reload()
		assert.NoError(t, err)
		reloaded <- names
	}()

	select {
	case <-reloaded:
		t.Fatal("reload ran while the application held the lock")
	case <-time.After(30 * time.Millisecond):
	}
	v, _ := p.Get("ID")
	assert.Equal(t, "a", v)

	p.Unlock()
	assert.Equal(t, []string{"ID"}, <-reloaded)
	v, _ = p.Get("ID")
	assert.Equal(t, "b", v)

	assert.NotPanics(t, p.Unlock)
}

func TestPrefsCloseWhileAppHoldsLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ID: a\n"), 0o644))

	p, err := newPrefStore(path)
	require.NoError(t, err)
	changed := make(chan []string, 1)
	require.NoError(t, p.watch(func(names []string) { changed <- names }))

	p.Lock()
	writeAtomically(t, path, "ID: b\n")
	// let the watcher reach the lock
	time.Sleep(200 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind the application lock")
	}

	assert.Empty(t, changed)
	v, _ := p.Get("ID")
	assert.Equal(t, "a", v)
	p.Unlock()
}

func TestPrefsMissingFileStartsEmpty(t *testing.T) {
	p, err := newPrefStore(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	_, ok := p.Get("ID")
	assert.False(t, ok)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- not\n- a map\n"), 0o644))
	_, err = newPrefStore(bad)
	assert.Error(t, err)
}

func TestChangedKeys(t *testing.T) {
	old := map[string]interface{}{"a": 1, "b": []interface{}{1, 2}, "c": "x"}
	updated := map[string]interface{}{"a": 1, "b": []interface{}{1, 3}, "d": "y"}
	assert.Equal(t, []string{"b", "c", "d"}, changedKeys(old, updated))
	assert.Empty(t, changedKeys(old, old))
}
