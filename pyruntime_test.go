package adamboot

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPeeredRuntime returns a started runtime whose Python side is a fakePeer.
func newPeeredRuntime(t *testing.T) (*PythonRuntime, *fakePeer) {
	q, p := newPeeredQueue(t)
	r := NewPythonRuntime(nil, PythonRuntimeOptions{ExitGrace: 100 * time.Millisecond})
	r.logger = zerolog.Nop()
	q.RegisterHandler("release", r.handleRelease)
	q.RegisterHandler("acquire", r.handleAcquire)
	q.Start()
	r.queue = q
	return r, p
}

func TestRuntimeLookupMapsResolutionStates(t *testing.T) {
	r, p := newPeeredRuntime(t)
	states := map[string]string{
		StopCallbackName:    "unset",
		HTTPCallbackName:    "not_callable",
		AppPrefCallbackName: "no_root",
		"ready":             "ok",
		"odd":               "sideways",
	}
	p.serve(func(command string, data interface{}) map[string]interface{} {
		name, _ := data.(map[string]interface{})["name"].(string)
		return map[string]interface{}{"result": states[name]}
	})

	ctx := context.Background()
	_, err := r.Lookup(ctx, StopCallbackName)
	assert.ErrorIs(t, err, ErrCallbackUnset)
	_, err = r.Lookup(ctx, HTTPCallbackName)
	assert.ErrorIs(t, err, ErrNotCallable)
	_, err = r.Lookup(ctx, AppPrefCallbackName)
	assert.ErrorIs(t, err, ErrNoRootModule)
	_, err = r.Lookup(ctx, "odd")
	assert.Error(t, err)

	c, err := r.Lookup(ctx, "ready")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestRuntimeCallMarksTuplesAndViews(t *testing.T) {
	r, p := newPeeredRuntime(t)
	seen := make(chan map[string]interface{}, 1)
	p.serve(func(command string, data interface{}) map[string]interface{} {
		switch command {
		case "lookup":
			return map[string]interface{}{"result": "ok"}
		case "call":
			seen <- data.(map[string]interface{})
			return map[string]interface{}{"result": []interface{}{"Status: 200\r\n", []byte("ok")}}
		}
		return map[string]interface{}{"error": "unexpected", "kind": "unknown"}
	})

	ctx := context.Background()
	c, err := r.Lookup(ctx, HTTPCallbackName)
	require.NoError(t, err)

	ref, err := c.Call(ctx, Tuple{"a", "b"}, View("body"), 3)
	require.NoError(t, err)
	defer ref.Release()

	header, body, err := splitResponse(ref.Value())
	require.NoError(t, err)
	assert.Equal(t, "Status: 200\r\n", string(header))
	assert.Equal(t, []byte("ok"), body)

	data := <-seen
	assert.Equal(t, HTTPCallbackName, data["name"])
	args, ok := data["args"].([]interface{})
	require.True(t, ok)
	require.Len(t, args, 3)
	assert.Equal(t, []interface{}{"a", "b"}, args[0])
	assert.Equal(t, []byte("body"), args[1])

	tuples := data["tuples"].([]interface{})
	require.Len(t, tuples, 1)
	idx, _ := toInt(tuples[0])
	assert.Equal(t, 0, idx)
	views := data["views"].([]interface{})
	require.Len(t, views, 1)
	idx, _ = toInt(views[0])
	assert.Equal(t, 1, idx)
}

// TestBridgeAnswersThroughPipe sends an HTTP event through the bridge to a
// callback behind the pipe and checks the binary body reaches the host.
func TestBridgeAnswersThroughPipe(t *testing.T) {
	r, p := newPeeredRuntime(t)
	p.serve(func(command string, data interface{}) map[string]interface{} {
		switch command {
		case "lookup":
			return map[string]interface{}{"result": "ok"}
		case "call":
			args := data.(map[string]interface{})["args"].([]interface{})
			payload, _ := args[1].([]byte)
			body := append([]byte("echo:"), payload...)
			return map[string]interface{}{"result": []interface{}{"Content-Type: image/jpeg\r\n", body}}
		}
		return map[string]interface{}{"error": "unexpected", "kind": "unknown"}
	})

	token := NewToken()
	host := newFakeHost()
	b := NewBridge(r, token, &StopState{}, host)
	b.HandleServerRequest(42, NetData{Type: DataTypeBody, Data: []byte{0xff, 0xd8}})

	sent := host.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, RequestID(42), sent[0].id)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", sent[0].header)
	assert.Equal(t, []byte{'e', 'c', 'h', 'o', ':', 0xff, 0xd8}, sent[0].body)

	acquired, released := token.Counts()
	assert.Equal(t, acquired, released)
}

func TestRuntimeCallErrorKinds(t *testing.T) {
	r, p := newPeeredRuntime(t)
	kind := make(chan string, 1)
	p.serve(func(command string, data interface{}) map[string]interface{} {
		if command == "lookup" {
			return map[string]interface{}{"result": "ok"}
		}
		k := <-kind
		return map[string]interface{}{"error": "failed", "kind": k}
	})

	ctx := context.Background()
	c, err := r.Lookup(ctx, StopCallbackName)
	require.NoError(t, err)

	kind <- "unset"
	_, err = c.Call(ctx)
	assert.ErrorIs(t, err, ErrCallbackUnset)

	kind <- "raised"
	_, err = c.Call(ctx)
	require.Error(t, err)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "raised", re.Kind)
}

// TestRuntimeRunFileYield walks a script through the event loop handshake:
// it parks, the token is free meanwhile, and the script resumes holding it.
func TestRuntimeRunFileYield(t *testing.T) {
	r, p := newPeeredRuntime(t)
	token := NewToken()
	gate := &heldGate{t: token}
	require.NoError(t, gate.Acquire(context.Background()))

	parked := make(chan struct{})
	resume := make(chan struct{})
	peerErr := make(chan error, 1)
	go func() {
		run := p.next()
		if run == nil || run["command"] != "run" {
			peerErr <- errors.Errorf("expected run, got %v", run)
			return
		}
		p.send(map[string]interface{}{"command": "release", "request_id": "py-1"})
		if reply := p.next(); reply == nil || reply["result"] != true {
			peerErr <- errors.Errorf("release reply %v", reply)
			return
		}
		close(parked)
		<-resume
		p.send(map[string]interface{}{"command": "acquire", "request_id": "py-2"})
		if reply := p.next(); reply == nil || reply["result"] != true {
			peerErr <- errors.Errorf("acquire reply %v", reply)
			return
		}
		p.send(map[string]interface{}{"request_id": run["request_id"], "result": 4})
		peerErr <- nil
	}()

	result := make(chan int, 1)
	go func() {
		status, err := r.RunFile(context.Background(), "/opt/app/python/pymain.py", gate)
		assert.NoError(t, err)
		result <- status
	}()

	select {
	case <-parked:
	case err := <-peerErr:
		t.Fatal(err)
	}
	require.True(t, token.TryAcquire(), "token must be free while the script is parked")
	token.Release()
	close(resume)

	require.NoError(t, <-peerErr)
	assert.Equal(t, 4, <-result)
	assert.False(t, token.TryAcquire(), "script returns holding the token")

	gate.Release()
	acquired, released := token.Counts()
	assert.Equal(t, acquired, released)
}

// TestRuntimeRunFileRetakesTokenAfterParkedFailure covers a script that dies
// while parked: RunFile still returns with the token held.
func TestRuntimeRunFileRetakesTokenAfterParkedFailure(t *testing.T) {
	r, p := newPeeredRuntime(t)
	token := NewToken()
	gate := &heldGate{t: token}
	require.NoError(t, gate.Acquire(context.Background()))

	go func() {
		run := p.next()
		p.send(map[string]interface{}{"command": "release", "request_id": "py-1"})
		p.next()
		p.send(map[string]interface{}{"request_id": run["request_id"], "result": -1})
	}()

	status, err := r.RunFile(context.Background(), "pymain.py", gate)
	require.NoError(t, err)
	assert.Equal(t, -1, status)
	assert.False(t, token.TryAcquire())
	gate.Release()
}

func TestRuntimeReleaseOutsideRunIsRefused(t *testing.T) {
	r := NewPythonRuntime(nil, PythonRuntimeOptions{})
	res, err := r.handleRelease(nil, "py-1")
	require.NoError(t, err)
	assert.Equal(t, false, res)
	res, err = r.handleAcquire(nil, "py-2")
	require.NoError(t, err)
	assert.Equal(t, false, res)
}

func TestRuntimeNotStarted(t *testing.T) {
	r := NewPythonRuntime(nil, PythonRuntimeOptions{})
	err := r.Import(context.Background(), "threading")
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.NoError(t, r.Finalize())
}

func TestRuntimeFinalizeOnce(t *testing.T) {
	r, p := newPeeredRuntime(t)
	exits := make(chan struct{}, 4)
	go func() {
		for m := range p.msgs {
			if m["command"] == "exit" {
				exits <- struct{}{}
			}
		}
	}()
	require.NoError(t, r.Finalize())
	require.NoError(t, r.Finalize())
	<-exits
	select {
	case <-exits:
		t.Fatal("exit sent twice")
	case <-time.After(20 * time.Millisecond):
	}
}

type handlerMap map[string]CommandHandler

func (m handlerMap) RegisterHandler(command string, handler CommandHandler) {
	m[command] = handler
}

func TestRegisterHostServices(t *testing.T) {
	host := newFakeHost()
	host.prefs["ID"] = "cam-1"
	handlers := handlerMap{}
	RegisterHostServices(handlers, host)

	for _, name := range []string{"stop_me", "app_data_dir", "debug_print", "get_app_pref", "lock_app_pref", "unlock_app_pref"} {
		assert.Contains(t, handlers, name)
	}

	dir, err := handlers["app_data_dir"](nil, "py-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/adamapp/data", dir)

	v, err := handlers["get_app_pref"](map[string]interface{}{"name": "ID"}, "py-2")
	require.NoError(t, err)
	assert.Equal(t, "cam-1", v)
	_, err = handlers["get_app_pref"](map[string]interface{}{"name": "missing"}, "py-3")
	assert.Error(t, err)
	_, err = handlers["get_app_pref"]("ID", "py-4")
	assert.Error(t, err)

	_, err = handlers["lock_app_pref"](nil, "py-5")
	require.NoError(t, err)
	_, err = handlers["unlock_app_pref"](nil, "py-6")
	require.NoError(t, err)
	assert.Equal(t, 1, host.locks)
	assert.Equal(t, 1, host.unlocks)

	_, err = handlers["debug_print"](map[string]interface{}{"level": int64(3), "message": "hi"}, "py-7")
	require.NoError(t, err)
	_, err = handlers["debug_print"](map[string]interface{}{"level": 3}, "py-8")
	assert.Error(t, err)

	_, err = handlers["stop_me"](nil, "py-9")
	require.NoError(t, err)
	_, stopMes, _ := host.counts()
	assert.Equal(t, 1, stopMes)
}

func TestLevelForADAM(t *testing.T) {
	assert.Equal(t, zerolog.ErrorLevel, levelForADAM(0))
	assert.Equal(t, zerolog.ErrorLevel, levelForADAM(3))
	assert.Equal(t, zerolog.WarnLevel, levelForADAM(4))
	assert.Equal(t, zerolog.InfoLevel, levelForADAM(5))
	assert.Equal(t, zerolog.InfoLevel, levelForADAM(6))
	assert.Equal(t, zerolog.DebugLevel, levelForADAM(7))
}

type capturedLines struct{ lines []string }

func (c *capturedLines) Write(p []byte) (int, error) {
	c.lines = append(c.lines, string(p))
	return len(p), nil
}

func TestLineLogger(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(prev)

	out := &capturedLines{}
	logger := zerolog.New(out).Level(zerolog.DebugLevel)
	ll := newLineLogger(logger, zerolog.InfoLevel)

	_, _ = ll.Write([]byte("hello "))
	assert.Empty(t, out.lines)
	_, _ = ll.Write([]byte("world\r\nsecond\n\nthird"))
	require.Len(t, out.lines, 2)
	assert.Contains(t, out.lines[0], `"message":"hello world"`)
	assert.Contains(t, out.lines[0], `"level":"info"`)
	assert.Contains(t, out.lines[1], `"message":"second"`)

	_, _ = ll.Write([]byte("\n"))
	require.Len(t, out.lines, 3)
	assert.Contains(t, out.lines[2], `"message":"third"`)
}
