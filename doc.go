// Package adamboot hosts a Python camera application inside a Go process.
//
// The host platform (the camera firmware, or the devhost package during
// development) delivers three kinds of events: stop requests, HTTP requests
// addressed to the application, and preference updates. adamboot runs the
// application's entry script in a Python child process and forwards each
// event to the callback the script registered through the adamapi module.
//
// # Architecture Overview
//
// Python is started with a two-stage bootstrap:
//
//  1. Primary Bootstrap: A minimal script passed with -c that opens the
//     inherited pipes and executes the secondary bootstrap.
//
//  2. Secondary Bootstrap: Installs the embedded modules (adamapi, the
//     msgpack codec and the command loop) and serves requests from Go.
//
// Go and Python talk over a pair of pipes carrying length-prefixed
// MessagePack frames. Either side may issue requests; every request carries
// an id and is answered exactly once.
//
// # Interpreter Token
//
// Python state is only touched by whoever holds the Token. The worker holds
// it while the entry script runs and gives it up when the script parks in
// Eventloop.dispatch; event callbacks take it for the duration of one call:
//
//	token := adamboot.NewToken()
//	if err := token.Acquire(ctx); err != nil {
//	    return err
//	}
//	defer token.Release()
//
// # Running an Application
//
// App wires the pieces together and drives the whole lifecycle:
//
//	rt := adamboot.NewPythonRuntime(env, adamboot.PythonRuntimeOptions{Name: "myapp"})
//	adamboot.RegisterHostServices(rt, host)
//
//	cfg := adamboot.DefaultConfig()
//	app := adamboot.NewApp(host, rt, cfg.InterpreterConfig(dataDir), cfg.ScriptPath(dataDir))
//	err := app.Run(ctx)
//
// Run opens the host, initializes the interpreter, starts the entry script on
// a worker, dispatches host events until a stop arrives, waits a bounded time
// for the script to return and finally shuts Python down.
//
// In Python the application looks like this:
//
//	import adamapi
//
//	loop = adamapi.Eventloop()
//
//	def on_http(kind, data):
//	    return ("Content-Type: text/plain\r\n\r\n", b"hello")
//
//	adamapi.set_stop_callback(loop.exit)
//	adamapi.set_http_callback(on_http)
//	loop.dispatch()
//
// # Responses
//
// An HTTP callback returns a (header, body) tuple. Objects exposing the
// buffer protocol are sent as View without a copy on the Python side; the
// ResponseDispatcher hands both parts to the host unchanged.
//
// # Environments
//
// The interpreter is the system python3 or an explicit executable:
//
//	env, err := adamboot.CreateEnvironmentFromSystem()
//	env, err := adamboot.CreateEnvironmentFromExacutable("/usr/bin/python3")
//
// Dependencies are vendored next to the entry script:
//
//	err := env.PipInstallRequirementsTarget("requirements.txt", "python/site-packages", true, nil)
package adamboot
