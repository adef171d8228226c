// Package httpserver is the REST surface of the queue engine: producer,
// worker, and observer endpoints as JSON over HTTP, plus an SSE stream of
// status-transition events.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	s := httpserver.New(rt.Queue(), logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
