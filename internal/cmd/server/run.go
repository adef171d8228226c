package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/grubworks/grubq/internal/config"
	"github.com/grubworks/grubq/internal/runtime"
	httpserver "github.com/grubworks/grubq/internal/server/http"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	logpkg "github.com/grubworks/grubq/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the queue runtime with its sweepers and the HTTP server, and
// blocks until ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// pass a plain context still get clean shutdown on SIGINT/SIGTERM.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}

	logCfg := &logpkg.Config{
		Level:  getenvDefault("GRUBQ_LOG_LEVEL", opts.Config.LogLevel),
		Format: getenvDefault("GRUBQ_LOG_FORMAT", opts.Config.LogFormat),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("Starting grubq server",
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	rt.StartSweepers()
	defer rt.StopSweepers()

	hsrv := httpserver.New(rt.Queue(), procLogger)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return hsrv.ListenAndServe(gctx, opts.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		hsrv.Close()
		return nil
	})
	return g.Wait()
}
