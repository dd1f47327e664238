package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	perrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/crawlserver/crawlserver/internal/cache"
	"github.com/crawlserver/crawlserver/internal/config"
	"github.com/crawlserver/crawlserver/internal/coordinator"
	"github.com/crawlserver/crawlserver/internal/dispatch"
	"github.com/crawlserver/crawlserver/internal/metrics"
	"github.com/crawlserver/crawlserver/internal/pool"
	"github.com/crawlserver/crawlserver/internal/state"
	"github.com/crawlserver/crawlserver/internal/watch"
)

const workerSubcommandName = "__worker"

var (
	errWasmFileMissing = perrors.New("crawlserver: wasm file not found at startup")
	errListenerFailed  = perrors.New("crawlserver: http listener failed")
)

func errIsWasmFileMissing(err error) bool { return errors.Is(err, errWasmFileMissing) }
func errIsListenerFailed(err error) bool  { return errors.Is(err, errListenerFailed) }

func newRootCommand() *cobra.Command {
	var (
		port           string
		childProcesses int
		debug          bool
		globalBind     bool
	)

	cmd := &cobra.Command{
		Use:   "crawlserver [path]",
		Short: "Server-side rendering gateway for a single WebAssembly application",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := config.Flags{
				ServerPort:        port,
				ServerPortSet:     cmd.Flags().Changed("port"),
				ChildProcesses:    childProcesses,
				ChildProcessesSet: cmd.Flags().Changed("children"),
				Debug:             debug,
				DebugSet:          cmd.Flags().Changed("debug"),
				GlobalBind:        globalBind,
				GlobalBindSet:     cmd.Flags().Changed("global"),
			}
			if len(args) == 1 {
				flags.PathToWasm = args[0]
				flags.PathToWasmSet = true
			}
			return runServer(flags)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP listen port (or CS_SERVER_PORT)")
	cmd.Flags().IntVarP(&childProcesses, "children", "c", 0, "number of worker processes (or CS_CHILD_PROCESSES, default 4)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "verbose worker logs (or CS_DEBUG)")
	cmd.Flags().BoolVarP(&globalBind, "global", "g", false, "bind 0.0.0.0 instead of loopback (or CS_GLOBAL_BIND)")

	return cmd
}

func runServer(flags config.Flags) error {
	cfg, err := config.Resolve(flags)
	if err != nil {
		return err
	}

	log := logrus.New()
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if _, statErr := os.Stat(cfg.PathToWasm); statErr != nil {
		return perrors.Wrap(errWasmFileMissing, statErr.Error())
	}

	reporter := state.New(log)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(reporter, ctx.Done())

	spawner := func(ctx context.Context) (pool.WorkerProcess, error) {
		return pool.Spawn(ctx, entry, cfg.Debug)
	}
	p, err := pool.New(ctx, pool.Config{
		Size:     cfg.ChildProcesses,
		Spawner:  spawner,
		Reporter: reporter,
		Log:      entry,
	})
	if err != nil {
		return perrors.Wrap(err, "start worker pool")
	}
	defer p.Close(context.Background())

	queue := dispatch.New(p, cfg.MaxPending)
	renderCache := cache.New(cfg.CacheSize)
	m.StartCollector(p, queue, renderCache, time.Second, ctx.Done())

	co := coordinator.New(coordinator.Config{
		PathToWasm:    cfg.PathToWasm,
		ServerPort:    cfg.ServerPort,
		Queue:         queue,
		Pool:          p,
		Cache:         renderCache,
		Reporter:      reporter,
		Metrics:       m,
		Log:           entry,
		RenderTimeout: time.Duration(cfg.RenderTimeout) * time.Second,
	})

	watcher, err := watch.New(cfg.PathToWasm, entry)
	if err == nil {
		defer watcher.Close()
	} else {
		entry.WithError(err).Warn("crawlserver: wasm directory watcher disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", accessLogMiddleware(entry, co))

	bindHost := "127.0.0.1"
	if cfg.GlobalBind {
		bindHost = "0.0.0.0"
	}
	addr := bindHost + ":" + cfg.ServerPort

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("crawlserver: listening")
		reporter.Emit(state.ServerStarted, addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return perrors.Wrap(errListenerFailed, err.Error())
		}
	case <-quit:
		entry.Info("crawlserver: shutdown initiated")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("crawlserver: shutdown error")
	}
	cancel()
	reporter.Emit(state.FulfilledStopCall, "server shut down")
	entry.Info("crawlserver: shutdown complete")
	return nil
}
