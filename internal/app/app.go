// Package app wires a configured dataflow into a running cluster process:
// it loads configuration, builds the recovery log, transport and worker
// pool, and serves a control-plane HTTP API. Grounded on the teacher's
// internal/app (App.New/initializeComponents/Start/Stop/Run lifecycle,
// signal-driven graceful shutdown), narrowed from the teacher's dozen
// enterprise components down to the pieces a dataflow cluster process
// actually needs: a recovery log, a transport, one scheduler.Worker per
// local worker slot, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"flowmesh/internal/config"
	"flowmesh/internal/metrics"
	"flowmesh/pkg/dataflow"
	"flowmesh/pkg/recovery"
	"flowmesh/pkg/scheduler"
	"flowmesh/pkg/state"
	"flowmesh/pkg/tracing"
	"flowmesh/pkg/transport"
	"flowmesh/pkg/transport/grpcx"
	"flowmesh/pkg/transport/local"
)

// App coordinates one process's share of a dataflow cluster: in local
// transport mode that is every worker; in grpc mode it is exactly one.
type App struct {
	config *config.Config
	logger *logrus.Logger
	tracer *tracing.Manager

	flow        *dataflow.Dataflow
	recoveryLog recovery.Log
	grpcServer  *grpc.Server
	workers     []*scheduler.Worker

	httpServer *http.Server

	ctx        context.Context
	cancel     context.CancelFunc
	configFile string
	startTime  time.Time
	wg         sync.WaitGroup
}

// New loads configFile, validates it, and builds every component needed
// to run the configured cluster slice, but does not start anything yet.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		config:     cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		configFile: configFile,
		startTime:  time.Now(),
	}

	if err := a.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("app: initialize components: %w", err)
	}
	return a, nil
}

func (a *App) initializeComponents() error {
	tracerCfg := tracing.DefaultConfig()
	tracerCfg.Enabled = a.config.Tracing.Enabled
	tracerCfg.Exporter = a.config.Tracing.Exporter
	tracerCfg.Endpoint = a.config.Tracing.Endpoint
	tracerCfg.SampleRate = a.config.Tracing.SampleRate
	tracerCfg.ServiceName = a.config.App.Name
	tracerCfg.ServiceVersion = a.config.App.Version
	tracerCfg.Environment = a.config.App.Environment
	tracer, err := tracing.NewManager(tracerCfg, a.logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	a.tracer = tracer

	flow, err := buildDataflow(a.config, a.logger)
	if err != nil {
		return fmt.Errorf("build dataflow: %w", err)
	}
	a.flow = flow

	if a.config.Recovery.Enabled {
		log, err := recovery.Open(a.config.Recovery.Path, a.logger)
		if err != nil {
			return fmt.Errorf("open recovery log: %w", err)
		}
		a.recoveryLog = log
	}

	if err := a.initWorkers(); err != nil {
		return fmt.Errorf("initialize workers: %w", err)
	}

	a.initHTTPServer()
	return nil
}

// initWorkers builds one scheduler.Worker per local worker slot (local
// transport) or exactly the one this process owns (grpc transport).
func (a *App) initWorkers() error {
	workerCount := a.config.Cluster.WorkerCount

	switch a.config.Cluster.Transport {
	case "grpc":
		return a.initGRPCWorker(workerCount)
	default:
		return a.initLocalWorkers(workerCount)
	}
}

func (a *App) initLocalWorkers(workerCount int) error {
	var cluster *local.Cluster
	var tr transport.Transport
	if workerCount > 1 {
		cluster = local.NewCluster(workerCount, 1024, a.logger)
	}

	a.workers = make([]*scheduler.Worker, workerCount)
	for i := 0; i < workerCount; i++ {
		if cluster != nil {
			tr = cluster.Transport(i)
		}
		w, err := scheduler.New(a.ctx, scheduler.Config{
			Dataflow:    a.flow,
			Store:       state.New(),
			WorkerIndex: i,
			WorkerCount: workerCount,
			Transport:   tr,
			Recovery:    a.recoveryLog,
			Tracer:      a.tracer,
			Logger:      a.logger,
		})
		if err != nil {
			return fmt.Errorf("build worker %d: %w", i, err)
		}
		a.workers[i] = w
	}
	return nil
}

func (a *App) initGRPCWorker(workerCount int) error {
	idx := a.config.Cluster.WorkerIndex
	addrs := a.config.Cluster.GRPCAddrs

	gs, server, listener, err := grpcx.Listen(a.config.Cluster.GRPCListen, 1024)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.config.Cluster.GRPCListen, err)
	}
	a.grpcServer = gs
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := gs.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			a.logger.WithError(err).Error("app: grpc transport server error")
		}
	}()

	dial := func(ctx context.Context, dest transport.WorkerAddr) (*grpc.ClientConn, error) {
		return grpc.NewClient(addrs[int(dest)], grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	tr := grpcx.NewTransport(transport.WorkerAddr(idx), dial, server)

	w, err := scheduler.New(a.ctx, scheduler.Config{
		Dataflow:    a.flow,
		Store:       state.New(),
		WorkerIndex: idx,
		WorkerCount: workerCount,
		Transport:   tr,
		Recovery:    a.recoveryLog,
		Tracer:      a.tracer,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("build worker %d: %w", idx, err)
	}
	a.workers = []*scheduler.Worker{w}
	return nil
}

func (a *App) initHTTPServer() {
	if !a.config.Server.Enabled {
		return
	}
	router := mux.NewRouter()
	a.registerHandlers(router)
	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port),
		Handler: router,
	}
}

// Start runs every worker in its own goroutine and, if configured, starts
// the control-plane HTTP server in the background.
func (a *App) Start() error {
	a.logger.Info("starting flowmesh")

	for i, w := range a.workers {
		w := w
		i := i
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := w.Run(a.ctx); err != nil && a.ctx.Err() == nil {
				a.logger.WithError(err).WithField("worker", i).Error("worker terminated")
				metrics.RecordError("scheduler", "worker_terminated")
			}
		}()
	}

	if a.httpServer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.WithField("addr", a.httpServer.Addr).Info("starting control-plane HTTP server")
			if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.WithError(err).Error("http server error")
			}
		}()
	}

	a.logger.Info("flowmesh started")
	return nil
}

// Stop cancels every worker's context, shuts down the HTTP server within
// a timeout, and waits for everything to exit.
func (a *App) Stop() error {
	a.logger.Info("stopping flowmesh")
	a.cancel()

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("http server shutdown error")
		}
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	a.wg.Wait()

	if a.recoveryLog != nil {
		if err := a.recoveryLog.Close(); err != nil {
			a.logger.WithError(err).Error("close recovery log")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("shutdown tracer")
	}

	a.logger.Info("flowmesh stopped")
	return nil
}

// Run starts the process and blocks until SIGINT/SIGTERM, then shuts down
// gracefully.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")
	return a.Stop()
}
