package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/supa/internal/config"
	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/httpapi"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/nbi"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/internal/observability"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/internal/store/sqlite"
	"github.com/signalsfoundry/supa/timectrl"
)

const serviceName = "supa"

// agent holds the components of a running provider, in start order.
type agent struct {
	cfg   config.Config
	log   logging.Logger
	clock timectrl.Clock

	registry   *prometheus.Registry
	rpcMetrics *observability.RPCCollector
	connGauges *observability.ConnectionCollector

	store    store.Store
	results  dispatch.ResultStore
	notifier *nsi.RequesterNotifier
	disp     *dispatch.Dispatcher
	sched    *scheduler.Scheduler
	mgr      *connection.Manager
	checks   map[string]httpapi.HealthCheck
}

// run serves until ctx is cancelled. lis overrides cfg.GRPCListen when set.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: serviceName,
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	a, err := newAgent(cfg, log, timectrl.Real())
	if err != nil {
		return err
	}
	defer a.close()

	if lis == nil {
		lis, err = net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCListen, err)
		}
	}
	return a.serve(ctx, lis)
}

func newAgent(cfg config.Config, log logging.Logger, clock timectrl.Clock) (*agent, error) {
	a := &agent{
		cfg:      cfg,
		log:      log,
		clock:    clock,
		registry: prometheus.NewRegistry(),
		checks:   make(map[string]httpapi.HealthCheck),
	}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *agent) init() error {
	var err error
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.rpcMetrics, err = observability.NewRPCCollector(a.registry); err != nil {
		return fmt.Errorf("rpc metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(a.registry)
	if err != nil {
		return fmt.Errorf("scheduler metrics: %w", err)
	}
	dispMetrics, err := observability.NewDispatchCollector(a.registry)
	if err != nil {
		return fmt.Errorf("dispatch metrics: %w", err)
	}
	if a.connGauges, err = observability.NewConnectionCollector(a.registry); err != nil {
		return fmt.Errorf("connection metrics: %w", err)
	}

	if a.store, err = openStore(a.cfg.DatabaseFile, a.clock); err != nil {
		return err
	}
	if a.results, err = a.openResults(); err != nil {
		return err
	}

	a.notifier = nsi.NewRequesterNotifier()
	a.disp = dispatch.New(dispatch.Config{
		Notifier:        a.notifier,
		Results:         a.results,
		Workers:         a.cfg.DeliveryWorkers,
		DeliveryTimeout: a.cfg.DeliveryTimeout,
		Clock:           a.clock,
		Log:             a.log.With(logging.String("component", "dispatch")),
		Metrics:         dispMetrics,
	})
	a.sched = scheduler.New(scheduler.Config{
		Workers: a.cfg.SchedulerMaxWorkers,
		Clock:   a.clock,
		Log:     a.log.With(logging.String("component", "scheduler")),
		Metrics: schedMetrics,
	})
	a.mgr = connection.New(connection.Config{
		DomainName:   a.cfg.DomainName,
		ProviderNSA:  a.cfg.ProviderNSA,
		HoldTimeout:  a.cfg.HoldTimeout,
		StoreTimeout: a.cfg.StoreTimeout,
		PortCapacity: a.cfg.PortCapacity,
	}, a.store, a.sched, a.disp, a.clock, a.log.With(logging.String("component", "connection")))
	a.mgr.Subscribe(a.connGauges.Observe)
	return nil
}

func openStore(path string, clock timectrl.Clock) (store.Store, error) {
	if path == config.MemoryDatabase {
		return store.NewMemory(clock.Now), nil
	}
	repo, err := sqlite.Open(path, clock.Now)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return repo, nil
}

func (a *agent) openResults() (dispatch.ResultStore, error) {
	if a.cfg.ResultCache == "" {
		return dispatch.NewMemoryResults(), nil
	}
	rr, err := dispatch.NewRedisResults(a.cfg.ResultCache, serviceName, a.cfg.ResultTTL)
	if err != nil {
		return nil, err
	}
	a.checks["result-cache"] = rr.Ping
	return rr, nil
}

// serve recovers interrupted work, then runs the scheduler, the gRPC server
// and the admin HTTP server until ctx is cancelled.
func (a *agent) serve(ctx context.Context, lis net.Listener) error {
	recovered, err := a.mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover connections: %w", err)
	}
	if err := a.seedGauges(ctx); err != nil {
		return err
	}
	a.log.Info(ctx, "connections recovered", logging.Int("count", recovered))

	a.disp.Start(ctx)
	defer a.disp.Stop()

	grpcServer := a.newGRPCServer()
	httpServer := a.newHTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sched.Run(gctx, a.mgr)
	})
	g.Go(func() error {
		a.log.Info(gctx, "serving ConnectionProvider", logging.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if httpServer != nil {
		g.Go(func() error {
			a.log.Info(gctx, "serving admin HTTP", logging.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info(context.Background(), "shutting down")
		a.shutdown(grpcServer, httpServer)
		return nil
	})
	return g.Wait()
}

// seedGauges accounts for records that existed before this process started.
func (a *agent) seedGauges(ctx context.Context) error {
	cs, err := a.mgr.QuerySummary(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("load connections: %w", err)
	}
	for _, c := range cs {
		a.connGauges.Observe(c)
	}
	return nil
}

func (a *agent) newGRPCServer() *grpc.Server {
	workers := uint32(a.cfg.GRPCMaxWorkers)
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.NumStreamWorkers(workers),
		grpc.MaxConcurrentStreams(workers),
		grpc.ChainUnaryInterceptor(
			nbi.RequestIDUnaryServerInterceptor(a.log),
			nbi.RecoveryUnaryServerInterceptor(a.log),
			a.rpcMetrics.UnaryServerInterceptor(),
			nbi.TracingUnaryServerInterceptor(),
		),
	)
	nsi.RegisterProviderServer(srv, nbi.NewProviderService(a.mgr, a.cfg.ProviderNSA, a.log))
	return srv
}

func (a *agent) newHTTPServer() *http.Server {
	if a.cfg.HTTPListen == "" {
		return nil
	}
	a.checks["store"] = func(ctx context.Context) error {
		_, err := a.store.List(ctx, store.Filter{ConnectionIDs: []string{"healthz"}})
		return err
	}
	router := httpapi.NewRouter(purgeTracker{Manager: a.mgr, gauges: a.connGauges}, httpapi.Options{
		Metrics: a.rpcMetrics.Handler(),
		Checks:  a.checks,
		Log:     a.log.With(logging.String("component", "http")),
	})
	return &http.Server{
		Addr:              a.cfg.HTTPListen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *agent) shutdown(grpcServer *grpc.Server, httpServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		a.log.Warn(ctx, "graceful gRPC stop timed out; forcing")
		grpcServer.Stop()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			a.log.Warn(ctx, "admin http shutdown failed", logging.Err(err))
		}
	}
}

// close releases everything newAgent opened. It tolerates a partial init.
func (a *agent) close() {
	ctx := context.Background()
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Warn(ctx, "closing requester connections failed", logging.Err(err))
		}
	}
	if rr, ok := a.results.(*dispatch.RedisResults); ok {
		if err := rr.Close(); err != nil {
			a.log.Warn(ctx, "closing result cache failed", logging.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn(ctx, "closing store failed", logging.Err(err))
		}
	}
}

// purgeTracker drops purged records from the connection gauges.
type purgeTracker struct {
	*connection.Manager
	gauges *observability.ConnectionCollector
}

func (p purgeTracker) Purge(ctx context.Context, connectionID string) error {
	if err := p.Manager.Purge(ctx, connectionID); err != nil {
		return err
	}
	p.gauges.Forget(connectionID)
	return nil
}

var _ httpapi.ConnectionReader = purgeTracker{}
