package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/bronze"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/core"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/core/async"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/decision"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/silver"
)

// healthService is the name reported by the gRPC health endpoint.
const healthService = "underwriting.pipeline"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(common.ExitCode(err))
	}
	if cfg.Daemon.Dispatch {
		if err := cfg.ValidateDispatch(); err != nil {
			logger.Error("invalid decision engine configuration", "error", err)
			os.Exit(common.ExitCode(err))
		}
	}
	if err := os.MkdirAll(cfg.Daemon.InboxDir, 0o755); err != nil {
		logger.Error("creating inbox", "dir", cfg.Daemon.InboxDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("pipelined stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func serve(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	store, err := lake.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing data lake", "error", err)
		}
	}()
	if err := lake.HealthCheck(ctx, store.Backend(), 3*time.Second, logger); err != nil {
		return err
	}
	logger.Info("lake health OK", "root", cfg.Lake.Root)

	var engine decision.Engine
	if cfg.Daemon.Dispatch {
		engine = decision.NewClient(cfg.Decision, logger)
	}
	pipeline := core.NewPipeline(
		store,
		silver.NewMerger(store, constants.SilverTable, cfg.Silver.ExtraKeyColumns, logger),
		ledger.New(store, constants.LedgerTable, logger),
		engine,
		logger,
		core.WithResendAfter(cfg.Decision.ResendAfter),
	)
	queue := async.NewRunQueue(pipeline, logger,
		async.WithWorkers(cfg.Daemon.Workers),
		async.WithQueueSize(cfg.Daemon.QueueSize),
		async.WithRunTimeout(cfg.Daemon.RunTimeout),
	)

	// gRPC health + reflection for grpcurl
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.Daemon.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.Daemon.GRPCAddr)
	if err != nil {
		return err
	}

	events, watchErrs, err := bronze.Watch(ctx, bronze.WatchConfig{
		Roots:       []string{cfg.Daemon.InboxDir},
		InitialScan: true,
		Debounce:    cfg.Daemon.Debounce,
		Logger:      logger,
	})
	if err != nil {
		_ = lis.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC serving", "addr", cfg.Daemon.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("metrics serving", "addr", cfg.Daemon.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case path, ok := <-events:
				if !ok {
					return nil
				}
				job := async.Job{Path: path, WriteMode: constants.WriteModeMerge, Dispatch: cfg.Daemon.Dispatch}
				if err := queue.Enqueue(gctx, job); err != nil {
					logger.Warn("dropped inbox file", "path", path, "error", err)
				}
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
					continue
				}
				logger.Warn("inbox watcher error", "error", err)
			case <-gctx.Done():
				return nil
			}
		}
	})

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		hs.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.RunTimeout)
		defer cancel()
		queue.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
