package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/coldchain-ledger/internal/api/handler"
	"github.com/jmerrifield20/coldchain-ledger/internal/bootstrap"
	"github.com/jmerrifield20/coldchain-ledger/internal/compliance"
	"github.com/jmerrifield20/coldchain-ledger/internal/config"
	"github.com/jmerrifield20/coldchain-ledger/internal/integrity"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load("ledgerd")
	if err != nil {
		return err
	}
	if cfg.FromFile == "" {
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Audit ledger ─────────────────────────────────────────────────────────
	ledger, closeStore, err := bootstrap.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("audit ledger ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("algorithm", ledger.Hasher().Algorithm()),
	)

	tokens, err := bootstrap.Issuer(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if tokens == nil {
		logger.Warn("auth.token_secret not set, audit API is unauthenticated")
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	healthSvc := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSvc.SetServingStatus(integrity.ServiceName, healthpb.HealthCheckResponse_UNKNOWN)
	reflection.Register(grpcServer)

	// ── Integrity job ────────────────────────────────────────────────────────
	checker := integrity.New(ledger, bootstrap.Notifier(cfg.Notify, logger), healthSvc, integrity.Config{
		Schedule: cfg.Integrity.Schedule,
		OnStart:  cfg.Integrity.OnStart,
	}, logger)
	if err := checker.Start(ctx); err != nil {
		return err
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	auditHandler := handler.NewAuditHandler(ledger, compliance.NewExporter(ledger, logger), tokens, logger)
	router := handler.NewRouter(ctx, handler.RouterConfig{
		Audit:          auditHandler,
		CORSOrigins:    cfg.Server.CORSOrigins,
		AllowAnyOrigin: cfg.Server.AllowsAnyOrigin(),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		Integrity: func() (bool, bool) {
			last := checker.Last()
			return last != nil, last.Healthy()
		},
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	cancel() // stop scheduler and rate-limit janitor
	healthSvc.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("ledgerd stopped")
	return nil
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
