package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/in/rest"
	kafka_adapter "github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/kafka"
	memory_adapter "github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-economy-ledger/internal/app/core/adapter/out/postgres"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-economy-ledger/internal/config"
	"github.com/JoeShih716/go-economy-ledger/pkg/mysql"
	"github.com/JoeShih716/go-economy-ledger/pkg/postgres"
	"github.com/JoeShih716/go-economy-ledger/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log := cfg.Log.NewLogger()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("economyd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化儲存層
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", "err", err)
		}
	}()

	// 3. 初始化 UseCase
	opts := []usecase.Option{
		usecase.WithLogger(log),
		usecase.WithOptions(usecase.Options{
			MaxRetries:          cfg.Ledger.MaxRetries,
			RetryBackoff:        cfg.Ledger.RetryBackoff,
			RequireOpenAccounts: cfg.Ledger.RequireOpenAccounts,
			DefaultPageSize:     cfg.Ledger.DefaultPageSize,
			MaxPageSize:         cfg.Ledger.MaxPageSize,
			CurrencyScale:       cfg.Ledger.CurrencyScale,
		}),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := kafka_adapter.NewPublisher(cfg.Kafka, log)
		defer publisher.Close()
		opts = append(opts, usecase.WithPublisher(publisher))
		log.Info("publishing transaction events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	engine := usecase.NewEngine(store, opts...)

	// 4. 啟動 HTTP 與 gRPC
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      rest.NewServer(engine, cfg.HTTP.AdminToken, cfg.Ledger.CurrencyScale, log).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info("starting http server", "addr", cfg.HTTP.Addr, "driver", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *gogrpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = gogrpc.NewServer(gogrpc.UnaryInterceptor(grpc_adapter.UnaryLogger(log)))
		grpc_adapter.Register(grpcServer, grpc_adapter.NewGrpcServer(engine, cfg.HTTP.AdminToken, cfg.Ledger.CurrencyScale))
		reflection.Register(grpcServer)
		go func() {
			log.Info("starting grpc server", "addr", cfg.GRPC.Addr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// Graceful Shutdown
	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err := <-errCh:
		log.Error("server failed, shutting down", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	log.Info("server exited")
	return nil
}

// openStore 依 storage.driver 建立對應的 Store
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (usecase.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory, config.DriverSequenced:
		var w *wal.WAL
		if cfg.Storage.WALPath != "" {
			var err error
			if w, err = wal.Open(cfg.Storage.WALPath); err != nil {
				return nil, fmt.Errorf("open wal: %w", err)
			}
		}
		if cfg.Storage.Driver == config.DriverMemory {
			s, err := memory_adapter.NewMutexStore(w)
			if err != nil {
				closeWAL(w)
				return nil, err
			}
			return s, nil
		}
		s, err := memory_adapter.NewSequencedStore(w, cfg.Storage.QueueSize)
		if err != nil {
			closeWAL(w)
			return nil, err
		}
		s.Start(context.Background())
		return s, nil

	case config.DriverMySQL:
		client, err := mysql.NewClient(ctx, cfg.MySQL, log)
		if err != nil {
			return nil, err
		}
		s := mysql_adapter.NewStore(client)
		if cfg.Storage.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil

	case config.DriverPostgres:
		client, err := postgres.NewClient(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, err
		}
		s := postgres_adapter.NewStore(client)
		if cfg.Storage.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func closeWAL(w *wal.WAL) {
	if w != nil {
		w.Close()
	}
}
