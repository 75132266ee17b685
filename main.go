package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/example/ocr-relay/internal/config"
	"github.com/example/ocr-relay/internal/handlers"
	"github.com/example/ocr-relay/internal/logging"
	"github.com/example/ocr-relay/internal/recognizer"
	"github.com/example/ocr-relay/internal/registry"
	"github.com/example/ocr-relay/internal/storage"
	"github.com/example/ocr-relay/internal/usecase"
)

func main() {
	// Running without a .env file is the normal production case.
	_ = godotenv.Load()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	store, err := storage.NewLocalStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal("failed to initialize upload storage", zap.Error(err))
	}

	reg := initRegistry(cfg, logger)
	client := recognizer.NewHTTPClient(cfg.RecognizerURL, cfg.DispatchTimeout, logger)
	uc := usecase.NewProcessingUseCase(reg, store, client, cfg.CallbackURL(), logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	logger.Info("OCR relay listening",
		zap.String("addr", cfg.Addr()),
		zap.String("recognizer_url", cfg.RecognizerURL),
		zap.String("callback_url", cfg.CallbackURL()),
		zap.String("registry_backend", cfg.RegistryBackend))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DispatchTimeout)
	defer cancel()
	if err := uc.Drain(drainCtx); err != nil {
		logger.Warn("shutdown with dispatches still in flight", zap.Error(err))
	}
}

func initRegistry(cfg *config.Config, logger *zap.Logger) registry.Registry {
	if cfg.RegistryBackend != config.BackendRedis {
		return registry.NewMemoryRegistry()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.RedisAddr))
	}
	return registry.NewRedisRegistry(client, cfg.RecordTTL, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
