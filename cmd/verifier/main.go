package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auditor-zk/shared"
	"auditor-zk/transcript"
	"auditor-zk/verifier"

	"go.uber.org/zap"
)

const sweepInterval = 30 * time.Second

func main() {
	config, err := verifier.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := shared.NewLoggerFromEnv("verifier")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	transcript.SetLogger(logger.Logger)

	if !config.EnvFileLoaded {
		logger.Debug("No .env file found, using environment only")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	keys, err := verifier.NewKeySource(ctx, config, logger)
	if err != nil {
		cancel()
		logger.Fatal("Failed to set up key source", zap.Error(err))
	}
	signer, err := keys.Load(ctx)
	cancel()
	if err != nil {
		logger.Fatal("Failed to load signing key", zap.String("source", config.KeySource), zap.Error(err))
	}

	dialer, err := verifier.NewTLSTargetDialer(config.TargetCAFile)
	if err != nil {
		logger.Fatal("Failed to set up target dialer", zap.Error(err))
	}

	srv, err := verifier.NewServer(config, signer, dialer, logger)
	if err != nil {
		logger.Fatal("Failed to create verifier", zap.Error(err))
	}
	srv.Start(sweepInterval)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", config.Port),
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	logger.Info("Starting verifier",
		zap.Int("port", config.Port),
		zap.String("signer_key_id", signer.GetEthAddress().Hex()),
		zap.Int("max_sent_data", config.MaxSentData),
		zap.Int("max_recv_data", config.MaxRecvData),
		zap.Strings("allowed_servers", config.AllowedServers))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		logger.Critical("Server failed", zap.Error(err))
	}

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	srv.Close()

	logger.Info("Shutdown complete")
}
