package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auditor-zk/attestation"
	"auditor-zk/channel"
	"auditor-zk/prover"
	"auditor-zk/shared"
	"auditor-zk/transcript"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const retryInterval = 2 * time.Second

// summary is printed on stdout. It carries the decision, never the balance.
type summary struct {
	SessionID       string `json:"session_id"`
	Qualifies       bool   `json:"qualifies"`
	Threshold       string `json:"threshold"`
	SignerKeyID     string `json:"signer_key_id"`
	AttestationPath string `json:"attestation_path"`
}

func main() {
	config, err := prover.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := shared.NewLoggerFromEnv("prover")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	transcript.SetLogger(logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime := prover.NewRelayRuntime(channel.RelayOptions{Logger: logger})

	result, err := runWithRetry(ctx, config, runtime, logger)
	if err != nil {
		logger.Error("Attestation failed",
			zap.String("kind", string(shared.KindOf(err))),
			zap.Error(err))
		os.Exit(1)
	}

	if err := attestation.SaveFile(config.AttestationOut, result.Attestation); err != nil {
		logger.Error("Failed to write attestation", zap.String("path", config.AttestationOut), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Attestation received",
		zap.String("session_id", result.SessionID),
		zap.Bool("qualifies", result.Decision.Qualifies),
		zap.String("threshold", result.Decision.Threshold.String()),
		zap.String("path", config.AttestationOut))

	out, _ := json.MarshalIndent(summary{
		SessionID:       result.SessionID,
		Qualifies:       result.Decision.Qualifies,
		Threshold:       result.Decision.Threshold.String(),
		SignerKeyID:     result.Attestation.SignerKeyID,
		AttestationPath: config.AttestationOut,
	}, "", "  ")
	fmt.Println(string(out))

	if !result.Decision.Qualifies {
		os.Exit(3)
	}
}

// runWithRetry runs fresh sessions until one succeeds, a non-transient error
// occurs or MaxAttempts is reached. The channel engine is loaded once.
func runWithRetry(ctx context.Context, config *prover.Config, runtime *prover.Runtime, logger *shared.Logger) (*prover.Result, error) {
	var result *prover.Result
	attempt := 0

	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, config.DefaultAttemptTimeout())
		defer cancel()

		o := prover.NewOrchestrator(config, runtime, logger)
		o.OnPhaseChange = func(s prover.Status) {
			logger.Debug("Session status", zap.Int("attempt", attempt), zap.String("phase", s.Phase.String()))
		}
		r, err := o.Run(attemptCtx)
		if err != nil {
			if !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), uint64(config.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logger.Warn("Attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	return result, err
}

// transient reports whether a fresh session could succeed where this one
// failed.
func transient(err error) bool {
	switch shared.KindOf(err) {
	case shared.KindVerifierUnreachable,
		shared.KindSetupTimeout,
		shared.KindResponseTimeout,
		shared.KindChannelClosed:
		return true
	}
	return false
}
