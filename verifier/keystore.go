package verifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"auditor-zk/shared"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// KeySource provides the verifier's long-term attestation signing key.
type KeySource interface {
	Load(ctx context.Context) (*shared.SigningKeyPair, error)
}

// NewKeySource selects the key custody backend from cfg.
func NewKeySource(ctx context.Context, cfg *Config, logger *shared.Logger) (KeySource, error) {
	switch cfg.KeySource {
	case "gcp":
		store, err := NewGCPSecretStore(ctx)
		if err != nil {
			return nil, err
		}
		return &GCPKeySource{
			store:      store,
			projectID:  cfg.GoogleProjectID,
			secretID:   cfg.SigningKeySecret,
			pubKeyPath: cfg.PubKeyPath,
			logger:     logger,
		}, nil
	default:
		return &FileKeySource{KeyPath: cfg.KeyPath, PubKeyPath: cfg.PubKeyPath, logger: logger}, nil
	}
}

// FileKeySource keeps the key in a hex file, generating it on first start.
type FileKeySource struct {
	KeyPath    string
	PubKeyPath string
	logger     *shared.Logger
}

func (f *FileKeySource) Load(ctx context.Context) (*shared.SigningKeyPair, error) {
	logger := f.logger
	if logger == nil {
		logger = shared.NopLogger()
	}

	privateKey, err := crypto.LoadECDSA(f.KeyPath)
	switch {
	case err == nil:
		logger.Info("Loaded signing key", zap.String("path", f.KeyPath))
	case errors.Is(err, os.ErrNotExist):
		privateKey, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(f.KeyPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %v", err)
		}
		if err := crypto.SaveECDSA(f.KeyPath, privateKey); err != nil {
			return nil, fmt.Errorf("failed to persist signing key: %v", err)
		}
		logger.Info("Generated new signing key", zap.String("path", f.KeyPath))
	default:
		return nil, fmt.Errorf("failed to load signing key from %s: %v", f.KeyPath, err)
	}

	kp := shared.NewSigningKeyPair(privateKey)
	if err := writePublicKey(f.PubKeyPath, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// writePublicKey exports the compressed public key as hex so auditors can
// verify attestations offline.
func writePublicKey(path string, kp *shared.SigningKeyPair) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create public key directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(kp.PublicKeyHex()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %v", err)
	}
	return nil
}
