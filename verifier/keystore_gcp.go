package verifier

import (
	"context"
	"encoding/hex"
	"fmt"

	"auditor-zk/shared"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretspb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SecretStore is the subset of Secret Manager the key source needs.
type SecretStore interface {
	CreateIfNotExists(ctx context.Context, projectID, secretID string) error
	AddVersion(ctx context.Context, projectID, secretID string, payload []byte) error
	AccessLatest(ctx context.Context, projectID, secretID string) ([]byte, error)
}

type gcpSecretStore struct {
	client *secretmanager.Client
}

// NewGCPSecretStore connects to Secret Manager with ambient credentials.
func NewGCPSecretStore(ctx context.Context) (SecretStore, error) {
	c, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %v", err)
	}
	return &gcpSecretStore{client: c}, nil
}

func (g *gcpSecretStore) CreateIfNotExists(ctx context.Context, projectID, secretID string) error {
	_, err := g.client.CreateSecret(ctx, &secretspb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", projectID),
		SecretId: secretID,
		Secret: &secretspb.Secret{
			Replication: &secretspb.Replication{Replication: &secretspb.Replication_Automatic_{}},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return err
	}
	return nil
}

func (g *gcpSecretStore) AddVersion(ctx context.Context, projectID, secretID string, payload []byte) error {
	_, err := g.client.AddSecretVersion(ctx, &secretspb.AddSecretVersionRequest{
		Parent:  fmt.Sprintf("projects/%s/secrets/%s", projectID, secretID),
		Payload: &secretspb.SecretPayload{Data: payload},
	})
	return err
}

func (g *gcpSecretStore) AccessLatest(ctx context.Context, projectID, secretID string) ([]byte, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretspb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID),
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload.GetData(), nil
}

// GCPKeySource keeps the hex encoded key in Secret Manager. A missing secret
// is created with a fresh key; any other access error is fatal so a transient
// outage never rotates the key.
type GCPKeySource struct {
	store      SecretStore
	projectID  string
	secretID   string
	pubKeyPath string
	logger     *shared.Logger
}

func (g *GCPKeySource) Load(ctx context.Context) (*shared.SigningKeyPair, error) {
	payload, err := g.store.AccessLatest(ctx, g.projectID, g.secretID)
	switch {
	case err == nil:
		kp, err := shared.SigningKeyPairFromHex(string(payload))
		if err != nil {
			return nil, err
		}
		g.logger.Info("Loaded signing key from Secret Manager", zap.String("secret", g.secretID))
		return kp, writePublicKey(g.pubKeyPath, kp)

	case status.Code(err) == codes.NotFound:
		privateKey, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %v", err)
		}
		if err := g.store.CreateIfNotExists(ctx, g.projectID, g.secretID); err != nil {
			return nil, fmt.Errorf("failed to create secret %s: %v", g.secretID, err)
		}
		encoded := []byte(hex.EncodeToString(crypto.FromECDSA(privateKey)))
		if err := g.store.AddVersion(ctx, g.projectID, g.secretID, encoded); err != nil {
			return nil, fmt.Errorf("failed to store signing key: %v", err)
		}
		g.logger.Info("Generated signing key in Secret Manager", zap.String("secret", g.secretID))
		kp := shared.NewSigningKeyPair(privateKey)
		return kp, writePublicKey(g.pubKeyPath, kp)

	default:
		return nil, fmt.Errorf("failed to access secret %s: %v", g.secretID, err)
	}
}
