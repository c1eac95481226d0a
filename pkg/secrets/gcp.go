package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Source resolves secret values by name.
type Source interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless a
// service account key file is given.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName),
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

type SecretNames struct {
	SMTPPassword string `mapstructure:"smtp_password"`
	JWTSecret    string `mapstructure:"jwt_secret"`

	// AccountPrefix is joined with the account name and a suffix, e.g.
	// okx-<account>-api-key.
	AccountPrefix string `mapstructure:"account_prefix"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		SMTPPassword:  "perpmartin-smtp-password",
		JWTSecret:     "perpmartin-api-jwt-secret",
		AccountPrefix: "okx",
	}
}

type AccountSecretNames struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Account returns the secret names holding one account's OKX credentials.
// A non-zero index distinguishes additional sub-accounts of the same group.
func (n SecretNames) Account(account string, index int) AccountSecretNames {
	base := n.AccountPrefix + "-" + account
	if index > 0 {
		base = fmt.Sprintf("%s-%d", base, index)
	}
	return AccountSecretNames{
		APIKey:     base + "-api-key",
		SecretKey:  base + "-secret-key",
		Passphrase: base + "-passphrase",
	}
}
