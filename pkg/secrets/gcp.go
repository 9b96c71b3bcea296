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

// Getter is the read side of a secret store.
type Getter interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or with
// the service account key at credentialsFile when it is set.
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
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
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
	BackpackAPIKey    string `mapstructure:"backpack_api_key"`
	BackpackSecretKey string `mapstructure:"backpack_secret_key"`
	AsterAPIKey       string `mapstructure:"aster_api_key"`
	AsterSecretKey    string `mapstructure:"aster_secret_key"`
	AdminPassword     string `mapstructure:"admin_password"`
	JWTSecret         string `mapstructure:"jwt_secret"`
	DatabaseURL       string `mapstructure:"database_url"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		BackpackAPIKey:    "mmbot-backpack-api-key",
		BackpackSecretKey: "mmbot-backpack-secret-key",
		AsterAPIKey:       "mmbot-aster-api-key",
		AsterSecretKey:    "mmbot-aster-secret-key",
		AdminPassword:     "mmbot-admin-password",
		JWTSecret:         "mmbot-jwt-secret",
		DatabaseURL:       "mmbot-database-url",
	}
}

// Fill sets each empty *target from the named secret, leaving values that
// are already configured untouched.
func Fill(ctx context.Context, g Getter, targets map[string]*string) int {
	loaded := 0
	for secretName, target := range targets {
		if *target != "" || secretName == "" {
			continue
		}
		if v := g.GetSecretWithDefault(ctx, secretName, ""); v != "" {
			*target = v
			loaded++
		}
	}
	return loaded
}
