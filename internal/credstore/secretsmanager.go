package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/connection"
)

type getSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource resolves credentials from AWS Secrets Manager. The
// secret for an identity is named prefix+identity and holds a JSON object
// with username, vpn_password and sso_password.
type SecretsManagerSource struct {
	client getSecretValueAPI
	prefix string
}

// NewSecretsManagerSource creates a source on an existing client.
func NewSecretsManagerSource(client getSecretValueAPI, prefix string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, prefix: prefix}
}

// NewSecretsManagerClient builds a client from configuration.
func NewSecretsManagerClient(cfg config.SecretsConfig) *secretsmanager.Client {
	awsCfg := aws.Config{Region: cfg.Region, RetryMaxAttempts: 3}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

type secretDocument struct {
	Username    string `json:"username"`
	VPNPassword string `json:"vpn_password"`
	SSOPassword string `json:"sso_password"`
}

// Credentials fetches and decodes the secret for identity.
func (s *SecretsManagerSource) Credentials(ctx context.Context, identity string) (connection.Credentials, error) {
	secretID := s.prefix + identity
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return connection.Credentials{}, fmt.Errorf("%w: secret %s", ErrNotFound, secretID)
		}
		return connection.Credentials{}, fmt.Errorf("GetSecretValue(%s): %w", secretID, err)
	}

	raw := []byte(aws.ToString(out.SecretString))
	if out.SecretString == nil {
		raw = out.SecretBinary
	}
	var doc secretDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return connection.Credentials{}, fmt.Errorf("decoding secret %s: %w", secretID, err)
	}
	if doc.VPNPassword == "" {
		return connection.Credentials{}, fmt.Errorf("secret %s has no vpn_password", secretID)
	}
	if doc.Username == "" {
		doc.Username = identity
	}
	return connection.Credentials{
		Username:    doc.Username,
		VPNPassword: doc.VPNPassword,
		SSOPassword: doc.SSOPassword,
	}, nil
}
