package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/campuslink/campuslink/internal/config"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps captures as objects under bucket/prefix/<hash>.
type S3Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Store creates a store on an existing client.
func NewS3Store(client putObjectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Client builds an S3 client from configuration. Static keys are used
// when present; a custom endpoint selects S3-compatible storage.
func NewS3Client(cfg config.S3Config) *s3.Client {
	awsCfg := aws.Config{Region: cfg.Region}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
}

// Put uploads content under its hash.
func (s *S3Store) Put(ctx context.Context, label string, content []byte) (string, error) {
	hash := ContentHash(content)
	key := path.Join(s.prefix, hash)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"label": url.QueryEscape(label)},
	})
	if err != nil {
		return "", fmt.Errorf("uploading capture %s: %w", key, err)
	}
	return hash, nil
}
