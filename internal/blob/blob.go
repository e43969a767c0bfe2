// Package blob implements C8, the blob store adapter: it stores and
// retrieves serialized verification reports by opaque key against an
// S3-compatible backend, spec.md §4.8/§6.
package blob

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// Ref is the opaque triple a successful upload returns, spec.md §3/§4.8.
type Ref struct {
	Filename string
	Key      string
	Bucket   string
}

// Store is C8's contract: upload a JSON payload under a fresh key, or
// delete one by key. No content-hashing or dedup, per spec.md §4.8.
type Store interface {
	UploadJSON(ctx context.Context, payload []byte) (Ref, error)
	Delete(ctx context.Context, key string) error
}

// Config controls the S3-compatible backend, spec.md §6.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
}

// S3Store is the concrete Store backed by aws-sdk-go-v2's S3 client,
// pointed at any S3-compatible endpoint (MinIO, R2, AWS S3 itself).
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ Store = (*S3Store)(nil)

// New builds an S3Store from cfg. When cfg.Endpoint is set, path-style
// addressing is used (required by most non-AWS S3-compatible backends).
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, apperr.BlobError("configure", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// NewWithClient wraps an existing *s3.Client, used by tests against a
// local stub endpoint.
func NewWithClient(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// UploadJSON writes payload under a fresh UUID key as
// `application/json`, spec.md §4.8/§6.
func (s *S3Store) UploadJSON(ctx context.Context, payload []byte) (Ref, error) {
	key := uuid.NewString() + ".json"
	contentType := "application/json"

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Ref{}, apperr.BlobError("upload", err)
	}

	return Ref{Filename: key, Key: key, Bucket: s.bucket}, nil
}

// Delete removes the object at key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.BlobError("delete", err)
	}
	return nil
}
