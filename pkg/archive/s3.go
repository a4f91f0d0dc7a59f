package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultAWSRegion is used for AWS S3 when neither config nor environment
// names a region.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3Sink. Credentials come from the AWS SDK default
// chain (environment, shared config, instance role).
type S3Config struct {
	Bucket string

	// Region is optional; the SDK resolves env/profile first.
	Region string

	// Endpoint targets an S3-compatible store (MinIO, Wasabi).
	Endpoint string

	Profile string

	// ForcePathStyle is implied when Endpoint is set.
	ForcePathStyle bool
}

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes payloads as objects in a bucket.
type S3Sink struct {
	client PutObjectAPI
	bucket string
}

// NewS3Sink builds a client from the default AWS credential chain.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client PutObjectAPI, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket}
}

func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	size := int64(len(data))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: &size,
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
