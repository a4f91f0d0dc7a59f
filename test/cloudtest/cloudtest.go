// Package cloudtest runs archive tests against a local moto S3 endpoint.
//
// Tests using this package are tagged //go:build cloudintegration and skip
// themselves when the endpoint is unreachable:
//
//	cloudtest.SkipIfUnavailable(t)
//	bucket := cloudtest.CreateBucket(t, ctx)
//	sink, _ := archive.NewS3Sink(ctx, cloudtest.SinkConfig(t, bucket))
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/retractionwatch/scraperd/pkg/archive"
)

const (
	// DefaultEndpoint avoids port 5000, which macOS AirPlay holds.
	DefaultEndpoint = "http://localhost:5555"
	DefaultRegion   = "us-east-1"

	accessKeyID     = "testing"
	secretAccessKey = "testing"
)

var (
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)
	Region   = envOr("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Available reports whether the moto control API answers.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s", Endpoint)
	}
}

// Client returns a shared S3 client pointed at moto with static test
// credentials.
func Client(t *testing.T) *s3.Client {
	t.Helper()
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	if clientErr != nil {
		t.Fatalf("s3 client: %v", clientErr)
	}
	return client
}

// SinkConfig points an archive S3 sink at moto. The sink resolves
// credentials from the environment, so they are set for the test.
func SinkConfig(t *testing.T, bucket string) archive.S3Config {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", accessKeyID)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretAccessKey)
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	return archive.S3Config{
		Bucket:   bucket,
		Region:   Region,
		Endpoint: Endpoint,
	}
}

// CreateBucket makes a uniquely named bucket that is emptied and removed
// when the test ends.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	c := Client(t)
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, name) })
	return name
}

func deleteBucket(t *testing.T, bucket string) {
	ctx := context.Background()
	c := Client(t)

	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("warning: list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: delete %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: delete bucket %s: %v", bucket, err)
	}
}

// GetObject returns an archived payload and its content type.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) ([]byte, string) {
	t.Helper()

	out, err := Client(t).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		t.Fatalf("get s3://%s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read s3://%s/%s: %v", bucket, key, err)
	}
	return data, aws.ToString(out.ContentType)
}
