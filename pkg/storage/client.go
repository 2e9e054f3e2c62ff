// Package storage serves firmware manifests and parts from S3 buckets
// addressed as s3://bucket/key URLs.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/fetch"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectAPI is the subset of the S3 client used here
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client ObjectAPI
}

// Options configures the S3 client
type Options struct {
	Region    string
	Endpoint  string
	Anonymous bool
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "region", opts.Region, "endpoint", opts.Endpoint, "anonymous", opts.Anonymous)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	var s3Client *s3.Client
	if opts.Endpoint != "" {
		s3Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		s3Client = s3.NewFromConfig(cfg)
	}

	slog.Info("s3_client_created", "region", opts.Region)

	return &Client{s3Client: s3Client}, nil
}

// NewClientWithAPI wraps an existing object API
func NewClientWithAPI(api ObjectAPI) *Client {
	return &Client{s3Client: api}
}

// ParseURL splits an s3://bucket/key URL
func ParseURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid s3 url")
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must name a bucket and key: %s", rawURL)
	}
	return u.Host, key, nil
}

// Fetch implements fetch.Fetcher. Missing keys and buckets surface as 404
// responses; access denials as 403.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*fetch.Response, error) {
	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if status := statusFor(err); status != 0 {
			slog.Warn("s3_get_object_status", "bucket", bucket, "s3_key", key, "status", status)
			return &fetch.Response{URL: rawURL, StatusCode: status}, nil
		}
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	slog.Info("s3_download_complete", "bucket", bucket, "s3_key", key, "size_kb", len(body)/1024)

	return &fetch.Response{URL: rawURL, StatusCode: http.StatusOK, Body: body}, nil
}

func statusFor(err error) int {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return http.StatusNotFound
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return http.StatusNotFound
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
