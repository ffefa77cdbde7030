package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func init() {
	Register("s3", openS3)
}

// s3Store reads a zarr store from an S3 bucket prefix. Credentials and
// endpoint come from the usual AWS environment; S3_ENDPOINT_URL points
// non-AWS object stores (MinIO, swift) at the right host.
type s3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func openS3(ctx context.Context, uri string) (Store, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	bucket := parsed.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 uri %q has no bucket", uri)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if key := os.Getenv("S3_ACCESS_KEY"); key != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, os.Getenv("S3_SECRET_KEY"), "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := os.Getenv("S3_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})
	return &s3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(parsed.Path, "/"),
	}, nil
}

func (s *s3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	full := s.key(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &full,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", full, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*obj.Key, prefix))
		}
	}
	return keys, nil
}
