package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3-compatible destination.
type S3Config struct {
	Bucket         string
	Region         string // default "us-east-1"
	Endpoint       string // MinIO, R2 and other S3-compatible services
	Prefix         string // default "teamctx/"
	ForcePathStyle bool
}

// S3Destination stores snapshots as objects under a key prefix.
type S3Destination struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Destination = (*S3Destination)(nil)

// NewS3Destination loads AWS credentials the default way (env, shared config,
// instance role) and returns a destination for cfg.Bucket.
func NewS3Destination(ctx context.Context, cfg S3Config) (*S3Destination, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newS3Destination(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Destination(client *s3.Client, bucket, prefix string) *S3Destination {
	if prefix == "" {
		prefix = "teamctx/"
	}
	return &S3Destination{client: client, bucket: bucket, prefix: prefix}
}

func (d *S3Destination) Name() string { return "s3" }

func (d *S3Destination) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	key := d.prefix + filepath.Base(localPath)
	if _, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("upload to s3://%s/%s: %w", d.bucket, key, err)
	}
	slog.Info("backup uploaded", "destination", "s3", "bucket", d.bucket, "key", key)
	return key, nil
}

func (d *S3Destination) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	pages := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", d.bucket, d.prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, Info{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

func (d *S3Destination) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", d.bucket, key, err)
	}
	slog.Info("backup deleted", "destination", "s3", "bucket", d.bucket, "key", key)
	return nil
}
