package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the archive bucket settings
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver keeps a copy of every fetched feed in an S3-compatible bucket
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Archiver creates an archiver. An empty endpoint targets AWS itself.
func NewS3Archiver(ctx context.Context, cfg *S3Config, logger *slog.Logger) (*S3Archiver, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
			o.UsePathStyle = true
		}
	})

	return newS3Archiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Archiver(client objectPutter, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// endpointURL accepts a bare host or a full URL
func endpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, strings.TrimSuffix(endpoint, "/"))
}

// Key returns the object key of a run's raw feed
func (a *S3Archiver) Key(runID string, at time.Time) string {
	at = at.UTC()
	return path.Join(a.prefix, at.Format("2006"), at.Format("01"), at.Format("02"), runID+".xml")
}

// Store uploads the raw feed and returns its key
func (a *S3Archiver) Store(ctx context.Context, runID string, at time.Time, raw []byte) (string, error) {
	key := a.Key(runID, at)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/rss+xml"),
		Metadata:    map[string]string{"run-id": runID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive feed to s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Debug("Feed archived",
		slog.String("run_id", runID),
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int("bytes", len(raw)),
	)
	return key, nil
}
