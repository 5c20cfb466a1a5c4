package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-importer/shared/logger"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	if params.Body != nil {
		f.body, _ = io.ReadAll(params.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Store(t *testing.T) {
	putter := &fakePutter{}
	a := newS3Archiver(putter, "feeds", "/raw/", logger.NewNop())

	at := time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	key, err := a.Store(context.Background(), "run-1", at, []byte("<rss/>"))
	require.NoError(t, err)

	// dated by UTC
	assert.Equal(t, "raw/2025/03/10/run-1.xml", key)
	require.NotNil(t, putter.input)
	assert.Equal(t, "feeds", aws.ToString(putter.input.Bucket))
	assert.Equal(t, key, aws.ToString(putter.input.Key))
	assert.Equal(t, "application/rss+xml", aws.ToString(putter.input.ContentType))
	assert.Equal(t, "<rss/>", string(putter.body))
	assert.Equal(t, "run-1", putter.input.Metadata["run-id"])
}

func TestS3Archiver_StoreError(t *testing.T) {
	a := newS3Archiver(&fakePutter{err: errors.New("access denied")}, "feeds", "", logger.NewNop())

	_, err := a.Store(context.Background(), "run-2", time.Now(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Contains(t, err.Error(), "s3://feeds/")
}

func TestS3Archiver_KeyWithoutPrefix(t *testing.T) {
	a := newS3Archiver(&fakePutter{}, "feeds", "", logger.NewNop())
	assert.Equal(t, "2025/01/02/r.xml", a.Key("r", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		useSSL   bool
		want     string
	}{
		{endpoint: "localhost:9000", want: "http://localhost:9000"},
		{endpoint: "s3.example.com", useSSL: true, want: "https://s3.example.com"},
		{endpoint: "https://r2.example.com/", want: "https://r2.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, endpointURL(tt.endpoint, tt.useSSL))
	}
}

func TestNewS3Archiver(t *testing.T) {
	a, err := NewS3Archiver(context.Background(), &S3Config{
		Endpoint:  "localhost:9000",
		Bucket:    "feeds",
		AccessKey: "minio",
		SecretKey: "minio123",
	}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "feeds", a.bucket)
}
