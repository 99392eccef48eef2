// Package archive keeps raw provider payloads (webhook deliveries and
// imported records) on local disk or in S3 for later audit.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fieldservice/internal/config"
	"fieldservice/internal/errors"
)

// Archiver stores one object and returns where it went.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks S3 when a bucket is configured, local disk otherwise, and
// Discard when neither is set.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	}
	if cfg.ArchiveDir != "" {
		return &Local{BaseDir: cfg.ArchiveDir}, nil
	}
	return Discard{}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// WebhookKey files a delivery under its receive date.
func WebhookKey(eventID string, at time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s.json", at.UTC().Format("2006/01/02"), sanitizeKey(eventID))
}

// ImportKey files an imported provider record.
func ImportKey(recordID string) string {
	return "imports/" + sanitizeKey(recordID) + ".json"
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// Local writes objects under BaseDir.
type Local struct {
	BaseDir string
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", errors.Wrap(err, "write file")
	}
	return path, nil
}

// S3 writes objects to a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Discard drops everything.
type Discard struct{}

func (Discard) Put(context.Context, string, []byte, string) (string, error) { return "", nil }
