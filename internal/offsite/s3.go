// Package offsite copies finished backup directories to S3-compatible
// object storage. Upload failures degrade a backup run but never abort it;
// the local copy is the source of truth.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ErrInvalidTarget is returned when the target configuration is unusable.
var ErrInvalidTarget = errors.New("invalid offsite target")

// Target describes an S3-compatible destination. Endpoint is optional and
// enables path-style addressing for MinIO/R2-style services.
type Target struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UseSSL          bool   `yaml:"use_ssl,omitempty"`
}

// Enabled reports whether a target is configured at all.
func (t Target) Enabled() bool { return t.Bucket != "" }

// UploadResult summarizes one upload pass.
type UploadResult struct {
	Files    int64  `json:"files"`
	Bytes    int64  `json:"bytes"`
	Location string `json:"location"`
}

// Uploader copies directories to a Target.
type Uploader struct {
	target      Target
	concurrency int
	logger      zerolog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(target Target, logger zerolog.Logger) *Uploader {
	return &Uploader{
		target:      target,
		concurrency: 4,
		logger:      logger.With().Str("component", "offsite").Logger(),
	}
}

// UploadDir uploads every file under dir, keyed by its path relative to
// dir's parent so the timestamped backup directory name is preserved.
func (u *Uploader) UploadDir(ctx context.Context, dir string) (*UploadResult, error) {
	t := u.target
	if t.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidTarget)
	}
	if t.AccessKeyID == "" || t.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: credentials are required", ErrInvalidTarget)
	}

	region := t.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(t.AccessKeyID, t.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if t.Endpoint != "" {
		scheme := "http"
		if t.UseSSL {
			scheme = "https"
		}
		endpoint := strings.TrimPrefix(strings.TrimPrefix(t.Endpoint, "http://"), "https://")
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, endpoint))
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, clientOpts...)
	uploader := manager.NewUploader(client, func(up *manager.Uploader) {
		up.Concurrency = u.concurrency
	})

	base := filepath.Base(dir)
	result := &UploadResult{
		Location: fmt.Sprintf("s3://%s/%s", t.Bucket, strings.TrimSuffix(t.Prefix, "/")),
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}

		key := filepath.ToSlash(filepath.Join(base, rel))
		if t.Prefix != "" {
			key = strings.TrimSuffix(t.Prefix, "/") + "/" + key
		}

		f, openErr := os.Open(path)
		if openErr != nil {
			return fmt.Errorf("open %s: %w", path, openErr)
		}
		defer f.Close()

		info, statErr := f.Stat()
		if statErr != nil {
			return statErr
		}

		if _, upErr := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(t.Bucket),
			Key:    aws.String(key),
			Body:   f,
		}); upErr != nil {
			return fmt.Errorf("upload %s: %w", key, upErr)
		}

		result.Files++
		result.Bytes += info.Size()
		u.logger.Debug().Str("key", key).Int64("size", info.Size()).Msg("uploaded backup object")
		return nil
	})
	if err != nil {
		return result, err
	}

	u.logger.Info().
		Int64("files", result.Files).
		Int64("bytes", result.Bytes).
		Str("location", result.Location).
		Msg("offsite upload completed")

	return result, nil
}
