// Package archive mirrors submission archives (the zip/tarball a miner
// submitted plus its job log) to S3-compatible object storage, best-effort
// and after the fact — nothing in the validation path reads from it.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the S3-compatible backend configuration.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Mirror uploads finished job artifacts (submission + log) to object
// storage. S3 is not a dependency of the validation path: every method
// here is called after a job has already reached a terminal phase.
type Mirror struct {
	client *s3.Client
	bucket string
}

// NewMirror builds an S3 client. If AccessKeyID is empty, the default AWS
// credential chain is used (IAM instance profile, env vars, shared config).
func NewMirror(cfg Config) (*Mirror, error) {
	var client *s3.Client

	if cfg.AccessKeyID != "" {
		opts := []func(*s3.Options){
			func(o *s3.Options) {
				o.Region = cfg.Region
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
				if cfg.ForcePathStyle {
					o.UsePathStyle = true
				}
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
				}
			},
		}
		client = s3.New(s3.Options{}, opts...)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config for s3: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if cfg.ForcePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		if cfg.Endpoint != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
		}
		client = s3.NewFromConfig(awsCfg, s3Opts...)
	}

	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

// SubmissionKey returns the S3 key a submission archive for jobID is
// mirrored to.
func SubmissionKey(jobID string) string {
	return fmt.Sprintf("submissions/%s.zip", jobID)
}

// LogKey returns the S3 key a job's redacted log is mirrored to.
func LogKey(jobID string) string {
	return fmt.Sprintf("logs/%s.log", jobID)
}

// UploadFile uploads the local file at path to the given key.
func (m *Mirror) UploadFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s to s3: %w", key, err)
	}
	return stat.Size(), nil
}

// Download streams an object's body; the caller must Close it.
func (m *Mirror) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s from s3: %w", key, err)
	}
	return resp.Body, nil
}

// Delete removes an object. Used when a job's retention window expires.
func (m *Mirror) Delete(ctx context.Context, key string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s from s3: %w", key, err)
	}
	return nil
}

// MirrorJob uploads a job's submission archive and log in one call. It
// attempts both uploads even if the first fails, and returns the first
// upload error (wrapped) without logging it.
func (m *Mirror) MirrorJob(ctx context.Context, jobID, submissionPath, logPath string) error {
	var firstErr error
	if submissionPath != "" {
		if _, err := m.UploadFile(ctx, SubmissionKey(jobID), submissionPath); err != nil {
			firstErr = err
		}
	}
	if logPath != "" {
		if _, err := m.UploadFile(ctx, LogKey(jobID), logPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("mirror job %s: %w", jobID, firstErr)
	}
	return nil
}
