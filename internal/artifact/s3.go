package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const zipContentType = "application/zip"

// S3API is the subset of the S3 client the store uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3 connection settings
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxRetries      int
	Timeout         time.Duration
	// SpoolDir holds archives while they are being written
	SpoolDir string
}

// S3Store keeps artifacts as objects in a bucket. Archives are spooled to a
// local temp file and uploaded on Commit.
type S3Store struct {
	api      S3API
	bucket   string
	spoolDir string
	logger   *slog.Logger
}

// NewS3Store builds an S3 client from cfg
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("S3 artifact store configured",
		slog.String("bucket", cfg.Bucket),
		slog.String("region", cfg.Region),
	)

	return NewS3StoreWithAPI(client, cfg.Bucket, cfg.SpoolDir, logger), nil
}

// NewS3StoreWithAPI wraps an existing client
func NewS3StoreWithAPI(api S3API, bucket, spoolDir string, logger *slog.Logger) *S3Store {
	return &S3Store{api: api, bucket: bucket, spoolDir: spoolDir, logger: logger}
}

func buildAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	if cfg.MaxRetries > 0 {
		optFns = append(optFns, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	if cfg.Timeout > 0 {
		optFns = append(optFns, awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return awsconfig.LoadDefaultConfig(ctx, optFns...)
}

// Create writes an empty placeholder object for key and returns a spooling writer
func (s *S3Store) Create(ctx context.Context, key string) (Writer, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(clean),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String(zipContentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate artifact: %w", err)
	}

	spool, err := os.CreateTemp(s.spoolDir, "artifact-*.zip")
	if err != nil {
		if delErr := s.Delete(context.WithoutCancel(ctx), clean); delErr != nil {
			s.logger.Warn("Failed to remove artifact placeholder",
				slog.String("key", clean),
				slog.Any("error", delErr),
			)
		}
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	return &s3Writer{ctx: ctx, store: s, key: clean, spool: spool}, nil
}

// Open streams the object body
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, Info{}, err
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(clean),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, Info{}, notFound(key)
		}
		return nil, Info{}, fmt.Errorf("failed to get object: %w", err)
	}

	return out.Body, Info{Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified)}, nil
}

// Stat returns the object size
func (s *S3Store) Stat(ctx context.Context, key string) (Info, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return Info{}, err
	}

	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(clean),
	})
	if err != nil {
		if isNotFoundError(err) {
			return Info{}, notFound(key)
		}
		return Info{}, fmt.Errorf("failed to head object: %w", err)
	}

	return Info{Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified)}, nil
}

// Delete removes the object
func (s *S3Store) Delete(ctx context.Context, key string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(clean),
	})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// isNotFoundError checks if an error is a not found error
func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

type s3Writer struct {
	ctx   context.Context
	store *S3Store
	key   string
	spool *os.File
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.spool.Write(p)
}

func (w *s3Writer) Commit() error {
	defer w.discardSpool()

	size, err := w.spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to size spool file: %w", err)
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}

	_, err = w.store.api.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.key),
		Body:          w.spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(zipContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact: %w", err)
	}

	w.store.logger.Debug("Artifact uploaded",
		slog.String("key", w.key),
		slog.Int64("size", size),
	)
	return nil
}

func (w *s3Writer) Abort() error {
	w.discardSpool()
	// context may already be cancelled when aborting on shutdown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 10*time.Second)
	defer cancel()
	return w.store.Delete(ctx, w.key)
}

func (w *s3Writer) discardSpool() {
	name := w.spool.Name()
	w.spool.Close()
	_ = os.Remove(name)
}
