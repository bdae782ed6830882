package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"
)

// S3Config configures an S3 or MinIO bucket.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint, e.g. http://localhost:9000 for MinIO.
	Endpoint   string
	AccessKey  string
	SecretKey  string
	HTTPClient *http.Client
}

// S3Store stores objects in a single bucket using path-style addressing.
type S3Store struct {
	client *s3.Client
	bucket string

	// backoff builds the retry policy for one Put.
	backoff func() retry.Backoff
}

func defaultBackoff() retry.Backoff {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithMaxRetries(4, b)
}

// NewS3Store builds a client from cfg. Static credentials are used when an
// access key is set, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		// Retries are driven by Put so the whole upload is retried as a unit.
		o.Retryer = aws.NopRetryer{}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{client: client, bucket: cfg.Bucket, backoff: defaultBackoff}, nil
}

func (s *S3Store) Put(ctx context.Context, path string, data []byte) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	hash := Hash(data)
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(path),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/pdf"),
			Metadata:      map[string]string{"sha256": hash},
		})
		if err != nil && transient(err) {
			logx.Warnf("s3 put %s attempt %d: %v", path, attempt, err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", vaulterr.E(vaulterr.ErrStorage, "s3.Put", fmt.Errorf("put %s: %w", path, err))
	}
	return hash, nil
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, vaulterr.E(vaulterr.ErrStorage, "s3.Get", fmt.Errorf("get %s: %w", path, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, vaulterr.E(vaulterr.ErrStorage, "s3.Get", fmt.Errorf("read %s: %w", path, err))
	}
	return data, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil && !isNotFound(err) {
		return vaulterr.E(vaulterr.ErrStorage, "s3.Delete", fmt.Errorf("delete %s: %w", path, err))
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// transient reports whether an upload failure is worth retrying: throttling,
// server errors and transport failures without a response.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	}
	return true
}
