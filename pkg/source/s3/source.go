// Package s3 provides a cache data source backed by an S3 bucket: cache keys
// map to object keys, a missing object is a cache miss, and the object's
// Expires attribute (when set) becomes the entry's expiration.
package s3

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
)

// Client is the slice of the S3 API the source needs, satisfied by
// *s3.Client and mockable in tests.
type Client interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Source fetches cache entries from an S3 bucket. It implements the cache
// package's Source contract: Fetch returns immediately and the completion is
// invoked exactly once from a background goroutine, with nil data for a
// missing object or an exhausted retry budget.
type Source struct {
	client  Client
	bucket  string
	prefix  string
	timeout time.Duration
	retryer *retry.Retryer
	logger  *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithPrefix prepends a key prefix to every object lookup.
func WithPrefix(prefix string) Option {
	return func(s *Source) { s.prefix = prefix }
}

// WithTimeout bounds each Fetch, retries included. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetryConfig replaces the default retry behavior.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Source) { s.retryer = retry.New(cfg) }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a source using the ambient AWS configuration (environment,
// shared config, instance role).
func New(ctx context.Context, bucket string, opts ...Option) (*Source, error) {
	if bucket == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "bucket cannot be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidConfig, "load AWS config", err)
	}
	return NewWithClient(awss3.NewFromConfig(awsCfg), bucket, opts...), nil
}

// NewWithClient creates a source over an existing client.
func NewWithClient(client Client, bucket string, opts ...Option) *Source {
	s := &Source{
		client:  client,
		bucket:  bucket,
		timeout: 30 * time.Second,
		retryer: retry.New(retry.DefaultConfig()),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch retrieves the object for key on a background goroutine and invokes
// completion exactly once. A missing object completes with nil data; any
// other failure, after retries, also completes with nil data and a logged
// warning, so the cache treats it as a miss.
func (s *Source) Fetch(key string, completion func(data []byte, expiresAt time.Time)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		var (
			data      []byte
			expiresAt time.Time
		)
		err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var err error
			data, expiresAt, err = s.getObject(ctx, key)
			return err
		})
		if err != nil {
			var notFound *s3types.NoSuchKey
			if !stderrors.As(err, &notFound) {
				s.logger.Warn("object fetch failed", "bucket", s.bucket, "key", key, "error", err)
			}
			completion(nil, time.Time{})
			return
		}
		completion(data, expiresAt)
	}()
}

func (s *Source) getObject(ctx context.Context, key string) ([]byte, time.Time, error) {
	objectKey := key
	if s.prefix != "" {
		objectKey = path.Join(s.prefix, key)
	}

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, time.Time{}, translateError(err, objectKey)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(errors.CodeNetwork, "read object body", err).
			WithContext("key", objectKey)
	}

	var expiresAt time.Time
	if out.Expires != nil {
		expiresAt = *out.Expires
	}
	return data, expiresAt, nil
}

// translateError classifies S3 failures so the retryer knows what is worth
// repeating. A missing object is terminal and keeps the original NoSuchKey
// in the chain for the caller to detect.
func translateError(err error, key string) error {
	var notFound *s3types.NoSuchKey
	if stderrors.As(err, &notFound) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.CodeTimeout, "object fetch timed out", err).
			WithContext("key", key)
	}
	return errors.Wrap(errors.CodeNetwork, "object fetch failed", err).
		WithContext("key", key)
}
