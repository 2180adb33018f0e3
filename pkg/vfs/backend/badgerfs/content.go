package badgerfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/driftfs/nfsd/internal/logger"
)

// S3Config configures optional offload of large file payloads to an S3
// bucket, keeping badger itself holding only metadata and small files.
// A zero-value S3Config leaves offload disabled.
type S3Config struct {
	Bucket string
	Prefix string
	// InlineThreshold is the largest payload size, in bytes, still
	// stored directly under the badger data prefix. Writes that would
	// leave a file larger than this offload the payload to S3 instead.
	InlineThreshold uint64
}

type retryConfig struct {
	maxRetries        int
	initialBackoff    time.Duration
	backoffMultiplier float64
	maxBackoff        time.Duration
}

var defaultRetry = retryConfig{
	maxRetries:        3,
	initialBackoff:    100 * time.Millisecond,
	backoffMultiplier: 2,
	maxBackoff:        2 * time.Second,
}

// contentStore offloads payloads above S3Config.InlineThreshold to S3,
// grounded on the teacher's pkg/content/store/s3 retry/error
// classification pattern.
type contentStore struct {
	client          *s3.Client
	bucket          string
	prefix          string
	inlineThreshold uint64
	retry           retryConfig
}

// defaultInlineThreshold is used when S3Config.InlineThreshold is left
// at zero but a bucket is configured.
const defaultInlineThreshold = 1 << 20 // 1 MiB

func newContentStore(ctx context.Context, cfg S3Config) (*contentStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("badgerfs: load aws config: %w", err)
	}
	threshold := cfg.InlineThreshold
	if threshold == 0 {
		threshold = defaultInlineThreshold
	}
	return &contentStore{
		client:          s3.NewFromConfig(awsCfg),
		bucket:          cfg.Bucket,
		prefix:          cfg.Prefix,
		inlineThreshold: threshold,
		retry:           defaultRetry,
	}, nil
}

func (c *contentStore) threshold() uint64 { return c.inlineThreshold }

func (c *contentStore) objectKey(contentID string) string {
	if c.prefix == "" {
		return contentID
	}
	return c.prefix + "/" + contentID
}

func (c *contentStore) backoff(attempt int) time.Duration {
	d := float64(c.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.retry.backoffMultiplier
	}
	if d > float64(c.retry.maxBackoff) {
		d = float64(c.retry.maxBackoff)
	}
	return time.Duration(d)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"InternalError", "ServiceUnavailable", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange":
			return false
		}
	}
	s := err.Error()
	return strings.Contains(s, "connection reset") || strings.Contains(s, "i/o timeout")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// Put uploads data under contentID, replacing any existing object.
func (c *contentStore) Put(ctx context.Context, contentID string, data []byte) error {
	key := c.objectKey(contentID)
	var lastErr error
	for attempt := 0; attempt <= c.retry.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		_, lastErr = c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
		logger.Debug("badgerfs: content put retry", "attempt", attempt+1, "key", key, "error", lastErr)
	}
	return fmt.Errorf("badgerfs: put content %s: %w", contentID, lastErr)
}

// ReadAt reads a byte range of the object identified by contentID,
// mirroring io.ReaderAt semantics (EOF when offset is past the end).
func (c *contentStore) ReadAt(ctx context.Context, contentID string, p []byte, offset uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	key := c.objectKey(contentID)
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(len(p))-1)

	var result *s3.GetObjectOutput
	var lastErr error
	for attempt := 0; attempt <= c.retry.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		result, lastErr = c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rng),
		})
		if lastErr == nil {
			break
		}
		if isNotFound(lastErr) {
			return 0, fmt.Errorf("badgerfs: content %s: %w", contentID, errContentNotFound)
		}
		var apiErr smithy.APIError
		if errors.As(lastErr, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		if !isRetryable(lastErr) {
			break
		}
		logger.Debug("badgerfs: content read retry", "attempt", attempt+1, "key", key, "error", lastErr)
	}
	if lastErr != nil {
		return 0, fmt.Errorf("badgerfs: read content %s: %w", contentID, lastErr)
	}
	defer func() { _ = result.Body.Close() }()

	n, err := io.ReadFull(result.Body, p)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// Delete removes the offloaded object for contentID, if any.
func (c *contentStore) Delete(ctx context.Context, contentID string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(contentID)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("badgerfs: delete content %s: %w", contentID, err)
	}
	return nil
}

var errContentNotFound = errors.New("badgerfs: offloaded content not found")
