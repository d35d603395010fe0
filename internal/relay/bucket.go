package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/retry"
)

type BucketRelay interface {
	Relay(ctx context.Context, key string, body []byte) error
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Relay archives records as JSON objects. A custom endpoint switches to
// path-style addressing for MinIO and LocalStack.
type S3Relay struct {
	client objectPutter
	bucket string
	prefix string
	policy retry.Policy
}

func NewS3Relay(ctx context.Context, opts S3Options, policy retry.Policy) (*S3Relay, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Relay(client, opts, policy), nil
}

func newS3Relay(client objectPutter, opts S3Options, policy retry.Policy) *S3Relay {
	return &S3Relay{client: client, bucket: opts.Bucket, prefix: opts.Prefix, policy: policy}
}

func (r *S3Relay) Relay(ctx context.Context, key string, body []byte) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(r.prefix + key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("s3 put %s: %w", key, err)
		}
		return nil
	})
}

// UploadJournal keeps uploads that could not be delivered for later replay.
type UploadJournal interface {
	SaveUpload(ctx context.Context, key string, body []byte, cause string) error
}

// FallbackRelay never fails: delivery errors are journaled locally and
// raised as an operational alert.
type FallbackRelay struct {
	next    BucketRelay
	journal UploadJournal
	logger  *slog.Logger
}

func NewFallbackRelay(next BucketRelay, journal UploadJournal, logger *slog.Logger) *FallbackRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRelay{next: next, journal: journal, logger: logger}
}

func (r *FallbackRelay) Relay(ctx context.Context, key string, body []byte) error {
	var cause string
	if r.next == nil {
		cause = "bucket relay not configured"
	} else if err := r.next.Relay(ctx, key, body); err != nil {
		cause = err.Error()
		logging.Alert(ctx, r.logger, "bucket_relay_failed", "key", key, "error", cause)
	} else {
		return nil
	}
	// The journal write must survive a cancelled request context.
	if err := r.journal.SaveUpload(context.WithoutCancel(ctx), key, body, cause); err != nil {
		logging.Alert(ctx, r.logger, "bucket_relay_journal_failed", "key", key, "error", err.Error())
	}
	return nil
}
