package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pricerelay/config"
	"pricerelay/logger"
)

// DeadLetterStore keeps a copy of payloads that could not be delivered.
type DeadLetterStore interface {
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error
}

// objectPutter is the part of *s3.Client used by S3Store.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes dead letters as JSON objects into a bucket.
type S3Store struct {
	client objectPutter
	bucket string
	log    *logger.Log
}

// NewS3Store configures an S3 client from cfg. Static credentials are used
// when both keys are set, otherwise the default AWS chain applies.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	logger.GetLogger().WithComponent("dead_letter").WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
	}).Info("dead-letter store initialized")

	return &S3Store{client: client, bucket: cfg.Bucket, log: logger.GetLogger()}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    metadata,
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.bucket, err)
	}
	return nil
}

// DeadLetterKey is prefix/yyyy/mm/dd/<delivery-id>.json in UTC.
func DeadLetterKey(prefix string, at time.Time, deliveryID string) string {
	at = at.UTC()
	return path.Join(prefix,
		fmt.Sprintf("%04d", at.Year()),
		fmt.Sprintf("%02d", int(at.Month())),
		fmt.Sprintf("%02d", at.Day()),
		deliveryID+".json")
}

// WithDeadLetter copies the payload of every failed delivery to store. The
// store write is detached from ctx cancellation so shutdown does not lose
// the copy. rec may be nil.
func WithDeadLetter(next Deliverer, store DeadLetterStore, prefix string, rec *Recorder) Deliverer {
	if store == nil {
		return next
	}
	log := logger.GetLogger()

	return DelivererFunc(func(ctx context.Context, p Payload) Outcome {
		out := next.Deliver(ctx, p)
		if out.Success() || len(p.Body) == 0 {
			return out
		}

		key := DeadLetterKey(prefix, time.Now(), out.DeliveryID)
		meta := map[string]string{
			"sink":        out.Sink,
			"status-code": fmt.Sprintf("%d", out.StatusCode),
			"attempts":    fmt.Sprintf("%d", out.Attempts),
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		entry := log.WithComponent("dead_letter").WithFields(logger.Fields{
			"sink":        out.Sink,
			"delivery_id": out.DeliveryID,
			"key":         key,
		})
		if err := store.Put(writeCtx, key, p.Body, meta); err != nil {
			entry.WithError(err).Error("failed to store dead letter")
			return out
		}
		if rec != nil {
			rec.deadLetters.Add(1)
		}
		entry.Info("stored failed delivery")
		return out
	})
}
