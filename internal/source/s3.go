package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS polling constants. The visibility timeout must exceed the time a
// message spends between receive and delete so redelivery only happens on
// genuine failure.
const (
	sqsWaitSeconds       = 20
	sqsVisibilitySeconds = 300
	sqsMaxMessages       = 10
	s3EventBuf           = 256
)

// S3Params is the connection_params bag for S3 sources. An SQS queue URL
// enables event mode; without it the detector is periodic-only.
type S3Params struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Suffix          string `json:"suffix"`
	SQSQueueURL     string `json:"sqs_queue_url"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint"` // S3-compatible stores (MinIO etc.)
}

// s3API is the subset of the S3 client the detector uses.
// Consumer-defined so tests can fake the AWS SDK.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// sqsAPI is the subset of the SQS client the detector uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// S3Detector monitors an S3 bucket. Event mode long-polls an SQS queue
// carrying S3 event notifications (optionally SNS-wrapped); reconciliation
// enumerates the bucket with ListObjectsV2 and a prefix filter.
type S3Detector struct {
	params S3Params
	filter Filter
	stream bool
	logger *slog.Logger

	s3c  s3API
	sqsc sqsAPI

	events   chan ChangeEvent
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewS3Detector builds a detector from raw connection params.
func NewS3Detector(rawParams string, streamEnabled bool, logger *slog.Logger) (*S3Detector, error) {
	var params S3Params
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("s3 params: %w", err))
	}

	if params.Bucket == "" {
		return nil, Fatal(errors.New("s3 params: bucket is required"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &S3Detector{
		params:  params,
		filter:  Filter{Prefix: params.Prefix, Suffix: params.Suffix},
		stream:  streamEnabled,
		logger:  logger,
		events:  make(chan ChangeEvent, s3EventBuf),
		stopped: make(chan struct{}),
	}, nil
}

// Start builds the AWS clients and, when an SQS queue is configured, begins
// the long-poll loop. A missing queue URL downgrades to periodic-only mode.
func (d *S3Detector) Start(ctx context.Context) error {
	if d.s3c == nil {
		cfg, err := d.loadAWSConfig(ctx)
		if err != nil {
			return Fatal(fmt.Errorf("s3 aws config: %w", err))
		}

		d.s3c = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if d.params.Endpoint != "" {
				o.BaseEndpoint = aws.String(d.params.Endpoint)
				o.UsePathStyle = true
			}
		})
		d.sqsc = sqs.NewFromConfig(cfg)
	}

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("bucket", d.params.Bucket))
		return nil
	}

	if d.params.SQSQueueURL == "" {
		d.logger.Info("no SQS queue configured, downgrading to periodic-only mode",
			slog.String("bucket", d.params.Bucket))
		return nil
	}

	d.wg.Add(1)

	go d.pollLoop(ctx)

	d.logger.Info("s3 detector started",
		slog.String("bucket", d.params.Bucket),
		slog.String("queue", d.params.SQSQueueURL),
	)

	return nil
}

// loadAWSConfig resolves the AWS SDK config from explicit credentials when
// provided, otherwise the default provider chain.
func (d *S3Detector) loadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}

	if d.params.Region != "" {
		opts = append(opts, awsconfig.WithRegion(d.params.Region))
	}

	if d.params.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				d.params.AccessKeyID, d.params.SecretAccessKey, ""),
		))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// pollLoop long-polls the SQS queue, forwarding S3 event notifications.
// Messages are deleted only after their events are handed to the stream.
func (d *S3Detector) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	var attempt int

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		default:
		}

		out, err := d.sqsc.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(d.params.SQSQueueURL),
			MaxNumberOfMessages: sqsMaxMessages,
			WaitTimeSeconds:     sqsWaitSeconds,
			VisibilityTimeout:   sqsVisibilitySeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			backoff := calcBackoff(attempt)
			d.logger.Warn("sqs receive failed, backing off",
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepCtx(ctx, backoff) != nil {
				return
			}

			attempt++

			continue
		}

		attempt = 0

		for i := range out.Messages {
			if !d.forwardMessage(ctx, &out.Messages[i]) {
				return
			}
		}
	}
}

// forwardMessage parses one SQS message, emits its events, and deletes the
// message on success. Returns false when the detector is shutting down.
func (d *S3Detector) forwardMessage(ctx context.Context, msg *sqstypes.Message) bool {
	events := parseS3Notification(aws.ToString(msg.Body), d.filter)

	for i := range events {
		select {
		case d.events <- events[i]:
		case <-ctx.Done():
			return false
		case <-d.stopped:
			return false
		}
	}

	if _, err := d.sqsc.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.params.SQSQueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		// Redelivery after the visibility timeout; the engine dedupes.
		d.logger.Warn("sqs delete failed", slog.String("error", err.Error()))
	}

	return true
}

// s3Notification is the S3 event notification envelope, possibly wrapped in
// an SNS notification.
type s3Notification struct {
	// SNS wrapper fields
	Type    string `json:"Type"`
	Message string `json:"Message"`

	// S3 test event
	Event string `json:"Event"`

	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Object struct {
				Key  string `json:"key"`
				Size *int64 `json:"size"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// parseS3Notification extracts change events from an S3 event notification
// body. SNS envelopes are unwrapped; s3:TestEvent messages are skipped.
func parseS3Notification(body string, filter Filter) []ChangeEvent {
	var note s3Notification
	if err := json.Unmarshal([]byte(body), &note); err != nil {
		return nil
	}

	// SNS wrapper: the real notification is in the Message field.
	if note.Type == "Notification" && note.Message != "" {
		if err := json.Unmarshal([]byte(note.Message), &note); err != nil {
			return nil
		}
	}

	if note.Event == "s3:TestEvent" {
		return nil
	}

	var events []ChangeEvent

	for i := range note.Records {
		rec := &note.Records[i]

		// Object keys in event notifications are URL-encoded.
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			key = rec.S3.Object.Key
		}

		if !filter.Match(key) {
			continue
		}

		var typ ChangeType

		switch {
		case strings.HasPrefix(rec.EventName, "ObjectCreated:"):
			typ = ChangeCreate
		case strings.HasPrefix(rec.EventName, "ObjectRemoved:"):
			typ = ChangeDelete
		default:
			continue
		}

		events = append(events, NewEvent(typ, FileMetadata{
			Path:     key,
			SourceID: strings.Trim(rec.S3.Object.ETag, `"`),
			Size:     rec.S3.Object.Size,
		}))
	}

	return events
}

// Stop closes the event channel and terminates the poll loop.
func (d *S3Detector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
		close(d.events)

		d.logger.Info("s3 detector stopped", slog.String("bucket", d.params.Bucket))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *S3Detector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll enumerates the bucket with ListObjectsV2 pagination, streaming
// each matching object through fn.
func (d *S3Detector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.params.Bucket),
	}

	if d.params.Prefix != "" {
		input.Prefix = aws.String(d.params.Prefix)
	}

	for {
		out, err := d.s3c.ListObjectsV2(ctx, input)
		if err != nil {
			return Transient(fmt.Errorf("list objects %s: %w", d.params.Bucket, err))
		}

		for i := range out.Contents {
			obj := &out.Contents[i]
			key := aws.ToString(obj.Key)

			if strings.HasSuffix(key, "/") || !d.filter.Match(key) {
				continue
			}

			meta := FileMetadata{
				Path:     key,
				SourceID: strings.Trim(aws.ToString(obj.ETag), `"`),
				Size:     obj.Size,
			}

			if obj.LastModified != nil {
				meta.ModifiedTimestamp = int64Ptr(obj.LastModified.UnixNano())
			}

			if err := fn(meta); err != nil {
				return err
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			return nil
		}

		input.ContinuationToken = out.NextContinuationToken
	}
}

// Load fetches the object's current bytes with GetObject.
func (d *S3Detector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	out, err := d.s3c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.params.Bucket),
		Key:    aws.String(meta.Path),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}

		return nil, Transient(fmt.Errorf("get object %s: %w", meta.Path, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading object %s: %w", meta.Path, err))
	}

	return data, nil
}

// Compile-time interface check.
var _ Detector = (*S3Detector)(nil)
