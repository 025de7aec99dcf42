package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const gcsEventBuf = 256

// GCSParams is the connection_params bag for Google Cloud Storage sources.
// A Pub/Sub subscription (fed by a bucket notification config) enables event
// mode; without it the detector is periodic-only.
type GCSParams struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Suffix          string `json:"suffix"`
	ProjectID       string `json:"project_id"`
	Subscription    string `json:"subscription"`
	CredentialsJSON string `json:"credentials_json"`
}

// GCSDetector monitors a GCS bucket. Event mode consumes OBJECT_FINALIZE and
// OBJECT_DELETE notifications from a Pub/Sub subscription; reconciliation
// iterates the bucket listing with a prefix filter.
type GCSDetector struct {
	params GCSParams
	filter Filter
	stream bool
	logger *slog.Logger

	storageClient *storage.Client
	pubsubClient  *pubsub.Client

	events chan ChangeEvent

	cancelReceive context.CancelFunc
	stopOnce      sync.Once
	stopped       chan struct{}
	wg            sync.WaitGroup
}

// NewGCSDetector builds a detector from raw connection params.
func NewGCSDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*GCSDetector, error) {
	var params GCSParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("gcs params: %w", err))
	}

	if params.Bucket == "" {
		return nil, Fatal(errors.New("gcs params: bucket is required"))
	}

	if params.Subscription != "" && params.ProjectID == "" {
		return nil, Fatal(errors.New("gcs params: project_id is required with subscription"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &GCSDetector{
		params:  params,
		filter:  Filter{Prefix: params.Prefix, Suffix: params.Suffix},
		stream:  streamEnabled,
		logger:  logger,
		events:  make(chan ChangeEvent, gcsEventBuf),
		stopped: make(chan struct{}),
	}, nil
}

func (d *GCSDetector) clientOptions() []option.ClientOption {
	if d.params.CredentialsJSON != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(d.params.CredentialsJSON))}
	}

	return nil
}

// Start builds the storage client and, when a subscription is configured,
// begins consuming bucket notifications. A missing subscription downgrades to
// periodic-only mode.
func (d *GCSDetector) Start(ctx context.Context) error {
	if d.storageClient == nil {
		client, err := storage.NewClient(ctx, d.clientOptions()...)
		if err != nil {
			return Fatal(fmt.Errorf("gcs storage client: %w", err))
		}

		d.storageClient = client
	}

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("bucket", d.params.Bucket))
		return nil
	}

	if d.params.Subscription == "" {
		d.logger.Info("no pub/sub subscription configured, downgrading to periodic-only mode",
			slog.String("bucket", d.params.Bucket))
		return nil
	}

	if d.pubsubClient == nil {
		client, err := pubsub.NewClient(ctx, d.params.ProjectID, d.clientOptions()...)
		if err != nil {
			return Fatal(fmt.Errorf("gcs pubsub client: %w", err))
		}

		d.pubsubClient = client
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	d.cancelReceive = cancel

	d.wg.Add(1)

	go d.receiveLoop(receiveCtx)

	d.logger.Info("gcs detector started",
		slog.String("bucket", d.params.Bucket),
		slog.String("subscription", d.params.Subscription),
	)

	return nil
}

// receiveLoop runs the Pub/Sub receive session, restarting it with backoff
// when it fails. Receive blocks until the context is canceled.
func (d *GCSDetector) receiveLoop(ctx context.Context) {
	defer d.wg.Done()

	sub := d.pubsubClient.Subscription(d.params.Subscription)

	var attempt int

	for {
		err := sub.Receive(ctx, d.handleMessage)
		if ctx.Err() != nil {
			return
		}

		backoff := calcBackoff(attempt)
		d.logger.Warn("pub/sub receive failed, restarting",
			slog.Duration("backoff", backoff),
			slog.String("error", fmt.Sprint(err)),
		)

		if sleepCtx(ctx, backoff) != nil {
			return
		}

		attempt++
	}
}

// handleMessage translates one bucket notification into a change event.
// The message is acked only after the event is on the stream; shutdown nacks
// so Pub/Sub redelivers.
func (d *GCSDetector) handleMessage(ctx context.Context, msg *pubsub.Message) {
	ev, ok := d.parseNotification(msg)
	if !ok {
		// Not ours (wrong event type or filtered path); drop it.
		msg.Ack()
		return
	}

	select {
	case d.events <- ev:
		msg.Ack()
	case <-ctx.Done():
		msg.Nack()
	case <-d.stopped:
		msg.Nack()
	}
}

// parseNotification extracts a change event from a GCS Pub/Sub notification.
// The event type and object name ride in the message attributes; the payload
// carries the object resource with size and generation.
func (d *GCSDetector) parseNotification(msg *pubsub.Message) (ChangeEvent, bool) {
	objectID := msg.Attributes["objectId"]
	if objectID == "" || !d.filter.Match(objectID) {
		return ChangeEvent{}, false
	}

	var typ ChangeType

	switch msg.Attributes["eventType"] {
	case "OBJECT_FINALIZE":
		typ = ChangeCreate
	case "OBJECT_DELETE":
		typ = ChangeDelete
	default:
		return ChangeEvent{}, false
	}

	meta := FileMetadata{
		Path:     objectID,
		SourceID: msg.Attributes["objectGeneration"],
	}

	var payload struct {
		Size string `json:"size"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.Size != "" {
		var size int64
		if _, err := fmt.Sscan(payload.Size, &size); err == nil {
			meta.Size = int64Ptr(size)
		}
	}

	return NewEvent(typ, meta), true
}

// Stop terminates the receive session and closes the event channel.
func (d *GCSDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)

		if d.cancelReceive != nil {
			d.cancelReceive()
		}

		d.wg.Wait()
		close(d.events)

		if d.pubsubClient != nil {
			if err := d.pubsubClient.Close(); err != nil {
				d.logger.Warn("error closing pubsub client", slog.String("error", err.Error()))
			}
		}

		if d.storageClient != nil {
			if err := d.storageClient.Close(); err != nil {
				d.logger.Warn("error closing storage client", slog.String("error", err.Error()))
			}
		}

		d.logger.Info("gcs detector stopped", slog.String("bucket", d.params.Bucket))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *GCSDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll iterates the bucket listing, streaming matching objects through fn.
func (d *GCSDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	it := d.storageClient.Bucket(d.params.Bucket).Objects(ctx, &storage.Query{
		Prefix: d.params.Prefix,
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}

		if err != nil {
			return Transient(fmt.Errorf("list objects %s: %w", d.params.Bucket, err))
		}

		if !d.filter.Match(attrs.Name) {
			continue
		}

		meta := FileMetadata{
			Path:              attrs.Name,
			SourceID:          fmt.Sprintf("%d", attrs.Generation),
			ModifiedTimestamp: int64Ptr(attrs.Updated.UnixNano()),
			Size:              int64Ptr(attrs.Size),
		}

		if err := fn(meta); err != nil {
			return err
		}
	}
}

// Load fetches the object's current bytes.
func (d *GCSDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	reader, err := d.storageClient.Bucket(d.params.Bucket).Object(meta.Path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}

		return nil, Transient(fmt.Errorf("open object %s: %w", meta.Path, err))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading object %s: %w", meta.Path, err))
	}

	return data, nil
}

// Compile-time interface check.
var _ Detector = (*GCSDetector)(nil)
