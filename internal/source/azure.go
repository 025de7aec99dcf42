package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// Azure polling defaults. Blob storage has no push channel comparable to
// SQS, so event mode is a listing diff against a cursor of known blobs.
const (
	defaultAzurePollInterval = 60 * time.Second
	azureEventBuf            = 256
)

// AzureParams is the connection_params bag for Azure Blob sources. Either a
// connection string or an account name/key pair must be provided.
type AzureParams struct {
	AccountName      string `json:"account_name"`
	AccountKey       string `json:"account_key"`
	ConnectionString string `json:"connection_string"`
	Container        string `json:"container"`
	Prefix           string `json:"prefix"`
	Suffix           string `json:"suffix"`
	PollIntervalSecs int    `json:"poll_interval_seconds"`
}

// pollInterval returns the configured listing cadence or the default.
func (p *AzureParams) pollInterval() time.Duration {
	if p.PollIntervalSecs > 0 {
		return time.Duration(p.PollIntervalSecs) * time.Second
	}

	return defaultAzurePollInterval
}

// azureBlobRef is one observed blob in the polling cursor.
type azureBlobRef struct {
	etag     string
	modified int64
	size     *int64
}

// AzureDetector monitors an Azure Blob container. Change detection diffs
// periodic flat listings against the previous cursor; reconciliation reuses
// the same listing through ListAll.
type AzureDetector struct {
	params AzureParams
	filter Filter
	stream bool
	logger *slog.Logger

	client *azblob.Client

	events chan ChangeEvent

	// known is the polling cursor: blob path to last observed state.
	// Only touched by the poll loop after priming.
	known  map[string]azureBlobRef
	primed bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewAzureDetector builds a detector from raw connection params.
func NewAzureDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*AzureDetector, error) {
	var params AzureParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("azure params: %w", err))
	}

	if params.Container == "" {
		return nil, Fatal(errors.New("azure params: container is required"))
	}

	if params.ConnectionString == "" && (params.AccountName == "" || params.AccountKey == "") {
		return nil, Fatal(errors.New("azure params: connection_string or account_name/account_key is required"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &AzureDetector{
		params:  params,
		filter:  Filter{Prefix: params.Prefix, Suffix: params.Suffix},
		stream:  streamEnabled,
		logger:  logger,
		events:  make(chan ChangeEvent, azureEventBuf),
		known:   make(map[string]azureBlobRef),
		stopped: make(chan struct{}),
	}, nil
}

// Start builds the blob service client and begins the poll loop.
func (d *AzureDetector) Start(ctx context.Context) error {
	if d.client == nil {
		client, err := d.buildClient()
		if err != nil {
			return Fatal(fmt.Errorf("azure client: %w", err))
		}

		d.client = client
	}

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("container", d.params.Container))
		return nil
	}

	d.wg.Add(1)

	go d.pollLoop(ctx)

	d.logger.Info("azure detector started",
		slog.String("container", d.params.Container),
		slog.Duration("poll_interval", d.params.pollInterval()),
	)

	return nil
}

func (d *AzureDetector) buildClient() (*azblob.Client, error) {
	if d.params.ConnectionString != "" {
		return azblob.NewClientFromConnectionString(d.params.ConnectionString, nil)
	}

	credential, err := azblob.NewSharedKeyCredential(d.params.AccountName, d.params.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("shared key credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", d.params.AccountName)

	return azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
}

// pollLoop lists the container on a fixed cadence and diffs against the
// cursor. The first listing primes the cursor without emitting; catch-up for
// changes made while the detector was down belongs to reconciliation.
func (d *AzureDetector) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.params.pollInterval())
	defer ticker.Stop()

	var attempt int

	for {
		if err := d.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			backoff := calcBackoff(attempt)
			d.logger.Warn("azure listing failed, backing off",
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

		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case <-ticker.C:
		}
	}
}

// pollOnce takes one listing snapshot and emits the diff against the cursor.
func (d *AzureDetector) pollOnce(ctx context.Context) error {
	current := make(map[string]azureBlobRef, len(d.known))

	if err := d.listBlobs(ctx, func(name string, ref azureBlobRef) {
		current[name] = ref
	}); err != nil {
		return err
	}

	if !d.primed {
		d.known = current
		d.primed = true

		return nil
	}

	for name, ref := range current {
		prev, seen := d.known[name]

		switch {
		case !seen:
			if !d.emit(ctx, NewEvent(ChangeCreate, blobMeta(name, ref))) {
				return nil
			}
		case prev.etag != ref.etag || prev.modified != ref.modified:
			if !d.emit(ctx, NewEvent(ChangeUpdate, blobMeta(name, ref))) {
				return nil
			}
		}
	}

	for name, ref := range d.known {
		if _, still := current[name]; !still {
			if !d.emit(ctx, NewEvent(ChangeDelete, blobMeta(name, ref))) {
				return nil
			}
		}
	}

	d.known = current

	return nil
}

func (d *AzureDetector) emit(ctx context.Context, ev ChangeEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopped:
		return false
	}
}

func blobMeta(name string, ref azureBlobRef) FileMetadata {
	meta := FileMetadata{
		Path:     name,
		SourceID: ref.etag,
		Size:     ref.size,
	}

	if ref.modified != 0 {
		meta.ModifiedTimestamp = int64Ptr(ref.modified)
	}

	return meta
}

// listBlobs pages through the container's flat listing, invoking fn for each
// blob that passes the filter.
func (d *AzureDetector) listBlobs(ctx context.Context, fn func(string, azureBlobRef)) error {
	opts := &azblob.ListBlobsFlatOptions{}
	if d.params.Prefix != "" {
		opts.Prefix = &d.params.Prefix
	}

	pager := d.client.NewListBlobsFlatPager(d.params.Container, opts)

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return Transient(fmt.Errorf("list blobs %s: %w", d.params.Container, err))
		}

		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}

			name := *item.Name
			if !d.filter.Match(name) {
				continue
			}

			ref := azureBlobRef{}

			if item.Properties != nil {
				if item.Properties.ETag != nil {
					ref.etag = string(*item.Properties.ETag)
				}

				if item.Properties.LastModified != nil {
					ref.modified = item.Properties.LastModified.UnixNano()
				}

				ref.size = item.Properties.ContentLength
			}

			fn(name, ref)
		}
	}

	return nil
}

// Stop terminates the poll loop and closes the event channel.
func (d *AzureDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
		close(d.events)

		d.logger.Info("azure detector stopped", slog.String("container", d.params.Container))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *AzureDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll enumerates the container for reconciliation.
func (d *AzureDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	var cbErr error

	err := d.listBlobs(ctx, func(name string, ref azureBlobRef) {
		if cbErr != nil {
			return
		}

		cbErr = fn(blobMeta(name, ref))
	})
	if err != nil {
		return err
	}

	return cbErr
}

// Load downloads the blob's current bytes.
func (d *AzureDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	resp, err := d.client.DownloadStream(ctx, d.params.Container, meta.Path, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}

		return nil, Transient(fmt.Errorf("download blob %s: %w", meta.Path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading blob %s: %w", meta.Path, err))
	}

	return data, nil
}

// Compile-time interface check.
var _ Detector = (*AzureDetector)(nil)
