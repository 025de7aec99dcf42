package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphBaseURL  = "https://graph.microsoft.com/v1.0"
	graphTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // endpoint, not a credential
	graphScope    = "https://graph.microsoft.com/.default"

	graphMaxRetries = 5
	graphEventBuf   = 256

	defaultGraphPollInterval = 30 * time.Second
)

// errGraphGone signals an expired delta token (HTTP 410). The poll loop
// responds by emitting the resync sentinel and restarting from scratch.
var errGraphGone = errors.New("source: delta token gone")

// GraphParams is the connection_params bag for Microsoft Graph drive sources
// (OneDrive and SharePoint document libraries), authenticated with a
// client-credentials grant. The drive is addressed by drive_id, by the
// default library of a site (site_id), or by a user's OneDrive (user_id).
type GraphParams struct {
	TenantID         string `json:"tenant_id"`
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret"`
	DriveID          string `json:"drive_id"`
	SiteID           string `json:"site_id"`
	UserID           string `json:"user_id"`
	Prefix           string `json:"prefix"`
	Suffix           string `json:"suffix"`
	PollIntervalSecs int    `json:"poll_interval_seconds"`
}

func (p *GraphParams) pollInterval() time.Duration {
	if p.PollIntervalSecs > 0 {
		return time.Duration(p.PollIntervalSecs) * time.Second
	}

	return defaultGraphPollInterval
}

// driveScope returns the Graph URL segment addressing the configured drive.
func (p *GraphParams) driveScope() string {
	switch {
	case p.DriveID != "":
		return "/drives/" + url.PathEscape(p.DriveID)
	case p.SiteID != "":
		return "/sites/" + url.PathEscape(p.SiteID) + "/drive"
	default:
		return "/users/" + url.PathEscape(p.UserID) + "/drive"
	}
}

// driveRef is the drive identifier used in logs.
func (p *GraphParams) driveRef() string {
	switch {
	case p.DriveID != "":
		return p.DriveID
	case p.SiteID != "":
		return "site:" + p.SiteID
	default:
		return "user:" + p.UserID
	}
}

// graphDriveItem mirrors the driveItem fields the detector consumes.
type graphDriveItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Size                 int64  `json:"size"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder  *struct{} `json:"folder"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted"`
	ParentReference struct {
		Path string `json:"path"`
	} `json:"parentReference"`
}

// graphDeltaPage mirrors the delta response envelope.
type graphDeltaPage struct {
	Value     []graphDriveItem `json:"value"`
	NextLink  string           `json:"@odata.nextLink"`  //nolint:tagliatelle // OData annotation key
	DeltaLink string           `json:"@odata.deltaLink"` //nolint:tagliatelle // OData annotation key
}

// GraphDetector monitors a OneDrive or SharePoint drive through the
// Microsoft Graph delta API. Change detection polls the delta endpoint with
// the link returned by the previous call; an HTTP 410 means the token
// expired and triggers the resync sentinel. Enumeration runs a fresh delta
// cycle from an empty token, which yields the complete drive.
type GraphDetector struct {
	params GraphParams
	filter Filter
	stream bool
	logger *slog.Logger

	httpClient *http.Client

	events    chan ChangeEvent
	deltaLink string

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	pathMu    sync.Mutex
	filePaths map[string]string

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewGraphDetector builds a detector from raw connection params.
func NewGraphDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*GraphDetector, error) {
	var params GraphParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("msgraph params: %w", err))
	}

	if params.TenantID == "" || params.ClientID == "" || params.ClientSecret == "" {
		return nil, Fatal(errors.New("msgraph params: tenant_id, client_id and client_secret are required"))
	}

	if params.DriveID == "" && params.SiteID == "" && params.UserID == "" {
		return nil, Fatal(errors.New("msgraph params: one of drive_id, site_id or user_id is required"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &GraphDetector{
		params:    params,
		filter:    Filter{Prefix: params.Prefix, Suffix: params.Suffix},
		stream:    streamEnabled,
		logger:    logger,
		events:    make(chan ChangeEvent, graphEventBuf),
		sleepFunc: sleepCtx,
		filePaths: make(map[string]string),
		stopped:   make(chan struct{}),
	}, nil
}

// Start builds the authenticated client, seeds the delta link at the current
// state of the drive, and begins the poll loop.
func (d *GraphDetector) Start(ctx context.Context) error {
	if d.httpClient == nil {
		cfg := &clientcredentials.Config{
			ClientID:     d.params.ClientID,
			ClientSecret: d.params.ClientSecret,
			TokenURL:     fmt.Sprintf(graphTokenURL, url.PathEscape(d.params.TenantID)),
			Scopes:       []string{graphScope},
		}
		d.httpClient = cfg.Client(ctx)
	}

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("drive", d.params.driveRef()))
		return nil
	}

	// token=latest skips enumeration and returns only a delta link; history
	// before startup belongs to reconciliation.
	link, err := d.seedDeltaLink(ctx)
	if err != nil {
		if IsFatal(err) {
			return err
		}

		d.logger.Info("delta polling unavailable, downgrading to periodic-only mode",
			slog.String("error", err.Error()))
		return nil
	}

	d.deltaLink = link

	d.wg.Add(1)

	go d.pollLoop(ctx)

	d.logger.Info("msgraph detector started",
		slog.String("drive", d.params.driveRef()),
		slog.Duration("poll_interval", d.params.pollInterval()),
	)

	return nil
}

// seedDeltaLink fetches the drive's current delta link without enumerating.
func (d *GraphDetector) seedDeltaLink(ctx context.Context) (string, error) {
	page, err := d.fetchDeltaPage(ctx, graphBaseURL+d.params.driveScope()+"/root/delta?token=latest")
	if err != nil {
		return "", err
	}

	for page.DeltaLink == "" && page.NextLink != "" {
		page, err = d.fetchDeltaPage(ctx, page.NextLink)
		if err != nil {
			return "", err
		}
	}

	if page.DeltaLink == "" {
		return "", errors.New("delta response has neither nextLink nor deltaLink")
	}

	return page.DeltaLink, nil
}

// pollLoop polls the delta endpoint on a fixed cadence.
func (d *GraphDetector) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.params.pollInterval())
	defer ticker.Stop()

	var attempt int

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case <-ticker.C:
		}

		err := d.pollDelta(ctx)

		switch {
		case err == nil:
			attempt = 0

		case errors.Is(err, errGraphGone):
			if !d.resync(ctx) {
				return
			}

			attempt = 0

		default:
			if ctx.Err() != nil {
				return
			}

			backoff := calcBackoff(attempt)
			d.logger.Warn("delta poll failed, backing off",
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if d.sleepFunc(ctx, backoff) != nil {
				return
			}

			attempt++
		}
	}
}

// pollDelta drains all pending delta pages, emitting change events and
// advancing the stored delta link.
func (d *GraphDetector) pollDelta(ctx context.Context) error {
	link := d.deltaLink

	for {
		page, err := d.fetchDeltaPage(ctx, link)
		if err != nil {
			return err
		}

		for i := range page.Value {
			if !d.handleDeltaItem(ctx, &page.Value[i]) {
				return nil
			}
		}

		if page.DeltaLink != "" {
			d.deltaLink = page.DeltaLink
			return nil
		}

		if page.NextLink == "" {
			return errors.New("delta response has neither nextLink nor deltaLink")
		}

		link = page.NextLink
	}
}

// resync rebases on a fresh delta link and emits the resync sentinel.
// Returns false on shutdown.
func (d *GraphDetector) resync(ctx context.Context) bool {
	d.logger.Warn("delta token expired, requesting full reconciliation",
		slog.String("drive", d.params.driveRef()))

	link, err := d.seedDeltaLink(ctx)
	if err != nil {
		d.logger.Warn("failed to refresh delta link", slog.String("error", err.Error()))
		return ctx.Err() == nil
	}

	d.deltaLink = link

	select {
	case d.events <- ResyncEvent():
		return true
	case <-ctx.Done():
		return false
	case <-d.stopped:
		return false
	}
}

// handleDeltaItem translates one driveItem into a change event. Folders and
// out-of-scope items are skipped. Returns false on shutdown.
func (d *GraphDetector) handleDeltaItem(ctx context.Context, item *graphDriveItem) bool {
	if item.Deleted != nil {
		d.pathMu.Lock()
		p, known := d.filePaths[item.ID]
		delete(d.filePaths, item.ID)
		d.pathMu.Unlock()

		if !known {
			p, known = graphItemPath(item)
			if !known {
				return true
			}
		}

		return d.emit(ctx, NewEvent(ChangeDelete, FileMetadata{Path: p, SourceID: item.ID}))
	}

	if item.File == nil {
		return true
	}

	p, ok := graphItemPath(item)
	if !ok || !d.filter.Match(p) {
		return true
	}

	d.pathMu.Lock()
	_, existed := d.filePaths[item.ID]
	d.filePaths[item.ID] = p
	d.pathMu.Unlock()

	typ := ChangeCreate
	if existed {
		typ = ChangeUpdate
	}

	return d.emit(ctx, NewEvent(typ, graphItemMeta(p, item)))
}

func (d *GraphDetector) emit(ctx context.Context, ev ChangeEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopped:
		return false
	}
}

// graphItemPath derives a drive-relative path from the parent reference.
// parentReference.path looks like "/drives/{id}/root:/sub/folder"; the part
// after the colon is the parent's path from the drive root.
func graphItemPath(item *graphDriveItem) (string, bool) {
	ref := item.ParentReference.Path
	if ref == "" {
		return "", false
	}

	idx := strings.Index(ref, ":")
	if idx < 0 {
		// Item directly under the root.
		return item.Name, true
	}

	parent := strings.TrimPrefix(ref[idx+1:], "/")
	if parent == "" {
		return item.Name, true
	}

	return joinPath(parent, item.Name), true
}

func graphItemMeta(p string, item *graphDriveItem) FileMetadata {
	meta := FileMetadata{
		Path:     p,
		SourceID: item.ID,
	}

	if item.Size > 0 {
		meta.Size = int64Ptr(item.Size)
	}

	if item.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, item.LastModifiedDateTime); err == nil {
			meta.ModifiedTimestamp = int64Ptr(t.UnixNano())
		}
	}

	return meta
}

// fetchDeltaPage fetches and decodes one delta page from a full URL.
func (d *GraphDetector) fetchDeltaPage(ctx context.Context, link string) (*graphDeltaPage, error) {
	resp, err := d.doRequest(ctx, http.MethodGet, link)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page graphDeltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, Transient(fmt.Errorf("decoding delta page: %w", err))
	}

	return &page, nil
}

// doRequest executes a Graph request with retry on throttling and server
// errors. 429 responses honor the Retry-After header; the caller owns the
// response body on success.
func (d *GraphDetector) doRequest(ctx context.Context, method, fullURL string) (*http.Response, error) {
	var attempt int

	for {
		req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("msgraph request: %w", err)
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("msgraph request canceled: %w", ctx.Err())
			}

			if attempt < graphMaxRetries {
				if d.sleepFunc(ctx, calcBackoff(attempt)) != nil {
					return nil, Transient(err)
				}

				attempt++

				continue
			}

			return nil, Transient(fmt.Errorf("msgraph %s failed after %d retries: %w", method, graphMaxRetries, err))
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone:
			return nil, errGraphGone
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, Fatal(fmt.Errorf("msgraph auth failed: status %d", resp.StatusCode))
		}

		if graphRetryable(resp.StatusCode) && attempt < graphMaxRetries {
			backoff := graphRetryAfter(resp)
			if backoff == 0 {
				backoff = calcBackoff(attempt)
			}

			d.logger.Warn("retrying after HTTP error",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if d.sleepFunc(ctx, backoff) != nil {
				return nil, Transient(fmt.Errorf("msgraph request canceled: status %d", resp.StatusCode))
			}

			attempt++

			continue
		}

		return nil, Transient(fmt.Errorf("msgraph request: status %d", resp.StatusCode))
	}
}

// graphRetryAfter returns the server-directed backoff for throttled
// responses, or zero.
func graphRetryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 0
}

// graphRetryable reports whether the status code should be retried.
func graphRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Stop terminates the poll loop and closes the event channel.
func (d *GraphDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
		close(d.events)

		d.logger.Info("msgraph detector stopped", slog.String("drive", d.params.driveRef()))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *GraphDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll enumerates the drive by running a delta cycle from an empty token,
// which the API defines as a complete listing.
func (d *GraphDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	link := graphBaseURL + d.params.driveScope() + "/root/delta"

	for {
		page, err := d.fetchDeltaPage(ctx, link)
		if err != nil {
			return err
		}

		for i := range page.Value {
			item := &page.Value[i]
			if item.File == nil || item.Deleted != nil {
				continue
			}

			p, ok := graphItemPath(item)
			if !ok || !d.filter.Match(p) {
				continue
			}

			d.pathMu.Lock()
			d.filePaths[item.ID] = p
			d.pathMu.Unlock()

			if err := fn(graphItemMeta(p, item)); err != nil {
				return err
			}
		}

		if page.NextLink == "" {
			return nil
		}

		link = page.NextLink
	}
}

// Load downloads the item's current bytes through the content endpoint.
func (d *GraphDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	link := graphBaseURL + d.params.driveScope() + "/items/" + url.PathEscape(meta.SourceID) + "/content"

	resp, err := d.doRequest(ctx, http.MethodGet, link)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading item %s: %w", meta.SourceID, err))
	}

	return data, nil
}

// Compile-time interface check.
var _ Detector = (*GraphDetector)(nil)
