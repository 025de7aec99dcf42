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
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	boxAPIBase    = "https://api.box.com/2.0"
	boxTokenURL   = "https://api.box.com/oauth2/token" //nolint:gosec // endpoint, not a credential
	boxEventBuf   = 256
	boxPageSize   = 1000
	boxEventLimit = 500

	defaultBoxPollInterval = 30 * time.Second
)

// BoxParams is the connection_params bag for Box sources. Authentication is
// either a pre-issued developer token or a server-side client-credentials
// grant; the grant acts as the enterprise service account (enterprise_id) or
// as one user (user_id).
type BoxParams struct {
	DeveloperToken   string `json:"developer_token"`
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret"`
	EnterpriseID     string `json:"enterprise_id"`
	UserID           string `json:"user_id"`
	FolderID         string `json:"folder_id"`
	Recursive        *bool  `json:"recursive"`
	Suffix           string `json:"suffix"`
	PollIntervalSecs int    `json:"poll_interval_seconds"`
}

func (p *BoxParams) folderID() string {
	if p.FolderID != "" {
		return p.FolderID
	}

	return "0"
}

// recursive defaults to true.
func (p *BoxParams) recursive() bool {
	return p.Recursive == nil || *p.Recursive
}

func (p *BoxParams) pollInterval() time.Duration {
	if p.PollIntervalSecs > 0 {
		return time.Duration(p.PollIntervalSecs) * time.Second
	}

	return defaultBoxPollInterval
}

// boxItem is the item shape shared by folder listings and event sources.
type boxItem struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	ModifiedAt     string `json:"modified_at"`
	SHA1           string `json:"sha1"`
	PathCollection struct {
		Entries []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"entries"`
	} `json:"path_collection"`
}

// BoxDetector monitors a Box folder tree. Event mode polls the enterprise
// event stream with a persistent-for-the-session stream position;
// reconciliation walks the folder items listing breadth-first.
type BoxDetector struct {
	params BoxParams
	filter Filter
	stream bool
	logger *slog.Logger

	httpClient *http.Client

	events chan ChangeEvent

	// rootPath is the absolute Box path of the scoped folder ("All Files/..."),
	// resolved at Start and used to relativize event paths.
	rootPath       string
	streamPosition string

	pathMu    sync.Mutex
	filePaths map[string]string

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewBoxDetector builds a detector from raw connection params.
func NewBoxDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*BoxDetector, error) {
	var params BoxParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("box params: %w", err))
	}

	if params.DeveloperToken == "" {
		if params.ClientID == "" || params.ClientSecret == "" {
			return nil, Fatal(errors.New("box params: developer_token or client_id/client_secret is required"))
		}

		if params.EnterpriseID == "" && params.UserID == "" {
			return nil, Fatal(errors.New("box params: enterprise_id or user_id is required with client credentials"))
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &BoxDetector{
		params:    params,
		filter:    Filter{Suffix: params.Suffix},
		stream:    streamEnabled,
		logger:    logger,
		events:    make(chan ChangeEvent, boxEventBuf),
		filePaths: make(map[string]string),
		stopped:   make(chan struct{}),
	}, nil
}

// Start builds the authenticated client, resolves the scoped folder's path,
// seeds the event stream position, and begins the poll loop.
func (d *BoxDetector) Start(ctx context.Context) error {
	if d.httpClient == nil {
		d.httpClient = d.buildClient(ctx)
	}

	root, err := d.getFolder(ctx, d.params.folderID())
	if err != nil {
		return err
	}

	d.rootPath = boxFullPath(root)

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("folder", d.params.folderID()))
		return nil
	}

	// "now" skips history; changes made before startup belong to
	// reconciliation.
	pos, err := d.fetchStreamPosition(ctx)
	if err != nil {
		d.logger.Info("event stream unavailable, downgrading to periodic-only mode",
			slog.String("error", err.Error()))
		return nil
	}

	d.streamPosition = pos

	d.wg.Add(1)

	go d.pollLoop(ctx)

	d.logger.Info("box detector started",
		slog.String("folder", d.params.folderID()),
		slog.Duration("poll_interval", d.params.pollInterval()),
	)

	return nil
}

// buildClient returns the authenticated HTTP client: a static token source
// for developer tokens, otherwise a client-credentials grant acting as the
// enterprise or the configured user.
func (d *BoxDetector) buildClient(ctx context.Context) *http.Client {
	if d.params.DeveloperToken != "" {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: d.params.DeveloperToken}))
	}

	subjectType, subjectID := "enterprise", d.params.EnterpriseID
	if d.params.UserID != "" {
		subjectType, subjectID = "user", d.params.UserID
	}

	cfg := &clientcredentials.Config{
		ClientID:     d.params.ClientID,
		ClientSecret: d.params.ClientSecret,
		TokenURL:     boxTokenURL,
		EndpointParams: url.Values{
			"box_subject_type": {subjectType},
			"box_subject_id":   {subjectID},
		},
	}

	return cfg.Client(ctx)
}

// fetchStreamPosition asks the events endpoint for the current position.
func (d *BoxDetector) fetchStreamPosition(ctx context.Context) (string, error) {
	body, err := d.apiGet(ctx, boxAPIBase+"/events?stream_position=now&stream_type=changes")
	if err != nil {
		return "", err
	}

	var parsed struct {
		NextStreamPosition json.Number `json:"next_stream_position"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("events position: %w", err)
	}

	return parsed.NextStreamPosition.String(), nil
}

// pollLoop polls the event stream on a fixed cadence.
func (d *BoxDetector) pollLoop(ctx context.Context) {
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

		if err := d.pollEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			backoff := calcBackoff(attempt)
			d.logger.Warn("box events poll failed, backing off",
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
	}
}

// pollEvents drains pending event pages from the current stream position.
func (d *BoxDetector) pollEvents(ctx context.Context) error {
	for {
		endpoint := fmt.Sprintf("%s/events?stream_position=%s&stream_type=changes&limit=%d",
			boxAPIBase, url.QueryEscape(d.streamPosition), boxEventLimit)

		body, err := d.apiGet(ctx, endpoint)
		if err != nil {
			return err
		}

		var parsed struct {
			Entries []struct {
				EventType string  `json:"event_type"`
				Source    boxItem `json:"source"`
			} `json:"entries"`
			NextStreamPosition json.Number `json:"next_stream_position"`
			ChunkSize          int         `json:"chunk_size"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Transient(fmt.Errorf("events page: %w", err))
		}

		for i := range parsed.Entries {
			if !d.handleBoxEvent(ctx, parsed.Entries[i].EventType, &parsed.Entries[i].Source) {
				return nil
			}
		}

		d.streamPosition = parsed.NextStreamPosition.String()

		if parsed.ChunkSize < boxEventLimit {
			return nil
		}
	}
}

// handleBoxEvent translates one stream entry into a change event. Returns
// false on shutdown.
func (d *BoxDetector) handleBoxEvent(ctx context.Context, eventType string, item *boxItem) bool {
	if item.Type != "file" {
		return true
	}

	switch eventType {
	case "ITEM_TRASH":
		d.pathMu.Lock()
		p, known := d.filePaths[item.ID]
		delete(d.filePaths, item.ID)
		d.pathMu.Unlock()

		if !known {
			return true
		}

		return d.emit(ctx, NewEvent(ChangeDelete, FileMetadata{Path: p, SourceID: item.ID}))

	case "ITEM_CREATE", "ITEM_UPLOAD", "ITEM_MODIFY", "ITEM_RENAME", "ITEM_MOVE", "ITEM_UNDELETE_VIA_TRASH":
		p, inScope := d.relativize(item)
		if !inScope || !d.filter.Match(p) {
			return true
		}

		// Non-recursive sources only index direct children of the root folder.
		if !d.params.recursive() && strings.Contains(p, "/") {
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

		return d.emit(ctx, NewEvent(typ, boxItemMeta(p, item)))
	}

	return true
}

func (d *BoxDetector) emit(ctx context.Context, ev ChangeEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopped:
		return false
	}
}

// boxFullPath joins an item's ancestor names with its own.
func boxFullPath(item *boxItem) string {
	segments := make([]string, 0, len(item.PathCollection.Entries)+1)
	for _, e := range item.PathCollection.Entries {
		segments = append(segments, e.Name)
	}

	segments = append(segments, item.Name)

	return strings.Join(segments, "/")
}

// relativize strips the scoped folder's path from an item's full path.
// Returns false for items outside the tree.
func (d *BoxDetector) relativize(item *boxItem) (string, bool) {
	full := boxFullPath(item)
	if !strings.HasPrefix(full, d.rootPath+"/") {
		return "", false
	}

	return strings.TrimPrefix(full, d.rootPath+"/"), true
}

func boxItemMeta(p string, item *boxItem) FileMetadata {
	meta := FileMetadata{
		Path:     p,
		SourceID: item.ID,
	}

	if item.Size > 0 {
		meta.Size = int64Ptr(item.Size)
	}

	if item.ModifiedAt != "" {
		if t, err := time.Parse(time.RFC3339, item.ModifiedAt); err == nil {
			meta.ModifiedTimestamp = int64Ptr(t.UnixNano())
		}
	}

	return meta
}

// Stop terminates the poll loop and closes the event channel.
func (d *BoxDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
		close(d.events)

		d.logger.Info("box detector stopped", slog.String("folder", d.params.folderID()))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *BoxDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll walks the folder tree breadth-first through the items listing.
func (d *BoxDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	type queuedFolder struct {
		id   string
		path string
	}

	queue := []queuedFolder{{id: d.params.folderID(), path: ""}}

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		offset := 0

		for {
			endpoint := fmt.Sprintf("%s/folders/%s/items?limit=%d&offset=%d&fields=id,name,type,size,modified_at,sha1",
				boxAPIBase, url.PathEscape(folder.id), boxPageSize, offset)

			body, err := d.apiGet(ctx, endpoint)
			if err != nil {
				return err
			}

			var parsed struct {
				TotalCount int       `json:"total_count"`
				Entries    []boxItem `json:"entries"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return Transient(fmt.Errorf("folder items %s: %w", folder.id, err))
			}

			for i := range parsed.Entries {
				item := &parsed.Entries[i]
				p := joinPath(folder.path, item.Name)

				if item.Type == "folder" {
					if d.params.recursive() {
						queue = append(queue, queuedFolder{id: item.ID, path: p})
					}

					continue
				}

				if item.Type != "file" || !d.filter.Match(p) {
					continue
				}

				d.pathMu.Lock()
				d.filePaths[item.ID] = p
				d.pathMu.Unlock()

				if err := fn(boxItemMeta(p, item)); err != nil {
					return err
				}
			}

			offset += len(parsed.Entries)
			if offset >= parsed.TotalCount || len(parsed.Entries) == 0 {
				break
			}
		}
	}

	return nil
}

// getFolder fetches a folder's metadata including its ancestry.
func (d *BoxDetector) getFolder(ctx context.Context, folderID string) (*boxItem, error) {
	body, err := d.apiGet(ctx, fmt.Sprintf("%s/folders/%s?fields=id,name,path_collection",
		boxAPIBase, url.PathEscape(folderID)))
	if err != nil {
		return nil, err
	}

	var parsed boxItem
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, Transient(fmt.Errorf("folder %s: %w", folderID, err))
	}

	return &parsed, nil
}

// apiGet performs one authenticated GET against the Box API.
func (d *BoxDetector) apiGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("box request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("box request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Fatal(fmt.Errorf("box auth failed: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("box request: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, Transient(fmt.Errorf("box request: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("box response: %w", err))
	}

	return body, nil
}

// Load downloads the file's bytes. The content endpoint redirects to a
// download URL, which the HTTP client follows.
func (d *BoxDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	return d.apiGet(ctx, fmt.Sprintf("%s/files/%s/content", boxAPIBase, url.PathEscape(meta.SourceID)))
}

// Compile-time interface check.
var _ Detector = (*BoxDetector)(nil)
