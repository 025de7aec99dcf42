package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultDrivePollInterval = 60 * time.Second
	driveEventBuf            = 256
	drivePageSize            = 1000

	driveFolderMime = "application/vnd.google-apps.folder"
	driveNativeMime = "application/vnd.google-apps."
)

// Export formats for Google-native documents, which have no binary content
// of their own.
var driveExportMimes = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
	"application/vnd.google-apps.presentation": "text/plain",
}

// DriveParams is the connection_params bag for Google Drive sources. The
// detector is scoped to one folder tree.
type DriveParams struct {
	FolderID         string `json:"folder_id"`
	CredentialsJSON  string `json:"credentials_json"`
	Recursive        *bool  `json:"recursive"`
	Suffix           string `json:"suffix"`
	PollIntervalSecs int    `json:"poll_interval_seconds"`
}

func (p *DriveParams) pollInterval() time.Duration {
	if p.PollIntervalSecs > 0 {
		return time.Duration(p.PollIntervalSecs) * time.Second
	}

	return defaultDrivePollInterval
}

// recursive defaults to true.
func (p *DriveParams) recursive() bool {
	return p.Recursive == nil || *p.Recursive
}

// DriveDetector monitors a Google Drive folder tree. Event mode polls the
// Changes API with a stored page token; an invalidated token emits the
// resync sentinel and restarts from a fresh start token. Reconciliation
// walks the folder tree breadth-first.
type DriveDetector struct {
	params DriveParams
	filter Filter
	stream bool
	logger *slog.Logger

	svc *drive.Service

	events    chan ChangeEvent
	pageToken string

	// pathMu guards the id-to-path caches shared between the poll loop and
	// ListAll.
	pathMu sync.Mutex
	// folderPaths maps folder ID to its path relative to the root folder.
	// The root maps to "".
	folderPaths map[string]string
	// filePaths remembers where a file was last seen so deletions can be
	// routed to the right document.
	filePaths map[string]string

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewDriveDetector builds a detector from raw connection params.
func NewDriveDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*DriveDetector, error) {
	var params DriveParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("gdrive params: %w", err))
	}

	if params.FolderID == "" {
		return nil, Fatal(errors.New("gdrive params: folder_id is required"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DriveDetector{
		params:      params,
		filter:      Filter{Suffix: params.Suffix},
		stream:      streamEnabled,
		logger:      logger,
		events:      make(chan ChangeEvent, driveEventBuf),
		folderPaths: map[string]string{params.FolderID: ""},
		filePaths:   make(map[string]string),
		stopped:     make(chan struct{}),
	}, nil
}

// Start builds the Drive service, fetches a start page token, and begins the
// change poll loop.
func (d *DriveDetector) Start(ctx context.Context) error {
	if d.svc == nil {
		var opts []option.ClientOption
		if d.params.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(d.params.CredentialsJSON)))
		}

		svc, err := drive.NewService(ctx, opts...)
		if err != nil {
			return Fatal(fmt.Errorf("gdrive service: %w", err))
		}

		d.svc = svc
	}

	if !d.stream {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("folder", d.params.FolderID))
		return nil
	}

	token, err := d.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		if isDriveAuthErr(err) {
			return Fatal(fmt.Errorf("gdrive start token: %w", err))
		}

		// Changes made before the first successful poll are caught by
		// reconciliation.
		d.logger.Info("change polling unavailable, downgrading to periodic-only mode",
			slog.String("error", err.Error()))
		return nil
	}

	d.pageToken = token.StartPageToken

	d.wg.Add(1)

	go d.pollLoop(ctx)

	d.logger.Info("gdrive detector started",
		slog.String("folder", d.params.FolderID),
		slog.Duration("poll_interval", d.params.pollInterval()),
	)

	return nil
}

// pollLoop polls the Changes API on a fixed cadence.
func (d *DriveDetector) pollLoop(ctx context.Context) {
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

		if err := d.pollChanges(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			backoff := calcBackoff(attempt)
			d.logger.Warn("gdrive changes poll failed, backing off",
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

// pollChanges drains all pending change pages. An invalidated page token
// emits the resync sentinel and restarts from a fresh start token.
func (d *DriveDetector) pollChanges(ctx context.Context) error {
	token := d.pageToken

	for token != "" {
		list, err := d.svc.Changes.List(token).
			PageSize(drivePageSize).
			Fields("nextPageToken, newStartPageToken, changes(fileId, removed, file(id, name, mimeType, size, modifiedTime, trashed, parents))").
			Context(ctx).
			Do()
		if err != nil {
			if isDriveTokenErr(err) {
				return d.resync(ctx)
			}

			return Transient(fmt.Errorf("changes list: %w", err))
		}

		for _, ch := range list.Changes {
			if !d.handleChange(ctx, ch) {
				return nil
			}
		}

		if list.NewStartPageToken != "" {
			d.pageToken = list.NewStartPageToken
		}

		token = list.NextPageToken
	}

	return nil
}

// resync signals lost change-feed continuity and rebases on a fresh token.
func (d *DriveDetector) resync(ctx context.Context) error {
	token, err := d.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return Transient(fmt.Errorf("refresh start token: %w", err))
	}

	d.pageToken = token.StartPageToken

	d.logger.Warn("gdrive page token expired, requesting full reconciliation")

	select {
	case d.events <- ResyncEvent():
	case <-ctx.Done():
	case <-d.stopped:
	}

	return nil
}

// handleChange translates one Drive change into a change event. Files
// outside the scoped folder tree are ignored. Returns false on shutdown.
func (d *DriveDetector) handleChange(ctx context.Context, ch *drive.Change) bool {
	if ch.Removed || (ch.File != nil && ch.File.Trashed) {
		d.pathMu.Lock()
		p, known := d.filePaths[ch.FileId]
		delete(d.filePaths, ch.FileId)
		d.pathMu.Unlock()

		if !known {
			// Never seen inside our tree; nothing to delete.
			return true
		}

		return d.emit(ctx, NewEvent(ChangeDelete, FileMetadata{Path: p, SourceID: ch.FileId}))
	}

	f := ch.File
	if f == nil || f.MimeType == driveFolderMime {
		return true
	}

	p, ok := d.resolvePath(ctx, f)
	if !ok || !d.filter.Match(p) {
		return true
	}

	// Non-recursive sources only index direct children of the root folder.
	if !d.params.recursive() && strings.Contains(p, "/") {
		return true
	}

	d.pathMu.Lock()
	_, existed := d.filePaths[f.Id]
	d.filePaths[f.Id] = p
	d.pathMu.Unlock()

	typ := ChangeCreate
	if existed {
		typ = ChangeUpdate
	}

	return d.emit(ctx, NewEvent(typ, driveFileMeta(p, f)))
}

func (d *DriveDetector) emit(ctx context.Context, ev ChangeEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopped:
		return false
	}
}

// resolvePath maps a file to its path relative to the root folder by walking
// parent folders, consulting and filling the folder path cache. Returns
// false when the file is outside the scoped tree.
func (d *DriveDetector) resolvePath(ctx context.Context, f *drive.File) (string, bool) {
	if len(f.Parents) == 0 {
		return "", false
	}

	parentPath, ok := d.folderPath(ctx, f.Parents[0], 0)
	if !ok {
		return "", false
	}

	return joinPath(parentPath, f.Name), true
}

// folderPath resolves a folder ID to its relative path, walking upward until
// it reaches the root folder or leaves the tree.
func (d *DriveDetector) folderPath(ctx context.Context, folderID string, depth int) (string, bool) {
	// Drive trees are shallow in practice; the bound guards against parent
	// cycles from concurrent moves.
	if depth > 64 {
		return "", false
	}

	d.pathMu.Lock()
	p, cached := d.folderPaths[folderID]
	d.pathMu.Unlock()

	if cached {
		return p, true
	}

	f, err := d.svc.Files.Get(folderID).Fields("id, name, parents").Context(ctx).Do()
	if err != nil || len(f.Parents) == 0 {
		return "", false
	}

	parentPath, ok := d.folderPath(ctx, f.Parents[0], depth+1)
	if !ok {
		return "", false
	}

	p = joinPath(parentPath, f.Name)

	d.pathMu.Lock()
	d.folderPaths[folderID] = p
	d.pathMu.Unlock()

	return p, true
}

// Stop terminates the poll loop and closes the event channel.
func (d *DriveDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
		close(d.events)

		d.logger.Info("gdrive detector stopped", slog.String("folder", d.params.FolderID))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *DriveDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll walks the folder tree breadth-first, streaming matching files
// through fn and refreshing the path caches along the way.
func (d *DriveDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	type queuedFolder struct {
		id   string
		path string
	}

	queue := []queuedFolder{{id: d.params.FolderID, path: ""}}

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		pageToken := ""

		for {
			call := d.svc.Files.List().
				Q(fmt.Sprintf("'%s' in parents and trashed = false", folder.id)).
				PageSize(drivePageSize).
				Fields("nextPageToken, files(id, name, mimeType, size, modifiedTime)").
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			list, err := call.Do()
			if err != nil {
				return Transient(fmt.Errorf("list folder %s: %w", folder.id, err))
			}

			for _, f := range list.Files {
				p := joinPath(folder.path, f.Name)

				if f.MimeType == driveFolderMime {
					d.pathMu.Lock()
					d.folderPaths[f.Id] = p
					d.pathMu.Unlock()

					if d.params.recursive() {
						queue = append(queue, queuedFolder{id: f.Id, path: p})
					}

					continue
				}

				if !d.filter.Match(p) {
					continue
				}

				d.pathMu.Lock()
				d.filePaths[f.Id] = p
				d.pathMu.Unlock()

				if err := fn(driveFileMeta(p, f)); err != nil {
					return err
				}
			}

			if list.NextPageToken == "" {
				break
			}

			pageToken = list.NextPageToken
		}
	}

	return nil
}

func driveFileMeta(p string, f *drive.File) FileMetadata {
	meta := FileMetadata{
		Path:     p,
		SourceID: f.Id,
	}

	if f.Size > 0 {
		meta.Size = int64Ptr(f.Size)
	}

	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			meta.ModifiedTimestamp = int64Ptr(t.UnixNano())
		}
	}

	return meta
}

// Load downloads the file's bytes. Google-native documents are exported to
// a text format since they have no binary content.
func (d *DriveDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	f, err := d.svc.Files.Get(meta.SourceID).Fields("id, mimeType").Context(ctx).Do()
	if err != nil {
		if isDriveNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, Transient(fmt.Errorf("get file %s: %w", meta.SourceID, err))
	}

	var body io.ReadCloser

	if strings.HasPrefix(f.MimeType, driveNativeMime) {
		exportMime, ok := driveExportMimes[f.MimeType]
		if !ok {
			exportMime = "text/plain"
		}

		r, err := d.svc.Files.Export(meta.SourceID, exportMime).Context(ctx).Download()
		if err != nil {
			return nil, Transient(fmt.Errorf("export file %s: %w", meta.SourceID, err))
		}

		body = r.Body
	} else {
		r, err := d.svc.Files.Get(meta.SourceID).Context(ctx).Download()
		if err != nil {
			if isDriveNotFound(err) {
				return nil, ErrNotFound
			}

			return nil, Transient(fmt.Errorf("download file %s: %w", meta.SourceID, err))
		}

		body = r.Body
	}

	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading file %s: %w", meta.SourceID, err))
	}

	return data, nil
}

func isDriveNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func isDriveTokenErr(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && (apiErr.Code == 404 || apiErr.Code == 410)
}

func isDriveAuthErr(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403)
}

// Compile-time interface check.
var _ Detector = (*DriveDetector)(nil)
