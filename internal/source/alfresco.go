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

	"github.com/go-stomp/stomp/v3"
)

const (
	alfrescoEventBuf = 256
	alfrescoPageSize = 100
	// alfrescoEventTopic is the repo event2 topic on the embedded ActiveMQ
	// broker.
	alfrescoEventTopic = "/topic/alfresco.repo.event2"

	alfrescoAPIBase = "/alfresco/api/-default-/public/alfresco/versions/1"
)

// Alfresco timestamps come back with a non-colon zone offset.
var alfrescoTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
}

// AlfrescoParams is the connection_params bag for Alfresco sources. The
// monitored subtree is scoped by node ID (root_node_id) or by repository
// path (root_path), not both. A STOMP broker address enables event mode via
// the repo event2 topic; event_mode forces it on, off, or leaves the choice
// to the broker address (auto, the default).
type AlfrescoParams struct {
	BaseURL    string `json:"base_url"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	RootNodeID string `json:"root_node_id"`
	RootPath   string `json:"root_path"`
	StompAddr  string `json:"stomp_addr"`
	EventMode  string `json:"event_mode"`
	Prefix     string `json:"prefix"`
	Suffix     string `json:"suffix"`
}

func (p *AlfrescoParams) rootNode() string {
	if p.RootNodeID != "" {
		return p.RootNodeID
	}

	return "-root-"
}

// alfrescoNode is the node entry shape shared by the children listing and
// single-node lookups.
type alfrescoNode struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsFile     bool   `json:"isFile"`
	IsFolder   bool   `json:"isFolder"`
	ModifiedAt string `json:"modifiedAt"`
	Content    struct {
		SizeInBytes int64 `json:"sizeInBytes"`
	} `json:"content"`
	Path struct {
		Name string `json:"name"`
	} `json:"path"`
}

// AlfrescoDetector monitors an Alfresco repository subtree over the public
// REST v1 API. Event mode subscribes to the repo event2 STOMP topic on the
// embedded broker; reconciliation walks the children listing breadth-first.
type AlfrescoDetector struct {
	params AlfrescoParams
	filter Filter
	stream bool
	logger *slog.Logger

	httpClient *http.Client

	events chan ChangeEvent

	// rootID and rootPath identify the configured root node, resolved at
	// Start. rootPath is absolute and used to relativize event paths.
	rootID   string
	rootPath string

	// pathMu guards filePaths, which remembers where a node was last seen so
	// deletion events can be routed to the right document.
	pathMu    sync.Mutex
	filePaths map[string]string

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewAlfrescoDetector builds a detector from raw connection params.
func NewAlfrescoDetector(rawParams string, streamEnabled bool, logger *slog.Logger) (*AlfrescoDetector, error) {
	var params AlfrescoParams
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, Fatal(fmt.Errorf("alfresco params: %w", err))
	}

	if params.BaseURL == "" {
		return nil, Fatal(errors.New("alfresco params: base_url is required"))
	}

	if params.Username == "" || params.Password == "" {
		return nil, Fatal(errors.New("alfresco params: username and password are required"))
	}

	if params.RootNodeID != "" && params.RootPath != "" {
		return nil, Fatal(errors.New("alfresco params: root_node_id and root_path are mutually exclusive"))
	}

	switch params.EventMode {
	case "", "auto", "on", "off":
	default:
		return nil, Fatal(fmt.Errorf("alfresco params: event_mode must be auto, on or off, got %q", params.EventMode))
	}

	if params.EventMode == "on" && params.StompAddr == "" {
		return nil, Fatal(errors.New("alfresco params: event_mode=on requires stomp_addr"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &AlfrescoDetector{
		params:     params,
		filter:     Filter{Prefix: params.Prefix, Suffix: params.Suffix},
		stream:     streamEnabled,
		logger:     logger,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		events:     make(chan ChangeEvent, alfrescoEventBuf),
		filePaths:  make(map[string]string),
		stopped:    make(chan struct{}),
	}, nil
}

// Start resolves the root node and, when event mode applies, begins
// consuming the event topic. A missing broker address downgrades to
// periodic-only mode unless event_mode=on forced it at construction.
func (d *AlfrescoDetector) Start(ctx context.Context) error {
	root, err := d.resolveRoot(ctx)
	if err != nil {
		return err
	}

	d.rootID = root.ID
	d.rootPath = strings.TrimSuffix(root.Path.Name, "/") + "/" + root.Name

	if !d.stream || d.params.EventMode == "off" {
		d.logger.Info("change stream disabled, running in periodic-only mode",
			slog.String("base_url", d.params.BaseURL))
		return nil
	}

	if d.params.StompAddr == "" {
		d.logger.Info("no STOMP broker configured, downgrading to periodic-only mode",
			slog.String("base_url", d.params.BaseURL))
		return nil
	}

	d.wg.Add(1)

	go d.stompLoop(ctx)

	d.logger.Info("alfresco detector started",
		slog.String("base_url", d.params.BaseURL),
		slog.String("stomp_addr", d.params.StompAddr),
	)

	return nil
}

// stompLoop maintains the broker subscription, reconnecting with backoff.
func (d *AlfrescoDetector) stompLoop(ctx context.Context) {
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

		err := d.consumeEvents(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrStopped) {
			return
		}

		backoff := calcBackoff(attempt)
		d.logger.Warn("stomp subscription lost, reconnecting",
			slog.Duration("backoff", backoff),
			slog.String("error", fmt.Sprint(err)),
		)

		if sleepCtx(ctx, backoff) != nil {
			return
		}

		attempt++
	}
}

// consumeEvents runs one broker session until it fails or the detector
// stops.
func (d *AlfrescoDetector) consumeEvents(ctx context.Context) error {
	conn, err := stomp.Dial("tcp", d.params.StompAddr,
		stomp.ConnOpt.Login(d.params.Username, d.params.Password),
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("stomp dial %s: %w", d.params.StompAddr, err)
	}
	defer conn.Disconnect() //nolint:errcheck // best-effort teardown

	sub, err := conn.Subscribe(alfrescoEventTopic, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("stomp subscribe %s: %w", alfrescoEventTopic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopped:
			return ErrStopped
		case msg, ok := <-sub.C:
			if !ok {
				return errors.New("stomp subscription channel closed")
			}

			if msg.Err != nil {
				return fmt.Errorf("stomp message: %w", msg.Err)
			}

			if !d.handleRepoEvent(ctx, msg.Body) {
				return ErrStopped
			}
		}
	}
}

// repoEvent is the repo event2 payload shape.
type repoEvent struct {
	Type string `json:"type"`
	Data struct {
		Resource struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			IsFile bool   `json:"isFile"`
		} `json:"resource"`
	} `json:"data"`
}

// handleRepoEvent translates one repo event2 message into a change event.
// Returns false on shutdown.
func (d *AlfrescoDetector) handleRepoEvent(ctx context.Context, body []byte) bool {
	var ev repoEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		d.logger.Warn("unparseable repo event", slog.String("error", err.Error()))
		return true
	}

	nodeID := ev.Data.Resource.ID
	if nodeID == "" {
		return true
	}

	switch ev.Type {
	case "org.alfresco.event.node.Deleted":
		d.pathMu.Lock()
		p, known := d.filePaths[nodeID]
		delete(d.filePaths, nodeID)
		d.pathMu.Unlock()

		if !known {
			return true
		}

		return d.emit(ctx, NewEvent(ChangeDelete, FileMetadata{Path: p, SourceID: nodeID}))

	case "org.alfresco.event.node.Created", "org.alfresco.event.node.Updated":
		if !ev.Data.Resource.IsFile {
			return true
		}

		// The event payload lacks ancestry; fetch the node to build the
		// repository-relative path.
		node, err := d.getNode(ctx, nodeID)
		if err != nil {
			if IsNotFound(err) {
				return true
			}

			d.logger.Warn("failed to resolve event node",
				slog.String("node", nodeID), slog.String("error", err.Error()))
			return true
		}

		p, inScope := d.relativize(node)
		if !inScope || !d.filter.Match(p) {
			return true
		}

		d.pathMu.Lock()
		_, existed := d.filePaths[nodeID]
		d.filePaths[nodeID] = p
		d.pathMu.Unlock()

		typ := ChangeCreate
		if existed || ev.Type == "org.alfresco.event.node.Updated" {
			typ = ChangeUpdate
		}

		return d.emit(ctx, NewEvent(typ, alfrescoNodeMeta(p, node)))
	}

	return true
}

func (d *AlfrescoDetector) emit(ctx context.Context, ev ChangeEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopped:
		return false
	}
}

// relativize strips the root node's absolute path from a node's full path.
// Returns false when the node lives outside the configured subtree.
func (d *AlfrescoDetector) relativize(node *alfrescoNode) (string, bool) {
	full := node.Path.Name + "/" + node.Name
	if !strings.HasPrefix(full, d.rootPath+"/") {
		return "", false
	}

	return strings.TrimPrefix(full, d.rootPath+"/"), true
}

func alfrescoNodeMeta(p string, node *alfrescoNode) FileMetadata {
	meta := FileMetadata{
		Path:     p,
		SourceID: node.ID,
	}

	if node.Content.SizeInBytes > 0 {
		meta.Size = int64Ptr(node.Content.SizeInBytes)
	}

	if ts := parseAlfrescoTime(node.ModifiedAt); ts != 0 {
		meta.ModifiedTimestamp = int64Ptr(ts)
	}

	return meta
}

func parseAlfrescoTime(s string) int64 {
	for _, layout := range alfrescoTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixNano()
		}
	}

	return 0
}

// Stop terminates the broker session and closes the event channel.
func (d *AlfrescoDetector) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
		close(d.events)

		d.logger.Info("alfresco detector stopped", slog.String("base_url", d.params.BaseURL))
	})

	return nil
}

// Subscribe returns the event channel.
func (d *AlfrescoDetector) Subscribe() <-chan ChangeEvent {
	return d.events
}

// ListAll walks the subtree breadth-first through the children listing.
func (d *AlfrescoDetector) ListAll(ctx context.Context, fn func(FileMetadata) error) error {
	type queuedFolder struct {
		id   string
		path string
	}

	rootID := d.rootID
	if rootID == "" {
		rootID = d.params.rootNode()
	}

	queue := []queuedFolder{{id: rootID, path: ""}}

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		skip := 0

		for {
			page, err := d.listChildren(ctx, folder.id, skip)
			if err != nil {
				return err
			}

			for i := range page.entries {
				node := &page.entries[i]
				p := joinPath(folder.path, node.Name)

				if node.IsFolder {
					queue = append(queue, queuedFolder{id: node.ID, path: p})
					continue
				}

				if !node.IsFile || !d.filter.Match(p) {
					continue
				}

				d.pathMu.Lock()
				d.filePaths[node.ID] = p
				d.pathMu.Unlock()

				if err := fn(alfrescoNodeMeta(p, node)); err != nil {
					return err
				}
			}

			if !page.hasMore {
				break
			}

			skip += len(page.entries)
		}
	}

	return nil
}

type childPage struct {
	entries []alfrescoNode
	hasMore bool
}

// listChildren fetches one page of a folder's children.
func (d *AlfrescoDetector) listChildren(ctx context.Context, nodeID string, skip int) (*childPage, error) {
	endpoint := fmt.Sprintf("%s%s/nodes/%s/children?skipCount=%d&maxItems=%d",
		strings.TrimSuffix(d.params.BaseURL, "/"), alfrescoAPIBase, url.PathEscape(nodeID), skip, alfrescoPageSize)

	body, err := d.restGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List struct {
			Pagination struct {
				HasMoreItems bool `json:"hasMoreItems"`
			} `json:"pagination"`
			Entries []struct {
				Entry alfrescoNode `json:"entry"`
			} `json:"entries"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, Transient(fmt.Errorf("children listing %s: %w", nodeID, err))
	}

	page := &childPage{hasMore: parsed.List.Pagination.HasMoreItems}
	for _, e := range parsed.List.Entries {
		page.entries = append(page.entries, e.Entry)
	}

	return page, nil
}

// resolveRoot fetches the configured root node, by relative repository path
// when root_path is set, otherwise by node ID.
func (d *AlfrescoDetector) resolveRoot(ctx context.Context) (*alfrescoNode, error) {
	if d.params.RootPath == "" {
		return d.getNode(ctx, d.params.rootNode())
	}

	endpoint := fmt.Sprintf("%s%s/nodes/-root-?include=path&relativePath=%s",
		strings.TrimSuffix(d.params.BaseURL, "/"), alfrescoAPIBase,
		url.QueryEscape(strings.Trim(d.params.RootPath, "/")))

	body, err := d.restGet(ctx, endpoint)
	if err != nil {
		if IsNotFound(err) {
			return nil, Fatal(fmt.Errorf("alfresco root_path %q does not exist", d.params.RootPath))
		}

		return nil, err
	}

	var parsed struct {
		Entry alfrescoNode `json:"entry"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, Transient(fmt.Errorf("root path %s: %w", d.params.RootPath, err))
	}

	return &parsed.Entry, nil
}

// getNode fetches a single node with its repository path.
func (d *AlfrescoDetector) getNode(ctx context.Context, nodeID string) (*alfrescoNode, error) {
	endpoint := fmt.Sprintf("%s%s/nodes/%s?include=path",
		strings.TrimSuffix(d.params.BaseURL, "/"), alfrescoAPIBase, url.PathEscape(nodeID))

	body, err := d.restGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Entry alfrescoNode `json:"entry"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, Transient(fmt.Errorf("node %s: %w", nodeID, err))
	}

	return &parsed.Entry, nil
}

// restGet performs one authenticated GET against the REST API.
func (d *AlfrescoDetector) restGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("alfresco request: %w", err)
	}

	req.SetBasicAuth(d.params.Username, d.params.Password)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("alfresco request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Fatal(fmt.Errorf("alfresco auth failed: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, Transient(fmt.Errorf("alfresco request: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("alfresco response: %w", err))
	}

	return body, nil
}

// Load downloads the node's content rendition.
func (d *AlfrescoDetector) Load(ctx context.Context, meta FileMetadata) ([]byte, error) {
	endpoint := fmt.Sprintf("%s%s/nodes/%s/content",
		strings.TrimSuffix(d.params.BaseURL, "/"), alfrescoAPIBase, url.PathEscape(meta.SourceID))

	return d.restGet(ctx, endpoint)
}

// Compile-time interface check.
var _ Detector = (*AlfrescoDetector)(nil)
