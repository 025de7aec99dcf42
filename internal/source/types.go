// Package source implements the change detectors: one per external
// repository type, behind a uniform contract. A detector translates
// source-native change notifications into a stream of ChangeEvents, provides
// a full snapshot enumeration for reconciliation, and loads document bytes
// on demand. Detectors do not dedupe across restarts; that is the engine's
// job via the state store.
package source

import (
	"context"
	"path"
	"strings"
	"time"
)

// ChangeType classifies a change event.
type ChangeType int

// Change types emitted on the subscription stream. ChangeResync is a
// sentinel: the detector has lost continuity with its provider (expired
// page token, change-feed gap) and the engine must run a full
// reconciliation pass.
const (
	ChangeCreate ChangeType = iota
	ChangeUpdate
	ChangeDelete
	ChangeResync
)

// String returns the change type label for logging.
func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeResync:
		return "resync"
	default:
		return "unknown"
	}
}

// FileMetadata describes one item as observed in the source.
type FileMetadata struct {
	Path              string
	SourceID          string // source-native opaque ID; empty when unavailable
	ModifiedTimestamp *int64 // Unix nanoseconds, advisory
	Size              *int64
}

// ChangeEvent is one observed change. In-memory only, never persisted.
type ChangeEvent struct {
	Type       ChangeType
	Meta       FileMetadata
	ReceivedAt int64 // detector-local wall clock, diagnostics only
}

// NewEvent builds a ChangeEvent stamped with the current time.
func NewEvent(t ChangeType, meta FileMetadata) ChangeEvent {
	return ChangeEvent{Type: t, Meta: meta, ReceivedAt: time.Now().UnixNano()}
}

// ResyncEvent builds the stream sentinel for lost continuity.
func ResyncEvent() ChangeEvent {
	return ChangeEvent{Type: ChangeResync, ReceivedAt: time.Now().UnixNano()}
}

// Detector is the uniform capability set over all source types. The engine
// and supervisor depend only on this interface; source-specific behavior and
// dependencies live behind it.
type Detector interface {
	// Start allocates resources (watchers, queue consumers, API sessions)
	// and begins emitting on the subscription channel. When the event
	// mechanism is unavailable the detector downgrades to periodic-only
	// mode, logging the downgrade once; only permanent auth/permission
	// failures are returned as Fatal.
	Start(ctx context.Context) error

	// Stop releases all resources and closes the subscription channel.
	// After return, no further events are emitted.
	Stop() error

	// ListAll streams the current snapshot of items matching the configured
	// filter through fn, without buffering the full remote listing.
	// Returning an error from fn stops enumeration.
	ListAll(ctx context.Context, fn func(FileMetadata) error) error

	// Subscribe returns the event channel. Zero or more events; the channel
	// is closed only by Stop. Delivery is at-least-once; CREATE followed by
	// a rapid UPDATE may be coalesced, DELETE is never swallowed.
	Subscribe() <-chan ChangeEvent

	// Load returns the current bytes of a document. ErrNotFound when the
	// document disappeared between event and load; transient errors are
	// marked as such and the caller requeues with backoff.
	Load(ctx context.Context, meta FileMetadata) ([]byte, error)
}

// Filter restricts which items a detector observes. Applied before events
// are emitted and during enumeration.
type Filter struct {
	Prefix string // path prefix, e.g. "reports/"
	Suffix string // path suffix, e.g. ".pdf"
}

// Match reports whether a path passes the filter.
func (f Filter) Match(p string) bool {
	if f.Prefix != "" && !strings.HasPrefix(p, f.Prefix) {
		return false
	}

	if f.Suffix != "" && !strings.HasSuffix(p, f.Suffix) {
		return false
	}

	return true
}

// joinPath joins path segments with forward slashes regardless of platform.
// Source paths use forward slashes for cross-source consistency.
func joinPath(segments ...string) string {
	return path.Join(segments...)
}
