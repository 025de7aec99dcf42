// Package engine implements the incremental sync core: it consumes change
// events from a detector, decides what work each change implies by consulting
// the state store, and drives the downstream index writers with at-least-once
// semantics. One engine instance serves one datasource config.
package engine

import (
	"context"
	"time"
)

// DocumentMeta identifies a document to the index writers. DocID is the
// idempotency key: writers upsert by it and delete by it.
type DocumentMeta struct {
	DocID      string
	ConfigID   string
	ProjectID  string
	SourcePath string
	SourceName string
	Ordinal    int64
	// ModifiedTimestamp is the source-reported modification time in Unix
	// nanoseconds, advisory only.
	ModifiedTimestamp *int64
}

// IndexPayload is the processed form of a document, produced once per apply
// and fanned out to all writers.
type IndexPayload struct {
	Meta DocumentMeta

	// Text is the extracted plain text for the vector and search indexes.
	Text string
	// Chunks is the text split for embedding. At least one chunk for any
	// non-empty document.
	Chunks []string
	// Entities and Relations feed the graph index.
	Entities  []GraphEntity
	Relations []GraphRelation
}

// GraphEntity is one node extracted from a document.
type GraphEntity struct {
	Name string
	Kind string
}

// GraphRelation is one edge extracted from a document. Subject and Object
// reference entity names.
type GraphRelation struct {
	Subject   string
	Predicate string
	Object    string
}

// DocumentProcessor turns raw source bytes into an index payload. Processing
// failures are classified like writer failures: transient errors requeue,
// permanent errors (unparseable formats) suppress the document until its
// content changes.
type DocumentProcessor interface {
	Process(ctx context.Context, meta DocumentMeta, data []byte) (*IndexPayload, error)
}

// VectorWriter maintains the vector index. Upsert must be idempotent on
// Meta.DocID; Delete of an absent document must succeed.
type VectorWriter interface {
	Upsert(ctx context.Context, payload *IndexPayload) error
	Delete(ctx context.Context, docID string) error
}

// SearchWriter maintains the full-text search index with the same contract
// as VectorWriter.
type SearchWriter interface {
	Upsert(ctx context.Context, payload *IndexPayload) error
	Delete(ctx context.Context, docID string) error
}

// GraphWriter maintains the graph index. Replace removes every entity and
// relation previously derived from the document before inserting the new
// set, so stale edges never survive an update.
type GraphWriter interface {
	Replace(ctx context.Context, payload *IndexPayload) error
	Delete(ctx context.Context, docID string) error
}

// Writers bundles the three index writers plus the processor. Graph may be
// nil only when the config sets skip_graph.
type Writers struct {
	Processor DocumentProcessor
	Vector    VectorWriter
	Search    SearchWriter
	Graph     GraphWriter

	// WriteTimeout bounds each individual writer call. Zero means the
	// default.
	WriteTimeout time.Duration

	// ApplyWorkers caps concurrent applies per engine. Zero means the
	// default.
	ApplyWorkers int
}

const (
	defaultWriteTimeout = 2 * time.Minute
	defaultApplyWorkers = 4
)

func (w *Writers) writeTimeout() time.Duration {
	if w.WriteTimeout > 0 {
		return w.WriteTimeout
	}

	return defaultWriteTimeout
}

func (w *Writers) applyWorkers() int {
	if w.ApplyWorkers > 0 {
		return w.ApplyWorkers
	}

	return defaultApplyWorkers
}

// PermanentError marks a writer or processor failure that retrying cannot
// fix for this document revision (schema violations, unparseable content).
// The engine records the failure and suppresses the document until its
// content hash changes or an operator forces a sync.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "engine: permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as unretryable for the current document revision.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}
