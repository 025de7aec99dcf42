package engine

import "sync"

// failureTracker remembers documents whose current revision failed
// permanently, so the engine does not burn retries on content that will
// never process. Suppression is keyed by (doc, content hash): a changed
// document gets a fresh chance, and an operator-forced sync clears the
// whole set. In-memory only; a restart also clears it, which merely costs
// one more attempt per failed document.
type failureTracker struct {
	mu sync.Mutex
	// failed maps doc_id to the content hash that failed.
	failed map[string]string
}

func newFailureTracker() *failureTracker {
	return &failureTracker{failed: make(map[string]string)}
}

// Suppressed reports whether this revision of the document already failed
// permanently.
func (t *failureTracker) Suppressed(docID, contentHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	hash, ok := t.failed[docID]

	return ok && hash == contentHash
}

// MarkFailed records a permanent failure for the document's revision.
func (t *failureTracker) MarkFailed(docID, contentHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failed[docID] = contentHash
}

// Clear forgets one document, typically after a successful apply or delete.
func (t *failureTracker) Clear(docID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.failed, docID)
}

// Reset forgets everything. Called on operator-forced syncs.
func (t *failureTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failed = make(map[string]string)
}

// Len returns the number of suppressed documents, for status reporting.
func (t *failureTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.failed)
}
