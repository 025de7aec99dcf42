package engine

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

// chunkSize is the target rune length for text chunks produced by the
// built-in processor.
const chunkSize = 2000

// TextProcessor is the built-in DocumentProcessor: it treats the bytes as
// UTF-8 text, splits them into fixed-size chunks on whitespace boundaries,
// and extracts no graph structure. Deployments with real embedding and
// entity-extraction pipelines supply their own implementation.
type TextProcessor struct{}

// Process implements DocumentProcessor.
func (TextProcessor) Process(_ context.Context, meta DocumentMeta, data []byte) (*IndexPayload, error) {
	text := string(data)

	return &IndexPayload{
		Meta:   meta,
		Text:   text,
		Chunks: chunkText(text),
	}, nil
}

// chunkText splits text into roughly chunkSize-rune pieces, breaking at the
// last whitespace before the limit when one exists.
func chunkText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []string

	for len(runes) > 0 {
		if len(runes) <= chunkSize {
			chunks = append(chunks, string(runes))
			break
		}

		cut := chunkSize

		for i := chunkSize - 1; i > chunkSize/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i + 1
				break
			}
		}

		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \t\n"))
		runes = runes[cut:]
	}

	return chunks
}

// LogWriter is a stand-in index writer that logs every operation. It backs
// all three writer roles for dry-run deployments where no real indexes are
// attached; every call succeeds, so sync state advances normally.
type LogWriter struct {
	target string
	logger *slog.Logger
}

// Upsert implements VectorWriter and SearchWriter.
func (w *LogWriter) Upsert(_ context.Context, payload *IndexPayload) error {
	w.logger.Info("index upsert",
		slog.String("target", w.target),
		slog.String("doc_id", payload.Meta.DocID),
		slog.Int("chunks", len(payload.Chunks)),
	)

	return nil
}

// Replace implements GraphWriter.
func (w *LogWriter) Replace(_ context.Context, payload *IndexPayload) error {
	w.logger.Info("graph replace",
		slog.String("target", w.target),
		slog.String("doc_id", payload.Meta.DocID),
		slog.Int("entities", len(payload.Entities)),
		slog.Int("relations", len(payload.Relations)),
	)

	return nil
}

// Delete implements all three writer interfaces.
func (w *LogWriter) Delete(_ context.Context, docID string) error {
	w.logger.Info("index delete",
		slog.String("target", w.target),
		slog.String("doc_id", docID),
	)

	return nil
}

// NewLogWriters bundles logging stand-ins for all targets with the built-in
// text processor.
func NewLogWriters(logger *slog.Logger) *Writers {
	if logger == nil {
		logger = slog.Default()
	}

	return &Writers{
		Processor: TextProcessor{},
		Vector:    &LogWriter{target: "vector", logger: logger},
		Search:    &LogWriter{target: "search", logger: logger},
		Graph:     &LogWriter{target: "graph", logger: logger},
	}
}

// Compile-time interface checks.
var (
	_ DocumentProcessor = TextProcessor{}
	_ VectorWriter      = (*LogWriter)(nil)
	_ SearchWriter      = (*LogWriter)(nil)
	_ GraphWriter       = (*LogWriter)(nil)
)
