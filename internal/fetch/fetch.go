// Package fetch defines the external document fetcher the RAG-Ingest
// processor calls to turn a `source` reference into raw bytes plus
// mime/source metadata (spec §4.8 step 1), grounded in the teacher's SSRF-
// guarded web fetch tool (internal/tools/websearch/extract.go) but narrowed
// to the fetch-only concern; text normalization stays in the processor.
package fetch

import "context"

// Document is the raw result of fetching a source reference.
type Document struct {
	Content    []byte
	MimeType   string
	SourceType string
	SourceURI  string
}

// Fetcher retrieves a document from a source reference (URL, file path, or
// opaque handle understood by a concrete implementation).
type Fetcher interface {
	Fetch(ctx context.Context, source string) (Document, error)
}
