// Package domain holds the gateway's document model and the interfaces of
// its storage tiers. Papers travel through the system as JSON value trees
// (map[string]any) because the upstream schema grows over time; typed
// accessors below pull out the handful of fields the gateway itself needs.
package domain

import (
	"time"
)

// Ingest states for a graph-tier paper node. A node written from a complete
// upstream fetch is full; a node created only as the endpoint of a citation
// edge is a stub until a full fetch upgrades it.
const (
	IngestFull = "full"
	IngestStub = "stub"
)

// Chunk types for out-of-line payloads attached to a paper.
const (
	ChunkMetadata      = "metadata"
	ChunkCitations     = "citations"
	ChunkReferences    = "references"
	ChunkCitationsPlan = "citations_plan"
)

// Document is an upstream paper payload, kept as a JSON value tree.
type Document = map[string]any

// PaperID returns the canonical 40-hex id of a document, or "".
func PaperID(doc Document) string {
	id, _ := doc["paperId"].(string)
	return id
}

// Title returns the document title, or "".
func Title(doc Document) string {
	t, _ := doc["title"].(string)
	return t
}

// IntField reads a numeric document field, tolerating the float64 that
// encoding/json produces and the int that in-process writers produce.
func IntField(doc Document, key string) (int, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// StringField reads a string document field, or "".
func StringField(doc Document, key string) string {
	s, _ := doc[key].(string)
	return s
}

// DocumentList coerces a document field to a list of documents. Non-map
// elements are skipped.
func DocumentList(doc Document, key string) []Document {
	raw, ok := doc[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Document, 0, len(raw))
	for _, elem := range raw {
		if m, ok := elem.(Document); ok {
			out = append(out, m)
		}
	}
	return out
}

// LastUpdated parses the document's lastUpdated stamp. The graph tier writes
// RFC3339; older rows may carry a bare datetime without zone.
func LastUpdated(doc Document) (time.Time, bool) {
	raw, ok := doc["lastUpdated"].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Fresh reports whether a graph-tier document passed the freshness gate: its
// lastUpdated stamp is younger than maxAge. Documents without a parseable
// stamp are treated as stale so the caller falls through to upstream.
func Fresh(doc Document, maxAge time.Duration) bool {
	if doc == nil {
		return false
	}
	updated, ok := LastUpdated(doc)
	if !ok {
		return false
	}
	return time.Since(updated) < maxAge
}

// RelationPage is one page of citations or references, shaped for the API.
// Entries are plain paper documents regardless of the tier that produced
// them.
type RelationPage struct {
	Total  int
	Offset int
	Data   []Document
}

// SearchPage is one page of search results.
type SearchPage struct {
	Total  int
	Offset int
	Data   []Document
}
