package domain

import (
	"context"
	"time"

	"github.com/paper-app/gateway/internal/identifier"
)

// Cache is the best-effort JSON key/value tier. Implementations degrade to
// miss/false when the backend is down and never return errors to callers;
// only Ping exposes backend health.
type Cache interface {
	GetJSON(ctx context.Context, key string) (Document, bool)
	SetJSON(ctx context.Context, key string, doc Document, ttl time.Duration) bool
	MGetJSON(ctx context.Context, keys []string) []Document
	MSetJSON(ctx context.Context, entries map[string]Document, ttl time.Duration) bool
	GetString(ctx context.Context, key string) (string, bool)
	SetString(ctx context.Context, key, value string, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...string) bool
	DeleteByPattern(ctx context.Context, pattern string) int
	Exists(ctx context.Context, key string) bool
	TTL(ctx context.Context, key string) (time.Duration, bool)
	Ping(ctx context.Context) error
}

// GraphStore is the durable paper/citation tier. Reads return (nil, nil)
// when the paper is unknown; relation reads apply the freshness gate before
// returning rows.
type GraphStore interface {
	GetPaper(ctx context.Context, paperID string) (Document, error)
	GetPaperByExternalID(ctx context.Context, kind identifier.Kind, value string) (Document, error)
	MergePaper(ctx context.Context, doc Document) error
	MergeCites(ctx context.Context, doc Document) error
	MergeDataChunks(ctx context.Context, doc Document) error
	CreateCitationsPlan(ctx context.Context, paperID string, total, pageSize int) error
	GetReferences(ctx context.Context, paperID string, offset, limit int) ([]Document, error)
	GetCitations(ctx context.Context, paperID string, offset, limit int) ([]Document, error)
	ReferencesTotal(ctx context.Context, paperID string) (int, error)
	CitationsTotal(ctx context.Context, paperID string) (int, error)
	SearchByTitle(ctx context.Context, query string, offset, limit int) ([]Document, int, error)
	Stats(ctx context.Context) (map[string]any, error)
	Ping(ctx context.Context) error
}

// MappingStore is the durable external-id index. Resolve returns "" for
// unknown identifiers; that is not an error.
type MappingStore interface {
	Resolve(ctx context.Context, ext identifier.ExternalID) (string, error)
	Upsert(ctx context.Context, ext identifier.ExternalID, paperID string) error
	BatchUpsert(ctx context.Context, exts []identifier.ExternalID, paperID string) error
	ListFor(ctx context.Context, paperID string) (map[identifier.Kind]string, error)
	Stats(ctx context.Context) (map[string]any, error)
	Ping(ctx context.Context) error
}

// TaskQueue enqueues background jobs fire-and-forget. Every method reports
// false instead of an error when the broker is unavailable; callers decide
// whether to run the work inline or skip it.
type TaskQueue interface {
	EnqueueFetch(ctx context.Context, paperID, fields string) bool
	EnqueueGraphMerge(ctx context.Context, doc Document) bool
	EnqueueSetCache(ctx context.Context, paperID string, doc Document, fields string) bool
	Connected() bool
}
