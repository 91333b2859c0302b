package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paper-app/gateway/internal/config"
	"github.com/paper-app/gateway/internal/domain"
	"github.com/paper-app/gateway/internal/identifier"
	rediskeys "github.com/paper-app/gateway/internal/repository/redis"
	"github.com/paper-app/gateway/pkg/s2"
)

const (
	idA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	idB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	idC = "cccccccccccccccccccccccccccccccccccccccc"
	idD = "dddddddddddddddddddddddddddddddddddddddd"
)

// fakeCache is an in-memory domain.Cache.
type fakeCache struct {
	mu   sync.Mutex
	docs map[string]domain.Document
	strs map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{docs: map[string]domain.Document{}, strs: map[string]string{}}
}

func (f *fakeCache) GetJSON(_ context.Context, key string) (domain.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key]
	return doc, ok
}

// SetJSON round-trips the document through JSON, so stored values look the
// way they would coming back from Redis ([]any lists, float64 numbers).
func (f *fakeCache) SetJSON(_ context.Context, key string, doc domain.Document, _ time.Duration) bool {
	raw, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	var stored domain.Document
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[key] = stored
	return true
}

func (f *fakeCache) MGetJSON(_ context.Context, keys []string) []domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Document, len(keys))
	for i, key := range keys {
		out[i] = f.docs[key]
	}
	return out
}

func (f *fakeCache) MSetJSON(ctx context.Context, entries map[string]domain.Document, ttl time.Duration) bool {
	for key, doc := range entries {
		if !f.SetJSON(ctx, key, doc, ttl) {
			return false
		}
	}
	return true
}

func (f *fakeCache) GetString(_ context.Context, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strs[key]
	return v, ok
}

func (f *fakeCache) SetString(_ context.Context, key, value string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strs[key] = value
	return true
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.docs, key)
		delete(f.strs, key)
	}
	return true
}

func (f *fakeCache) DeleteByPattern(_ context.Context, pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	match := func(key string) bool {
		if pattern == "*" {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
		}
		return key == pattern
	}
	deleted := 0
	for key := range f.docs {
		if match(key) {
			delete(f.docs, key)
			deleted++
		}
	}
	for key := range f.strs {
		if match(key) {
			delete(f.strs, key)
			deleted++
		}
	}
	return deleted
}

func (f *fakeCache) Exists(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[key]
	if !ok {
		_, ok = f.strs[key]
	}
	return ok
}

func (f *fakeCache) TTL(context.Context, string) (time.Duration, bool) { return 0, false }
func (f *fakeCache) Ping(context.Context) error                       { return nil }

func (f *fakeCache) doc(key string) domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[key]
}

func (f *fakeCache) str(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strs[key]
}

// fakeGraph is an in-memory domain.GraphStore.
type fakeGraph struct {
	mu          sync.Mutex
	papers      map[string]domain.Document
	byExt       map[string]domain.Document
	merged      []domain.Document
	cites       []domain.Document
	chunks      []domain.Document
	plans       []string
	refs        map[string][]domain.Document
	refTotals   map[string]int
	citesByID   map[string][]domain.Document
	citeTotals  map[string]int
	searchDocs  []domain.Document
	searchTotal int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		papers:     map[string]domain.Document{},
		byExt:      map[string]domain.Document{},
		refs:       map[string][]domain.Document{},
		refTotals:  map[string]int{},
		citesByID:  map[string][]domain.Document{},
		citeTotals: map[string]int{},
	}
}

func extKey(kind identifier.Kind, value string) string {
	return string(kind) + "|" + value
}

func (g *fakeGraph) GetPaper(_ context.Context, paperID string) (domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.papers[paperID], nil
}

func (g *fakeGraph) GetPaperByExternalID(_ context.Context, kind identifier.Kind, value string) (domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byExt[extKey(kind, value)], nil
}

func (g *fakeGraph) MergePaper(_ context.Context, doc domain.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merged = append(g.merged, doc)
	return nil
}

func (g *fakeGraph) MergeCites(_ context.Context, doc domain.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cites = append(g.cites, doc)
	return nil
}

func (g *fakeGraph) MergeDataChunks(_ context.Context, doc domain.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunks = append(g.chunks, doc)
	return nil
}

func (g *fakeGraph) CreateCitationsPlan(_ context.Context, paperID string, _, _ int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.plans = append(g.plans, paperID)
	return nil
}

func (g *fakeGraph) GetReferences(_ context.Context, paperID string, offset, limit int) ([]domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return pageOf(g.refs[paperID], offset, limit), nil
}

func (g *fakeGraph) GetCitations(_ context.Context, paperID string, offset, limit int) ([]domain.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return pageOf(g.citesByID[paperID], offset, limit), nil
}

func (g *fakeGraph) ReferencesTotal(_ context.Context, paperID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refTotals[paperID], nil
}

func (g *fakeGraph) CitationsTotal(_ context.Context, paperID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.citeTotals[paperID], nil
}

func (g *fakeGraph) SearchByTitle(context.Context, string, int, int) ([]domain.Document, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.searchDocs, g.searchTotal, nil
}

func (g *fakeGraph) Stats(context.Context) (map[string]any, error) {
	return map[string]any{"total_papers": len(g.papers)}, nil
}

func (g *fakeGraph) Ping(context.Context) error { return nil }

func pageOf(list []domain.Document, offset, limit int) []domain.Document {
	if offset >= len(list) {
		return nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return list[offset:end]
}

// fakeMapping is an in-memory domain.MappingStore.
type fakeMapping struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeMapping() *fakeMapping {
	return &fakeMapping{entries: map[string]string{}}
}

func (m *fakeMapping) Resolve(_ context.Context, ext identifier.ExternalID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[extKey(ext.Kind, ext.Value)], nil
}

func (m *fakeMapping) Upsert(_ context.Context, ext identifier.ExternalID, paperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[extKey(ext.Kind, ext.Value)] = paperID
	return nil
}

func (m *fakeMapping) BatchUpsert(ctx context.Context, exts []identifier.ExternalID, paperID string) error {
	for _, ext := range exts {
		if err := m.Upsert(ctx, ext, paperID); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMapping) ListFor(_ context.Context, paperID string) (map[identifier.Kind]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[identifier.Kind]string{}
	for key, id := range m.entries {
		if id != paperID {
			continue
		}
		kind, value, _ := strings.Cut(key, "|")
		out[identifier.Kind(kind)] = value
	}
	return out, nil
}

func (m *fakeMapping) Stats(context.Context) (map[string]any, error) {
	return map[string]any{"total_mappings": len(m.entries)}, nil
}

func (m *fakeMapping) Ping(context.Context) error { return nil }

func (m *fakeMapping) resolved(kind identifier.Kind, value string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[extKey(kind, value)]
}

// fakeQueue is an in-memory domain.TaskQueue.
type fakeQueue struct {
	mu        sync.Mutex
	connected bool
	fetches   []string
	merges    []domain.Document
	caches    []string
}

func (q *fakeQueue) EnqueueFetch(_ context.Context, paperID, _ string) bool {
	if !q.connected {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetches = append(q.fetches, paperID)
	return true
}

func (q *fakeQueue) EnqueueGraphMerge(_ context.Context, doc domain.Document) bool {
	if !q.connected {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.merges = append(q.merges, doc)
	return true
}

func (q *fakeQueue) EnqueueSetCache(_ context.Context, paperID string, _ domain.Document, _ string) bool {
	if !q.connected {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.caches = append(q.caches, paperID)
	return true
}

func (q *fakeQueue) Connected() bool { return q.connected }

func (q *fakeQueue) fetched() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.fetches...)
}

func (q *fakeQueue) cached() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.caches...)
}

func (q *fakeQueue) mergedDocs() []domain.Document {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Document(nil), q.merges...)
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		PaperTTL:           time.Hour,
		SearchTTL:          30 * time.Minute,
		TaskTTL:            time.Minute,
		SystemTTL:          time.Minute,
		GraphMaxAge:        100 * 24 * time.Hour,
		RelationsPageSize:  2,
		FetchReferences:    false,
		FetchCitations:     false,
		SearchIngestTopN:   3,
		EnableSearchIngest: true,
		CoalesceWait:       2 * time.Second,
	}
}

type fixture struct {
	cache   *fakeCache
	graph   *fakeGraph
	mapping *fakeMapping
	queue   *fakeQueue
	client  *s2.Client
	svc     *PaperService
	hits    *int32
}

// newFixture wires a PaperService against in-memory tiers and a scripted
// upstream. A nil handler fails the test on any upstream request.
func newFixture(t *testing.T, handler http.Handler, mutate func(*config.GatewayConfig)) *fixture {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected upstream request: %s %s", r.Method, r.URL)
			http.NotFound(w, r)
		})
	}
	var hits int32
	counting := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(counting)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	client := s2.NewClient(s2.Config{
		BaseURL:       srv.URL,
		Timeout:       5 * time.Second,
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	f := &fixture{
		cache:   newFakeCache(),
		graph:   newFakeGraph(),
		mapping: newFakeMapping(),
		queue:   &fakeQueue{connected: true},
		client:  client,
		hits:    &hits,
	}
	f.svc = NewPaperService(f.cache, f.graph, f.mapping, f.queue, client, cfg, zerolog.Nop())
	return f
}

func (f *fixture) upstreamHits() int { return int(atomic.LoadInt32(f.hits)) }

func respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func freshGraphDoc(paperID, title string) domain.Document {
	return domain.Document{
		"paperId":     paperID,
		"title":       title,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}
}

func TestGetPaperServedFromCache(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.cache.SetJSON(context.Background(), rediskeys.PaperFullKey(idA), domain.Document{
		"paperId": idA,
		"title":   "Cached Paper",
		"year":    float64(2021),
	}, time.Hour)

	doc, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.NoError(t, err)
	assert.Equal(t, "Cached Paper", domain.Title(doc))

	projected, err := f.svc.GetPaper(context.Background(), idA, "title", false)
	require.NoError(t, err)
	assert.Equal(t, "Cached Paper", projected["title"])
	assert.Equal(t, idA, projected["paperId"])
	assert.NotContains(t, projected, "year")
}

func TestGetPaperGraphHitBackfillsMappingAndCache(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := freshGraphDoc(idA, "Graph Paper")
	f.graph.byExt[extKey(identifier.KindDOI, "10.1234/xyz")] = doc

	got, err := f.svc.GetPaper(context.Background(), "10.1234/xyz", "", false)
	require.NoError(t, err)
	assert.Equal(t, idA, domain.PaperID(got))

	assert.Equal(t, idA, f.mapping.resolved(identifier.KindDOI, "10.1234/xyz"))
	assert.Equal(t, []string{idA}, f.queue.cached())
	assert.Equal(t, 0, f.upstreamHits())
}

func TestGetPaperStaleGraphGoesUpstream(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, domain.Document{"paperId": idA, "title": "Fresh Copy"})
	})
	f := newFixture(t, handler, nil)
	f.graph.papers[idA] = domain.Document{
		"paperId":     idA,
		"title":       "Stale Copy",
		"lastUpdated": "2020-01-01T00:00:00Z",
	}

	got, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.NoError(t, err)
	assert.Equal(t, "Fresh Copy", domain.Title(got))
	assert.Equal(t, 1, f.upstreamHits())
}

func TestGetPaperIngestsReferencesSegmented(t *testing.T) {
	allRefs := []domain.Document{
		{"paperId": idB, "title": "Ref One"},
		{"paperId": idC, "title": "Ref Two"},
		{"paperId": idD, "title": "Ref Three"},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/references"):
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit > len(allRefs) {
				limit = len(allRefs)
			}
			entries := make([]domain.Document, 0, limit)
			for _, ref := range allRefs[:limit] {
				entries = append(entries, domain.Document{"citedPaper": ref})
			}
			respond(w, domain.Document{"total": len(allRefs), "data": entries})
		case strings.HasPrefix(r.URL.Path, "/paper/"):
			respond(w, domain.Document{
				"paperId":        idA,
				"title":          "Main Paper",
				"referenceCount": len(allRefs),
			})
		default:
			http.NotFound(w, r)
		}
	})
	f := newFixture(t, handler, func(cfg *config.GatewayConfig) {
		cfg.FetchReferences = true
	})

	got, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.NoError(t, err)

	refs := domain.DocumentList(got, "references")
	require.Len(t, refs, 3)
	assert.Equal(t, idB, domain.PaperID(refs[0]))
	assert.Equal(t, idD, domain.PaperID(refs[2]))

	// Write-through: canonical full view cached, graph merge enqueued, task
	// flag cleared.
	assert.NotNil(t, f.cache.doc(rediskeys.PaperFullKey(idA)))
	require.Len(t, f.queue.mergedDocs(), 1)
	assert.Empty(t, f.graph.merged)
	assert.Empty(t, f.cache.str(rediskeys.TaskStatusKey(idA)))
}

func TestGetPaperByDOIWritesAliasAndMapping(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paper/DOI:10.5555/abc", r.URL.Path)
		respond(w, domain.Document{"paperId": idA, "title": "Resolved"})
	})
	f := newFixture(t, handler, nil)

	got, err := f.svc.GetPaper(context.Background(), "10.5555/abc", "", false)
	require.NoError(t, err)
	assert.Equal(t, idA, domain.PaperID(got))

	assert.NotNil(t, f.cache.doc(rediskeys.PaperFullKey(idA)))
	assert.NotNil(t, f.cache.doc(rediskeys.PaperFullKey("DOI:10.5555/abc")))
	assert.Equal(t, idA, f.mapping.resolved(identifier.KindDOI, "10.5555/abc"))

	// Second read resolves through the mapping and hits the cache.
	_, err = f.svc.GetPaper(context.Background(), "10.5555/abc", "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.upstreamHits())
}

func TestGetPaperCustomSelectorBypassesFullView(t *testing.T) {
	const selector = "embedding.specter_v2"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fieldsParam := r.URL.Query().Get("fields")
		assert.Contains(t, fieldsParam, "embedding.specter_v2")
		assert.Contains(t, fieldsParam, "paperId")
		respond(w, domain.Document{
			"paperId":   idA,
			"embedding": domain.Document{"model": "specter_v2", "vector": []any{0.1, 0.2}},
		})
	})
	f := newFixture(t, handler, nil)
	seeded := domain.Document{"paperId": idA, "title": "Full View"}
	f.cache.SetJSON(context.Background(), rediskeys.PaperFullKey(idA), seeded, time.Hour)

	got, err := f.svc.GetPaper(context.Background(), idA, selector, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.upstreamHits())
	assert.Contains(t, got, "embedding")
	assert.NotContains(t, got, "title")

	// The custom projection lives under its own key; the full view is intact.
	assert.NotNil(t, f.cache.doc(rediskeys.PaperSelectorKey(idA, selector)))
	assert.Equal(t, "Full View", domain.Title(f.cache.doc(rediskeys.PaperFullKey(idA))))
}

func TestGetPaperCoalescesOnInflightFlag(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.cache.SetString(ctx, rediskeys.TaskStatusKey(idA), "processing", time.Minute)

	go func() {
		time.Sleep(400 * time.Millisecond)
		f.cache.SetJSON(ctx, rediskeys.PaperFullKey(idA), domain.Document{
			"paperId": idA,
			"title":   "From The Other Process",
		}, time.Hour)
	}()

	got, err := f.svc.GetPaper(ctx, idA, "", false)
	require.NoError(t, err)
	assert.Equal(t, "From The Other Process", domain.Title(got))
	assert.Equal(t, 0, f.upstreamHits())
}

func TestGetPaperClearsZombieFlag(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, domain.Document{"paperId": idA, "title": "Fetched Anyway"})
	})
	f := newFixture(t, handler, func(cfg *config.GatewayConfig) {
		cfg.CoalesceWait = 300 * time.Millisecond
	})
	ctx := context.Background()
	f.cache.SetString(ctx, rediskeys.TaskStatusKey(idA), "processing", time.Minute)

	got, err := f.svc.GetPaper(ctx, idA, "", false)
	require.NoError(t, err)
	assert.Equal(t, "Fetched Anyway", domain.Title(got))
	assert.Equal(t, 1, f.upstreamHits())
	assert.Empty(t, f.cache.str(rediskeys.TaskStatusKey(idA)))
}

func TestGetPaperEnforcesOperationDeadline(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
			respond(w, domain.Document{"paperId": idA, "title": "Too Late"})
		}
	})
	f := newFixture(t, handler, func(cfg *config.GatewayConfig) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	_, err := f.svc.GetPaper(context.Background(), idA, "", false)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, s2.KindTimeout, s2.KindOf(err))
	assert.Less(t, elapsed, 800*time.Millisecond, "deadline must cut the stalled upstream call short")
	assert.Equal(t, "failed", f.cache.str(rediskeys.TaskStatusKey(idA)))
}

func TestConcurrentNormalSelectorsShareOneFetch(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		respond(w, domain.Document{"paperId": idA, "title": "Shared Fetch", "year": float64(2020)})
	})
	f := newFixture(t, handler, nil)

	var wg sync.WaitGroup
	results := make([]domain.Document, 2)
	errs := make([]error, 2)
	for i, selector := range []string{"title", "year"} {
		wg.Add(1)
		go func(i int, selector string) {
			defer wg.Done()
			results[i], errs[i] = f.svc.GetPaper(context.Background(), idA, selector, false)
		}(i, selector)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, f.upstreamHits(), "both selectors resolve from one full-view fetch")

	assert.Equal(t, "Shared Fetch", results[0]["title"])
	assert.NotContains(t, results[0], "year")
	assert.Equal(t, float64(2020), results[1]["year"])
	assert.NotContains(t, results[1], "title")
}

func TestGetPaperRateLimitedMarksDegraded(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		respond(w, map[string]string{"error": "rate limited"})
	})
	f := newFixture(t, handler, nil)

	_, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.Error(t, err)
	assert.Equal(t, s2.KindRateLimited, s2.KindOf(err))
	assert.Equal(t, "failed", f.cache.str(rediskeys.TaskStatusKey(idA)))
	assert.Equal(t, "degraded", f.cache.str(rediskeys.SystemS2StatusKey))
}

func TestGetPaperInvalidIdentifier(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.GetPaper(context.Background(), "", "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestTitleLookupResolvesThroughMatch(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/paper/search/match":
			respond(w, domain.Document{"data": []any{domain.Document{"paperId": idA}}})
		case "/paper/" + idA:
			respond(w, domain.Document{"paperId": idA, "title": "Matched Paper"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
	f := newFixture(t, handler, nil)

	got, err := f.svc.GetPaper(context.Background(), "Matched Paper Title", "", false)
	require.NoError(t, err)
	assert.Equal(t, idA, domain.PaperID(got))
	assert.Equal(t, 2, f.upstreamHits())

	norm := identifier.NormalizeTitle("Matched Paper Title")
	assert.Equal(t, idA, f.mapping.resolved(identifier.KindTitleNorm, norm))
}

func TestReferencesSlicedFromFullView(t *testing.T) {
	f := newFixture(t, nil, nil)
	full := domain.Document{
		"paperId":        idA,
		"referenceCount": float64(10),
		"references": []any{
			domain.Document{"paperId": idB, "title": "One", "year": float64(2001)},
			domain.Document{"paperId": idC, "title": "Two", "year": float64(2002)},
			domain.Document{"paperId": idD, "title": "Three", "year": float64(2003)},
		},
	}
	f.cache.SetJSON(context.Background(), rediskeys.PaperFullKey(idA), full, time.Hour)

	page, err := f.svc.GetPaperReferences(context.Background(), idA, 1, 2, "title")
	require.NoError(t, err)
	assert.Equal(t, 10, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "Two", page.Data[0]["title"])
	assert.NotContains(t, page.Data[0], "year")
	assert.Equal(t, 0, f.upstreamHits())
}

func TestReferencesBeyondTruncatedInlineListGoUpstream(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/references"))
		entries := make([]any, 5)
		for i := range entries {
			entries[i] = domain.Document{"citedPaper": domain.Document{
				"paperId": idB,
				"title":   "Upstream Ref " + strconv.Itoa(i+1),
			}}
		}
		respond(w, domain.Document{"total": 10, "data": entries})
	})
	f := newFixture(t, handler, nil)

	// The full view holds only the first three of ten references, the way
	// ingestion leaves it when the list outgrows the upstream paging window.
	f.cache.SetJSON(context.Background(), rediskeys.PaperFullKey(idA), domain.Document{
		"paperId":        idA,
		"referenceCount": float64(10),
		"references": []any{
			domain.Document{"paperId": idB},
			domain.Document{"paperId": idC},
			domain.Document{"paperId": idD},
		},
	}, time.Hour)

	page, err := f.svc.GetPaperReferences(context.Background(), idA, 3, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 10, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "Upstream Ref 4", domain.Title(page.Data[0]))
	assert.Equal(t, 1, f.upstreamHits())
}

func TestReferencesPastEndOfCompleteInlineListStayLocal(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.cache.SetJSON(context.Background(), rediskeys.PaperFullKey(idA), domain.Document{
		"paperId":        idA,
		"referenceCount": float64(2),
		"references": []any{
			domain.Document{"paperId": idB},
			domain.Document{"paperId": idC},
		},
	}, time.Hour)

	page, err := f.svc.GetPaperReferences(context.Background(), idA, 5, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Empty(t, page.Data)
	assert.Equal(t, 0, f.upstreamHits())
}

func TestReferencesServedFromPageCache(t *testing.T) {
	f := newFixture(t, nil, nil)
	key := rediskeys.ReferencesKey(idA, 0, 2, "")
	f.cache.SetJSON(context.Background(), key, domain.Document{
		"total":  float64(5),
		"offset": float64(0),
		"references": []any{
			domain.Document{"paperId": idB},
			domain.Document{"paperId": idC},
		},
	}, time.Hour)

	page, err := f.svc.GetPaperReferences(context.Background(), idA, 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, 0, f.upstreamHits())
}

func TestReferencesServedFromGraph(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.graph.refs[idA] = []domain.Document{
		{"paperId": idB, "title": "First"},
		{"paperId": idC, "title": "Second"},
	}
	f.graph.refTotals[idA] = 7

	page, err := f.svc.GetPaperReferences(context.Background(), idA, 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, idB, domain.PaperID(page.Data[0]))
	assert.Equal(t, 0, f.upstreamHits())
}

func TestCitationsFetchedUpstreamAndCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/citations"))
		respond(w, domain.Document{
			"total": 2,
			"data": []any{
				domain.Document{"citingPaper": domain.Document{"paperId": idB, "title": "Citer One"}},
				domain.Document{"citingPaper": domain.Document{"paperId": idC, "title": "Citer Two"}},
			},
		})
	})
	f := newFixture(t, handler, nil)

	page, err := f.svc.GetPaperCitations(context.Background(), idA, 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "Citer One", domain.Title(page.Data[0]))

	// Second read is served from the page cache.
	_, err = f.svc.GetPaperCitations(context.Background(), idA, 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.upstreamHits())
}

func TestSearchCachesResultAndWarmsTop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paper/search", r.URL.Path)
		respond(w, domain.Document{
			"total":  2,
			"offset": 0,
			"data": []any{
				domain.Document{"paperId": idA, "title": "Hit One"},
				domain.Document{"paperId": idB, "title": "Hit Two"},
			},
		})
	})
	f := newFixture(t, handler, nil)

	opts := SearchOptions{Query: "transformers", Limit: 10, FallbackToS2: true}
	page, err := f.svc.SearchPapers(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, []string{idA, idB}, f.queue.fetched())

	// Repeat search is a cache hit that still schedules warming.
	page2, err := f.svc.SearchPapers(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, page2.Total)
	assert.Equal(t, 1, f.upstreamHits())
	assert.Len(t, f.queue.fetched(), 4)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.SearchPapers(context.Background(), SearchOptions{Query: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSearchPrefersLocalGraph(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.graph.searchDocs = []domain.Document{{"paperId": idA, "title": "Local Hit"}}
	f.graph.searchTotal = 1

	page, err := f.svc.SearchPapers(context.Background(), SearchOptions{
		Query:        "local",
		Limit:        10,
		PreferLocal:  true,
		FallbackToS2: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Local Hit", domain.Title(page.Data[0]))
	assert.Equal(t, 0, f.upstreamHits())
}

func TestSearchNoFallbackReturnsEmptyPage(t *testing.T) {
	f := newFixture(t, nil, nil)
	page, err := f.svc.SearchPapers(context.Background(), SearchOptions{
		Query:        "nothing local",
		Limit:        10,
		PreferLocal:  true,
		FallbackToS2: false,
	})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Data)
	assert.Equal(t, 0, f.upstreamHits())
}

func TestMatchTitleCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paper/search/match", r.URL.Path)
		respond(w, domain.Document{"data": []any{domain.Document{"paperId": idA, "title": "The Match"}}})
	})
	f := newFixture(t, handler, nil)

	doc, err := f.svc.MatchTitle(context.Background(), "the match", "")
	require.NoError(t, err)
	assert.Equal(t, idA, domain.PaperID(doc))

	_, err = f.svc.MatchTitle(context.Background(), "the match", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.upstreamHits())
}

func TestAutocompleteCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paper/autocomplete", r.URL.Path)
		respond(w, domain.Document{"matches": []any{domain.Document{"title": "Suggestion"}}})
	})
	f := newFixture(t, handler, nil)

	out, err := f.svc.Autocomplete(context.Background(), "sugg", 0)
	require.NoError(t, err)
	assert.Contains(t, out, "matches")

	_, err = f.svc.Autocomplete(context.Background(), "sugg", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.upstreamHits())
}

func TestBatchMixedSourcesPreservesOrder(t *testing.T) {
	var requestedIDs []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paper/batch", r.URL.Path)
		var body struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requestedIDs = body.IDs
		respond(w, []any{
			domain.Document{"paperId": idC, "title": "Batch Hit"},
			nil,
		})
	})
	f := newFixture(t, handler, nil)
	ctx := context.Background()

	f.cache.SetJSON(ctx, rediskeys.PaperFullKey(idA), domain.Document{"paperId": idA, "title": "Cached"}, time.Hour)
	f.graph.papers[idB] = freshGraphDoc(idB, "From Graph")

	results, err := f.svc.GetPapersBatch(ctx, []string{idA, idB, idC, idD}, "", false)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "Cached", domain.Title(results[0]))
	assert.Equal(t, "From Graph", domain.Title(results[1]))
	assert.Equal(t, "Batch Hit", domain.Title(results[2]))
	assert.Nil(t, results[3])

	assert.Equal(t, []string{idC, idD}, requestedIDs)

	// Graph and upstream hits are written back to the cache.
	assert.NotNil(t, f.cache.doc(rediskeys.PaperFullKey(idB)))
	assert.NotNil(t, f.cache.doc(rediskeys.PaperFullKey(idC)))
}

func TestBatchRejectsOversizedInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	ids := make([]string, 501)
	for i := range ids {
		ids[i] = idA
	}
	_, err := f.svc.GetPapersBatch(context.Background(), ids, "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestBatchEmptyInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	results, err := f.svc.GetPapersBatch(context.Background(), nil, "", false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClearCacheDropsAllPaperKeys(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.cache.SetJSON(ctx, rediskeys.PaperFullKey(idA), domain.Document{"paperId": idA}, time.Hour)
	f.cache.SetJSON(ctx, rediskeys.PaperSelectorKey(idA, "tldr"), domain.Document{"paperId": idA}, time.Hour)
	f.cache.SetJSON(ctx, rediskeys.CitationsKey(idA, 0, 10, ""), domain.Document{"total": 0}, time.Hour)

	deleted, err := f.svc.ClearCache(ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Nil(t, f.cache.doc(rediskeys.PaperFullKey(idA)))
}

func TestWarmCacheForcesRefresh(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, domain.Document{"paperId": idA, "title": "Rewarmed"})
	})
	f := newFixture(t, handler, nil)
	ctx := context.Background()
	f.cache.SetJSON(ctx, rediskeys.PaperFullKey(idA), domain.Document{"paperId": idA, "title": "Old"}, time.Hour)

	require.NoError(t, f.svc.WarmCache(ctx, idA, ""))
	assert.Equal(t, 1, f.upstreamHits())
	assert.Equal(t, "Rewarmed", domain.Title(f.cache.doc(rediskeys.PaperFullKey(idA))))
}

func TestRefreshMergesInline(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, domain.Document{"paperId": idA, "title": "Worker Fetch"})
	})
	f := newFixture(t, handler, nil)

	require.NoError(t, f.svc.Refresh(context.Background(), idA, ""))

	// Inside the worker the merge must not travel through the queue again.
	assert.Empty(t, f.queue.mergedDocs())
	require.Len(t, f.graph.merged, 1)
	assert.Equal(t, idA, domain.PaperID(f.graph.merged[0]))
}

func TestMergeFullUpdatesEveryIndex(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := domain.Document{
		"paperId": idA,
		"title":   "Indexed Paper",
		"externalIds": map[string]any{
			"DOI":      "10.1234/abc",
			"ArXiv":    "2106.01234",
			"CorpusId": float64(42),
		},
	}

	require.NoError(t, f.svc.MergeFull(context.Background(), doc))

	require.Len(t, f.graph.merged, 1)
	require.Len(t, f.graph.chunks, 1)
	require.Len(t, f.graph.cites, 1)

	assert.Equal(t, idA, f.mapping.resolved(identifier.KindDOI, "10.1234/abc"))
	assert.Equal(t, idA, f.mapping.resolved(identifier.KindArXiv, "2106.01234"))
	assert.Equal(t, idA, f.mapping.resolved(identifier.KindCorpusID, "42"))
	assert.Equal(t, idA, f.mapping.resolved(identifier.KindTitleNorm, identifier.NormalizeTitle("Indexed Paper")))
}

func TestMergeFullRequiresPaperID(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.svc.MergeFull(context.Background(), domain.Document{"title": "No ID"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCachePaperKeyChoice(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	doc := domain.Document{"paperId": idA}

	assert.True(t, f.svc.CachePaper(ctx, idA, doc, ""))
	assert.NotNil(t, f.cache.doc(rediskeys.PaperFullKey(idA)))

	assert.True(t, f.svc.CachePaper(ctx, idA, doc, "embedding.specter_v2"))
	assert.NotNil(t, f.cache.doc(rediskeys.PaperSelectorKey(idA, "embedding.specter_v2")))
}

func TestQueueDownSkipsMergeWithoutFallback(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, domain.Document{"paperId": idA, "title": "Fetched"})
	})
	f := newFixture(t, handler, nil)
	f.queue.connected = false

	_, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.NoError(t, err)
	assert.Empty(t, f.graph.merged)
}

func TestQueueDownSyncMergeFallback(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, domain.Document{"paperId": idA, "title": "Fetched"})
	})
	f := newFixture(t, handler, func(cfg *config.GatewayConfig) {
		cfg.SyncMergeFallback = true
	})
	f.queue.connected = false

	_, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.NoError(t, err)
	require.Len(t, f.graph.merged, 1)
}

func TestLargeCitationListWritesPlan(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/citations") {
			t.Errorf("citations must not be paged inline for large lists")
		}
		respond(w, domain.Document{
			"paperId":       idA,
			"title":         "Heavily Cited",
			"citationCount": float64(100000),
		})
	})
	f := newFixture(t, handler, func(cfg *config.GatewayConfig) {
		cfg.FetchCitations = true
	})

	_, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{idA}, f.graph.plans)
}

func TestWantsRelation(t *testing.T) {
	tokens := []string{"title", "references.title", "embedding.specter_v2"}
	assert.True(t, wantsRelation(tokens, "references"))
	assert.False(t, wantsRelation(tokens, "citations"))
	assert.True(t, wantsRelation([]string{"citations"}, "citations"))
}

func TestEnsurePaperID(t *testing.T) {
	assert.Equal(t, []string{"title", "paperId"}, ensurePaperID([]string{"title"}))
	assert.Equal(t, []string{"paperId", "title"}, ensurePaperID([]string{"paperId", "title"}))
}

func TestSliceInlineTotals(t *testing.T) {
	full := domain.Document{
		"references": []any{
			domain.Document{"paperId": idB},
			domain.Document{"paperId": idC},
		},
	}
	// No count field: the list length is the total.
	page, ok := sliceInline(full, "references", 0, 10, "")
	require.True(t, ok)
	assert.Equal(t, 2, page.Total)

	// A count below the list length is corrected upward.
	full["referenceCount"] = float64(1)
	page, ok = sliceInline(full, "references", 0, 10, "")
	require.True(t, ok)
	assert.Equal(t, 2, page.Total)

	// Offset past the end of a complete list yields an empty window.
	page, ok = sliceInline(full, "references", 5, 10, "")
	require.True(t, ok)
	assert.Empty(t, page.Data)

	// A truncated list cannot serve pages past its stored entries.
	full["referenceCount"] = float64(40)
	_, ok = sliceInline(full, "references", 2, 10, "")
	assert.False(t, ok)
}

func TestAwaitInflightRespectsContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := f.svc.awaitInflight(ctx, idA)
	assert.False(t, ok)
}

func TestExternalIDsOfSkipsUnknownKeys(t *testing.T) {
	doc := domain.Document{
		"paperId": idA,
		"externalIds": map[string]any{
			"DOI":        "10.1/x",
			"CorpusId":   float64(7),
			"Influences": "not-an-id",
		},
	}
	exts := externalIDsOf(doc)
	kinds := make([]identifier.Kind, 0, len(exts))
	for _, e := range exts {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, identifier.KindDOI)
	assert.Contains(t, kinds, identifier.KindCorpusID)
	assert.NotContains(t, kinds, identifier.Kind("Influences"))
}

func TestGetPaperNotFoundPassesThrough(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		respond(w, map[string]string{"error": "Paper not found"})
	})
	f := newFixture(t, handler, nil)

	_, err := f.svc.GetPaper(context.Background(), idA, "", false)
	require.Error(t, err)
	assert.True(t, s2.IsNotFound(err))

	var apiErr *s2.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
