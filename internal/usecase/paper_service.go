// Package usecase implements the gateway's read-through pipeline: identifier
// resolution, the cache and graph tiers, upstream fetch with segmented
// relation ingestion, and write-through back down the tiers.
package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/paper-app/gateway/internal/config"
	"github.com/paper-app/gateway/internal/domain"
	"github.com/paper-app/gateway/internal/fields"
	"github.com/paper-app/gateway/internal/identifier"
	rediskeys "github.com/paper-app/gateway/internal/repository/redis"
	"github.com/paper-app/gateway/internal/tasks"
	"github.com/paper-app/gateway/pkg/s2"
)

const (
	taskProcessing = "processing"
	taskFailed     = "failed"

	// failedFlagTTL keeps a failure visible long enough for dashboards
	// without blocking retries.
	failedFlagTTL = time.Minute

	coalescePoll = 250 * time.Millisecond

	// citationsPlanFactor decides when a citation list is too large to ingest
	// inline: citationCount above factor*pageSize writes a paging plan
	// instead.
	citationsPlanFactor = 10

	maxBatchIDs       = 500
	batchGraphWorkers = 8
)

// PaperService drives every paper read and write through the tiers:
// Redis first, the graph store behind a freshness gate second, upstream
// last, writing results back down on the way out.
type PaperService struct {
	cache   domain.Cache
	graph   domain.GraphStore
	mapping domain.MappingStore
	queue   domain.TaskQueue
	s2      *s2.Client
	cfg     config.GatewayConfig
	logger  zerolog.Logger
	flight  singleflight.Group
}

var _ tasks.PaperIngestor = (*PaperService)(nil)

func NewPaperService(
	cache domain.Cache,
	graph domain.GraphStore,
	mapping domain.MappingStore,
	queue domain.TaskQueue,
	client *s2.Client,
	cfg config.GatewayConfig,
	logger zerolog.Logger,
) *PaperService {
	return &PaperService{
		cache:   cache,
		graph:   graph,
		mapping: mapping,
		queue:   queue,
		s2:      client,
		cfg:     cfg,
		logger:  logger.With().Str("component", "paper_service").Logger(),
	}
}

// GetPaper returns one paper projected to the selector. Normal selectors are
// served from the canonical full view through cache, graph, and upstream in
// that order; custom selectors skip the shared read path and cache under
// their own key. disableCache forces a fresh upstream fetch but still writes
// through.
func (s *PaperService) GetPaper(ctx context.Context, rawID, selector string, disableCache bool) (domain.Document, error) {
	ext, err := identifier.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, err)
	}
	if !fields.Normal(selector) {
		disableCache = true
	}

	lookupID, resolved := s.resolve(ctx, ext)

	if disableCache {
		doc, err := s.fetch(ctx, ext, lookupID, selector, false)
		if err != nil {
			return nil, err
		}
		return fields.Project(doc, selector), nil
	}

	// Concurrent requests for the same id share one pass through the tiers.
	// Normal selectors all resolve from the canonical full view, so the id
	// alone keys the flight; custom selectors never reach this path.
	shared, err, _ := s.flight.Do(lookupID, func() (any, error) {
		return s.readThrough(ctx, ext, lookupID, resolved, selector)
	})
	if err != nil {
		return nil, err
	}
	return fields.Project(shared.(domain.Document), selector), nil
}

// resolve maps an external identifier to the canonical paper id via the
// mapping index. Unresolved identifiers fall back to their upstream request
// form, which the cache and upstream accept as-is.
func (s *PaperService) resolve(ctx context.Context, ext identifier.ExternalID) (string, bool) {
	if ext.Kind == identifier.KindPaperID {
		return ext.Value, true
	}
	canonical, err := s.mapping.Resolve(ctx, ext)
	if err != nil {
		s.logger.Warn().Err(err).Str("id", ext.String()).Msg("identifier resolve failed")
	} else if canonical != "" {
		return canonical, true
	}
	return aliasOf(ext), false
}

func aliasOf(ext identifier.ExternalID) string {
	if ref := ext.UpstreamRef(); ref != "" {
		return ref
	}
	return ext.Value
}

func (s *PaperService) readThrough(ctx context.Context, ext identifier.ExternalID, lookupID string, resolved bool, selector string) (domain.Document, error) {
	if doc, ok := s.cache.GetJSON(ctx, rediskeys.PaperFullKey(lookupID)); ok {
		s.logger.Debug().Str("paper_id", lookupID).Msg("cache hit")
		return doc, nil
	}

	if doc := s.freshFromGraph(ctx, ext, lookupID, resolved); doc != nil {
		return doc, nil
	}

	if status, ok := s.cache.GetString(ctx, rediskeys.TaskStatusKey(lookupID)); ok && status == taskProcessing {
		if doc, ok := s.awaitInflight(ctx, lookupID); ok {
			return doc, nil
		}
		// The flag outlived its writer; clear it and fetch ourselves.
		s.cache.Delete(ctx, rediskeys.TaskStatusKey(lookupID))
	}

	return s.fetch(ctx, ext, lookupID, selector, false)
}

// freshFromGraph serves the graph tier when it holds a full, fresh document.
// Hits repopulate the cache in the background and backfill the mapping index
// for identifiers that resolved through the document itself.
func (s *PaperService) freshFromGraph(ctx context.Context, ext identifier.ExternalID, lookupID string, resolved bool) domain.Document {
	doc, err := s.graphDoc(ctx, ext, lookupID, resolved)
	if err != nil {
		s.logger.Warn().Err(err).Str("id", lookupID).Msg("graph lookup failed")
		return nil
	}
	if !domain.Fresh(doc, s.cfg.GraphMaxAge) {
		return nil
	}
	canonical := domain.PaperID(doc)
	if canonical == "" {
		return nil
	}
	if !resolved && ext.Kind != identifier.KindPaperID {
		if err := s.mapping.Upsert(ctx, ext, canonical); err != nil {
			s.logger.Warn().Err(err).Str("id", ext.String()).Msg("identifier mapping write failed")
		}
	}
	s.logger.Debug().Str("paper_id", canonical).Msg("graph hit")
	if !s.queue.EnqueueSetCache(ctx, canonical, doc, "") {
		go s.cacheDirect(canonical, doc)
	}
	return doc
}

func (s *PaperService) graphDoc(ctx context.Context, ext identifier.ExternalID, lookupID string, resolved bool) (domain.Document, error) {
	if resolved || ext.Kind == identifier.KindPaperID {
		return s.graph.GetPaper(ctx, lookupID)
	}
	if ext.Kind == identifier.KindTitleNorm {
		// Titles resolve through the mapping index or the match endpoint,
		// never by node lookup.
		return nil, nil
	}
	return s.graph.GetPaperByExternalID(ctx, ext.Kind, ext.Value)
}

func (s *PaperService) cacheDirect(paperID string, doc domain.Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cache.SetJSON(ctx, rediskeys.PaperFullKey(paperID), doc, s.cfg.PaperTTL)
}

// awaitInflight polls the cache while another process finishes the same
// fetch. It reports false when the wait budget runs out.
func (s *PaperService) awaitInflight(ctx context.Context, lookupID string) (domain.Document, bool) {
	wait := s.cfg.CoalesceWait
	if wait <= 0 {
		return nil, false
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(coalescePoll):
		}
		if doc, ok := s.cache.GetJSON(ctx, rediskeys.PaperFullKey(lookupID)); ok {
			return doc, true
		}
	}
	return nil, false
}

// opCtx bounds one upstream-facing operation end to end, retries and
// relation paging included. A zero RequestTimeout leaves the caller's
// deadline in charge.
func (s *PaperService) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// fetch wraps the upstream pipeline with the task status flag: processing
// while the fetch runs, failed for a minute on error, cleared on success.
func (s *PaperService) fetch(ctx context.Context, ext identifier.ExternalID, lookupID, selector string, inlineMerge bool) (domain.Document, error) {
	taskKey := rediskeys.TaskStatusKey(lookupID)
	s.cache.SetString(ctx, taskKey, taskProcessing, s.cfg.TaskTTL)

	// The flag writes above and below stay on the caller's context so an
	// expired operation deadline cannot drop them.
	opctx, cancel := s.opCtx(ctx)
	doc, err := s.fetchUpstream(opctx, ext, lookupID, selector, inlineMerge)
	cancel()
	if err != nil {
		s.cache.SetString(ctx, taskKey, taskFailed, failedFlagTTL)
		s.noteUpstreamHealth(ctx, err)
		return nil, err
	}
	s.cache.Delete(ctx, taskKey)
	return doc, nil
}

func (s *PaperService) fetchUpstream(ctx context.Context, ext identifier.ExternalID, lookupID, selector string, inlineMerge bool) (domain.Document, error) {
	fetchID := lookupID
	if ext.Kind == identifier.KindTitleNorm && fetchID == ext.Value {
		matched, err := s.s2.MatchPaper(ctx, ext.Value, []string{"paperId"})
		if err != nil {
			return nil, err
		}
		if id := domain.PaperID(matched); id != "" {
			fetchID = id
		}
	}

	normal := fields.Normal(selector)
	bodyFields := fields.BodyFields()
	if !normal {
		bodyFields = ensurePaperID(fields.WithoutRelations(fields.ParseList(selector)))
	}

	body, err := s.s2.GetPaper(ctx, fetchID, bodyFields)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: upstream returned empty document", domain.ErrNotFound)
	}

	full := make(domain.Document, len(body)+2)
	for k, v := range body {
		full[k] = v
	}
	canonical := domain.PaperID(full)
	if canonical == "" {
		canonical = fetchID
	}

	wantRefs, wantCits := s.cfg.FetchReferences, s.cfg.FetchCitations
	if !normal {
		tokens := fields.ParseList(selector)
		wantRefs = wantsRelation(tokens, "references")
		wantCits = wantsRelation(tokens, "citations")
	}

	if wantRefs {
		if refs, err := s.pageRelation(ctx, canonical, "references"); err != nil {
			// Partial lists are dropped rather than cached; the relation
			// endpoints can still page upstream directly.
			s.logger.Warn().Err(err).Str("paper_id", canonical).Msg("reference ingest incomplete")
		} else {
			full["references"] = refs
		}
	}
	if wantCits {
		s.ingestCitations(ctx, full, canonical)
	}

	if normal {
		s.writeThrough(ctx, ext, lookupID, canonical, full, inlineMerge)
	} else {
		s.cache.SetJSON(ctx, rediskeys.PaperSelectorKey(canonical, selector), full, s.cfg.PaperTTL)
	}
	return full, nil
}

// pageRelation walks one relation of a paper page by page and returns the
// unwrapped neighbor documents. The client caps its window at the upstream
// maximum, so the loop also terminates for very large lists.
func (s *PaperService) pageRelation(ctx context.Context, paperID, relation string) ([]any, error) {
	pageSize := s.pageSize()
	relFields := fields.DefaultRelationFields()
	out := make([]any, 0, pageSize)
	for offset := 0; ; offset += pageSize {
		var page *s2.RelationPage
		var err error
		if relation == "citations" {
			page, err = s.s2.GetPaperCitations(ctx, paperID, offset, pageSize, relFields)
		} else {
			page, err = s.s2.GetPaperReferences(ctx, paperID, offset, pageSize, relFields)
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Data {
			out = append(out, s2.UnwrapRelation(entry))
		}
		if len(page.Data) < pageSize {
			return out, nil
		}
	}
}

// ingestCitations inlines the citation list when it is small enough;
// otherwise it records a paging plan for offline ingestion.
func (s *PaperService) ingestCitations(ctx context.Context, full domain.Document, canonical string) {
	pageSize := s.pageSize()
	if total, ok := domain.IntField(full, "citationCount"); ok && total > citationsPlanFactor*pageSize {
		if err := s.graph.CreateCitationsPlan(ctx, canonical, total, pageSize); err != nil {
			s.logger.Warn().Err(err).Str("paper_id", canonical).Msg("citations plan write failed")
		}
		return
	}
	if cits, err := s.pageRelation(ctx, canonical, "citations"); err != nil {
		s.logger.Warn().Err(err).Str("paper_id", canonical).Msg("citation ingest incomplete")
	} else {
		full["citations"] = cits
	}
}

// writeThrough pushes a fetched document back down the tiers: cache under
// the canonical id (plus the requested alias, so concurrent waiters see it),
// mapping index, then the graph merge through the queue.
func (s *PaperService) writeThrough(ctx context.Context, ext identifier.ExternalID, lookupID, canonical string, full domain.Document, inlineMerge bool) {
	s.cache.SetJSON(ctx, rediskeys.PaperFullKey(canonical), full, s.cfg.PaperTTL)
	if lookupID != canonical {
		s.cache.SetJSON(ctx, rediskeys.PaperFullKey(lookupID), full, s.cfg.PaperTTL)
	}

	if ext.Kind != identifier.KindPaperID {
		if err := s.mapping.Upsert(ctx, ext, canonical); err != nil {
			s.logger.Warn().Err(err).Str("id", ext.String()).Msg("identifier mapping write failed")
		}
	}

	switch {
	case inlineMerge:
		// Running inside the worker already; merging through the queue again
		// would loop.
		if err := s.MergeFull(ctx, full); err != nil {
			s.logger.Error().Err(err).Str("paper_id", canonical).Msg("graph merge failed")
		}
	case s.queue.EnqueueGraphMerge(ctx, full):
	case s.cfg.SyncMergeFallback:
		if err := s.MergeFull(ctx, full); err != nil {
			s.logger.Error().Err(err).Str("paper_id", canonical).Msg("graph merge failed")
		}
	default:
		s.logger.Warn().Str("paper_id", canonical).Msg("task queue unavailable, graph merge skipped")
	}
}

func (s *PaperService) noteUpstreamHealth(ctx context.Context, err error) {
	switch s2.KindOf(err) {
	case s2.KindRateLimited, s2.KindUnavailable:
		s.cache.SetString(ctx, rediskeys.SystemS2StatusKey, "degraded", s.cfg.SystemTTL)
	}
}

// GetPaperCitations returns one page of papers citing the given paper.
func (s *PaperService) GetPaperCitations(ctx context.Context, rawID string, offset, limit int, selector string) (*domain.RelationPage, error) {
	return s.relations(ctx, rawID, "citations", offset, limit, selector)
}

// GetPaperReferences returns one page of papers the given paper cites.
func (s *PaperService) GetPaperReferences(ctx context.Context, rawID string, offset, limit int, selector string) (*domain.RelationPage, error) {
	return s.relations(ctx, rawID, "references", offset, limit, selector)
}

// relations serves a relation page from the cheapest source that has it: the
// inlined list of a cached full view, a cached page, the graph tier (for
// references), then upstream.
func (s *PaperService) relations(ctx context.Context, rawID, relation string, offset, limit int, selector string) (*domain.RelationPage, error) {
	ext, err := identifier.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = 100
	}
	lookupID, _ := s.resolve(ctx, ext)

	if full, ok := s.cache.GetJSON(ctx, rediskeys.PaperFullKey(lookupID)); ok {
		if _, present := full[relation]; present {
			if page, ok := sliceInline(full, relation, offset, limit, selector); ok {
				return page, nil
			}
		}
	}

	pageKey := relationCacheKey(relation, lookupID, offset, limit, selector)
	if cached, ok := s.cache.GetJSON(ctx, pageKey); ok {
		return &domain.RelationPage{
			Total:  intField(cached, "total"),
			Offset: offset,
			Data:   domain.DocumentList(cached, relation),
		}, nil
	}

	if relation == "references" {
		if page, ok := s.referencesFromGraph(ctx, lookupID, offset, limit, selector); ok {
			return page, nil
		}
	}

	uctx, cancel := s.opCtx(ctx)
	page, err := s.relationUpstream(uctx, lookupID, relation, offset, limit, selector)
	cancel()
	if err != nil {
		s.noteUpstreamHealth(ctx, err)
		return nil, err
	}
	s.cache.SetJSON(ctx, pageKey, domain.Document{
		"total":  page.Total,
		"offset": page.Offset,
		relation: page.Data,
	}, s.cfg.PaperTTL)
	return page, nil
}

// sliceInline pages through a relation list already inlined in the full
// view. The document's own count wins as the total when it is plausible.
// Inlined lists can be truncated (ingestion stops at the upstream paging
// window), so a page reaching past the stored entries of such a list reports
// false and the caller falls through to a source that has the rest.
func sliceInline(full domain.Document, relation string, offset, limit int, selector string) (*domain.RelationPage, bool) {
	list := domain.DocumentList(full, relation)
	countKey := "referenceCount"
	if relation == "citations" {
		countKey = "citationCount"
	}
	total, ok := domain.IntField(full, countKey)
	if !ok || total < len(list) {
		total = len(list)
	}
	if total > len(list) && offset+limit > len(list) {
		return nil, false
	}

	var window []domain.Document
	if offset < len(list) {
		end := offset + limit
		if end > len(list) {
			end = len(list)
		}
		window = list[offset:end]
	}
	out := make([]domain.Document, len(window))
	for i, doc := range window {
		out[i] = fields.Project(doc, selector)
	}
	return &domain.RelationPage{Total: total, Offset: offset, Data: out}, true
}

func (s *PaperService) referencesFromGraph(ctx context.Context, lookupID string, offset, limit int, selector string) (*domain.RelationPage, bool) {
	rows, err := s.graph.GetReferences(ctx, lookupID, offset, limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("paper_id", lookupID).Msg("graph references read failed")
		return nil, false
	}
	if len(rows) == 0 {
		return nil, false
	}
	total, err := s.graph.ReferencesTotal(ctx, lookupID)
	if err != nil || total < offset+len(rows) {
		total = offset + len(rows)
	}
	out := make([]domain.Document, len(rows))
	for i, doc := range rows {
		out[i] = fields.Project(doc, selector)
	}
	return &domain.RelationPage{Total: total, Offset: offset, Data: out}, true
}

func (s *PaperService) relationUpstream(ctx context.Context, lookupID, relation string, offset, limit int, selector string) (*domain.RelationPage, error) {
	relFields := fields.ParseList(selector)
	var up *s2.RelationPage
	var err error
	if relation == "citations" {
		up, err = s.s2.GetPaperCitations(ctx, lookupID, offset, limit, relFields)
	} else {
		up, err = s.s2.GetPaperReferences(ctx, lookupID, offset, limit, relFields)
	}
	if err != nil {
		return nil, err
	}
	data := make([]domain.Document, 0, len(up.Data))
	for _, entry := range up.Data {
		data = append(data, s2.UnwrapRelation(entry))
	}
	return &domain.RelationPage{Total: up.Total, Offset: offset, Data: data}, nil
}

func relationCacheKey(relation, paperID string, offset, limit int, selector string) string {
	if relation == "citations" {
		return rediskeys.CitationsKey(paperID, offset, limit, selector)
	}
	return rediskeys.ReferencesKey(paperID, offset, limit, selector)
}

// SearchOptions carries the inputs of one relevance search.
type SearchOptions struct {
	Query         string
	Offset        int
	Limit         int
	Fields        string
	Year          string
	Venue         []string
	FieldsOfStudy []string

	// PreferLocal tries the graph tier's title search before upstream.
	PreferLocal bool
	// FallbackToS2 permits the upstream call when local search misses.
	FallbackToS2 bool
}

// SearchPapers runs a relevance search: cached result page first, then
// optionally the graph tier, then upstream. Top results are scheduled for
// background ingestion so repeat paper reads stay local.
func (s *PaperService) SearchPapers(ctx context.Context, opts SearchOptions) (*domain.SearchPage, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidRequest)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	params := s2.SearchParams{
		Query:         opts.Query,
		Offset:        opts.Offset,
		Limit:         opts.Limit,
		Fields:        fields.ParseList(opts.Fields),
		Year:          opts.Year,
		Venue:         opts.Venue,
		FieldsOfStudy: opts.FieldsOfStudy,
	}
	cacheKey := rediskeys.SearchKey(params.Hash())

	if cached, ok := s.cache.GetJSON(ctx, cacheKey); ok {
		page := &domain.SearchPage{
			Total:  intField(cached, "total"),
			Offset: opts.Offset,
			Data:   domain.DocumentList(cached, "papers"),
		}
		s.warmTop(ctx, page.Data)
		return page, nil
	}

	if opts.PreferLocal {
		if page := s.searchLocal(ctx, opts); page != nil {
			return page, nil
		}
	}
	if !opts.FallbackToS2 {
		return &domain.SearchPage{Offset: opts.Offset, Data: []domain.Document{}}, nil
	}

	uctx, cancel := s.opCtx(ctx)
	up, err := s.s2.SearchPapers(uctx, params)
	cancel()
	if err != nil {
		s.noteUpstreamHealth(ctx, err)
		return nil, err
	}
	page := &domain.SearchPage{Total: up.Total, Offset: up.Offset, Data: up.Data}
	s.cache.SetJSON(ctx, cacheKey, domain.Document{
		"total":  page.Total,
		"offset": page.Offset,
		"papers": page.Data,
	}, s.cfg.SearchTTL)
	s.warmTop(ctx, page.Data)
	return page, nil
}

func (s *PaperService) searchLocal(ctx context.Context, opts SearchOptions) *domain.SearchPage {
	docs, total, err := s.graph.SearchByTitle(ctx, opts.Query, opts.Offset, opts.Limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", opts.Query).Msg("local search failed")
		return nil
	}
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.Document, len(docs))
	for i, doc := range docs {
		out[i] = fields.Project(doc, opts.Fields)
	}
	return &domain.SearchPage{Total: total, Offset: opts.Offset, Data: out}
}

// warmTop schedules background full fetches for the first results of a
// search so follow-up paper reads hit the local tiers.
func (s *PaperService) warmTop(ctx context.Context, docs []domain.Document) {
	if !s.cfg.EnableSearchIngest {
		return
	}
	n := s.cfg.SearchIngestTopN
	if n <= 0 {
		n = 3
	}
	if n > len(docs) {
		n = len(docs)
	}
	for _, doc := range docs[:n] {
		if id := domain.PaperID(doc); id != "" {
			s.queue.EnqueueFetch(ctx, id, "")
		}
	}
}

// MatchTitle returns the single best title match from upstream, cached under
// the search key space.
func (s *PaperService) MatchTitle(ctx context.Context, query, selector string) (domain.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidRequest)
	}
	params := s2.SearchParams{
		Query:      query,
		Fields:     fields.ParseList(selector),
		MatchTitle: true,
	}
	cacheKey := rediskeys.SearchKey(params.Hash())
	if cached, ok := s.cache.GetJSON(ctx, cacheKey); ok {
		return cached, nil
	}
	uctx, cancel := s.opCtx(ctx)
	doc, err := s.s2.MatchPaper(uctx, query, params.Fields)
	cancel()
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, cacheKey, doc, s.cfg.SearchTTL)
	return doc, nil
}

// Autocomplete proxies the upstream title suggester with caching.
func (s *PaperService) Autocomplete(ctx context.Context, query string, limit int) (domain.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidRequest)
	}
	key := rediskeys.AutocompleteKey(query)
	if cached, ok := s.cache.GetJSON(ctx, key); ok {
		return cached, nil
	}
	uctx, cancel := s.opCtx(ctx)
	out, err := s.s2.Autocomplete(uctx, query, limit)
	cancel()
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, key, out, s.cfg.SearchTTL)
	return out, nil
}

type batchEntry struct {
	ext      identifier.ExternalID
	lookupID string
	resolved bool
	valid    bool
}

// GetPapersBatch looks up many papers at once, preserving input order.
// Unknown and invalid ids yield nil at their index. Cache hits are collected
// with one MGET, fresh graph hits fill the gaps, and the remainder travels
// upstream in a single batch call.
func (s *PaperService) GetPapersBatch(ctx context.Context, ids []string, selector string, disableCache bool) ([]domain.Document, error) {
	if len(ids) == 0 {
		return []domain.Document{}, nil
	}
	if len(ids) > maxBatchIDs {
		return nil, fmt.Errorf("%w: batch accepts at most %d ids", domain.ErrInvalidRequest, maxBatchIDs)
	}
	normal := fields.Normal(selector)

	results := make([]domain.Document, len(ids))
	entries := make([]batchEntry, len(ids))
	for i, raw := range ids {
		ext, err := identifier.Parse(raw)
		if err != nil {
			s.logger.Debug().Err(err).Str("id", raw).Msg("batch id skipped")
			continue
		}
		lookupID, resolved := s.resolve(ctx, ext)
		entries[i] = batchEntry{ext: ext, lookupID: lookupID, resolved: resolved, valid: true}
	}

	if !disableCache {
		keys := make([]string, len(ids))
		for i, e := range entries {
			if e.valid {
				keys[i] = s.paperKey(e.lookupID, selector, normal)
			}
		}
		for i, doc := range s.cache.MGetJSON(ctx, keys) {
			if doc != nil && entries[i].valid {
				results[i] = fields.Project(doc, selector)
			}
		}
	}

	if !disableCache && normal {
		s.batchFromGraph(ctx, entries, results, selector)
	}

	var missIdx []int
	var refs []string
	for i, e := range entries {
		if !e.valid || results[i] != nil {
			continue
		}
		ref := e.lookupID
		if !e.resolved {
			// Unresolved titles have no batch request form.
			if ref = e.ext.UpstreamRef(); ref == "" {
				continue
			}
		}
		missIdx = append(missIdx, i)
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return results, nil
	}

	fetchFields := fields.BodyFields()
	if !normal {
		fetchFields = ensurePaperID(fields.WithoutRelations(fields.ParseList(selector)))
	}
	uctx, cancel := s.opCtx(ctx)
	docs, err := s.s2.GetPapersBatch(uctx, refs, fetchFields)
	cancel()
	if err != nil {
		s.noteUpstreamHealth(ctx, err)
		return nil, err
	}

	writeBack := make(map[string]domain.Document, len(docs))
	for j, doc := range docs {
		if j >= len(missIdx) || doc == nil {
			continue
		}
		i := missIdx[j]
		results[i] = fields.Project(doc, selector)
		writeBack[s.paperKey(entries[i].lookupID, selector, normal)] = doc
		if canonical := domain.PaperID(doc); canonical != "" && canonical != entries[i].lookupID {
			writeBack[s.paperKey(canonical, selector, normal)] = doc
		}
	}
	if len(writeBack) > 0 {
		s.cache.MSetJSON(ctx, writeBack, s.cfg.PaperTTL)
	}
	return results, nil
}

// batchFromGraph fills remaining batch slots from the graph tier, a few
// papers at a time. Hits are written back to the cache in one MSET.
func (s *PaperService) batchFromGraph(ctx context.Context, entries []batchEntry, results []domain.Document, selector string) {
	writeBack := make(map[string]domain.Document)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchGraphWorkers)
	for i := range entries {
		if !entries[i].valid || results[i] != nil {
			continue
		}
		i := i
		g.Go(func() error {
			e := entries[i]
			doc, err := s.graphDoc(gctx, e.ext, e.lookupID, e.resolved)
			if err != nil || !domain.Fresh(doc, s.cfg.GraphMaxAge) {
				return nil
			}
			if domain.PaperID(doc) == "" {
				return nil
			}
			results[i] = fields.Project(doc, selector)
			mu.Lock()
			writeBack[rediskeys.PaperFullKey(e.lookupID)] = doc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(writeBack) > 0 {
		s.cache.MSetJSON(ctx, writeBack, s.cfg.PaperTTL)
	}
}

func (s *PaperService) paperKey(id, selector string, normal bool) string {
	if normal {
		return rediskeys.PaperFullKey(id)
	}
	return rediskeys.PaperSelectorKey(id, selector)
}

// ClearCache drops every cache entry belonging to a paper, including entries
// written under an unresolved alias.
func (s *PaperService) ClearCache(ctx context.Context, rawID string) (int, error) {
	ext, err := identifier.Parse(rawID)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, err)
	}
	lookupID, _ := s.resolve(ctx, ext)
	deleted := s.cache.DeleteByPattern(ctx, rediskeys.PaperPatternFor(lookupID))
	if alias := aliasOf(ext); alias != lookupID {
		deleted += s.cache.DeleteByPattern(ctx, rediskeys.PaperPatternFor(alias))
	}
	s.cache.Delete(ctx, rediskeys.TaskStatusKey(lookupID))
	return deleted, nil
}

// ClearAllCache wipes the whole cache tier. Pattern deletion avoids needing
// FLUSHDB rights.
func (s *PaperService) ClearAllCache(ctx context.Context) int {
	return s.cache.DeleteByPattern(ctx, "*")
}

// WarmCache force-refreshes a paper through the full pipeline.
func (s *PaperService) WarmCache(ctx context.Context, rawID, selector string) error {
	_, err := s.GetPaper(ctx, rawID, selector, true)
	return err
}

// Refresh is the worker entrypoint for fetch tasks: a full upstream fetch
// with the graph merge performed inline.
func (s *PaperService) Refresh(ctx context.Context, paperID, selector string) error {
	ext, err := identifier.Parse(paperID)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, err)
	}
	lookupID, _ := s.resolve(ctx, ext)
	_, err = s.fetch(ctx, ext, lookupID, selector, true)
	return err
}

// MergeFull merges a complete document into the graph tier and refreshes the
// identifier index from its externalIds. Edge and chunk writes are
// best-effort; the node merge is not.
func (s *PaperService) MergeFull(ctx context.Context, doc domain.Document) error {
	paperID := domain.PaperID(doc)
	if paperID == "" {
		return fmt.Errorf("%w: document missing paperId", domain.ErrInvalidRequest)
	}
	if err := s.graph.MergePaper(ctx, doc); err != nil {
		return err
	}
	if exts := externalIDsOf(doc); len(exts) > 0 {
		if err := s.mapping.BatchUpsert(ctx, exts, paperID); err != nil {
			s.logger.Warn().Err(err).Str("paper_id", paperID).Msg("identifier index refresh failed")
		}
	}
	if err := s.graph.MergeDataChunks(ctx, doc); err != nil {
		s.logger.Warn().Err(err).Str("paper_id", paperID).Msg("data chunk write failed")
	}
	if err := s.graph.MergeCites(ctx, doc); err != nil {
		s.logger.Warn().Err(err).Str("paper_id", paperID).Msg("citation edge merge failed")
	}
	return nil
}

// CachePaper is the worker entrypoint for cache tasks.
func (s *PaperService) CachePaper(ctx context.Context, paperID string, doc domain.Document, selector string) bool {
	key := rediskeys.PaperFullKey(paperID)
	if selector != "" && !fields.Normal(selector) {
		key = rediskeys.PaperSelectorKey(paperID, selector)
	}
	return s.cache.SetJSON(ctx, key, doc, s.cfg.PaperTTL)
}

func (s *PaperService) pageSize() int {
	if s.cfg.RelationsPageSize > 0 {
		return s.cfg.RelationsPageSize
	}
	return 200
}

// externalIDsOf extracts every mappable identifier from a document's
// externalIds block, plus the normalized title.
func externalIDsOf(doc domain.Document) []identifier.ExternalID {
	raw, _ := doc["externalIds"].(map[string]any)
	out := make([]identifier.ExternalID, 0, len(raw)+1)
	for key, val := range raw {
		kind := identifier.KindForUpstreamKey(key)
		if kind == "" || val == nil {
			continue
		}
		var value string
		switch v := val.(type) {
		case string:
			value = v
		case float64:
			value = strconv.FormatInt(int64(v), 10)
		default:
			continue
		}
		norm, err := identifier.Normalize(kind, value)
		if err != nil {
			continue
		}
		out = append(out, identifier.ExternalID{Kind: kind, Value: norm})
	}
	if title := domain.Title(doc); title != "" {
		if norm := identifier.NormalizeTitle(title); norm != "" {
			out = append(out, identifier.ExternalID{Kind: identifier.KindTitleNorm, Value: norm})
		}
	}
	return out
}

func ensurePaperID(tokens []string) []string {
	for _, tok := range tokens {
		if tok == "paperId" {
			return tokens
		}
	}
	return append(tokens, "paperId")
}

func wantsRelation(tokens []string, relation string) bool {
	for _, tok := range tokens {
		if tok == relation || strings.HasPrefix(tok, relation+".") {
			return true
		}
	}
	return false
}

func intField(doc domain.Document, key string) int {
	n, _ := domain.IntField(doc, key)
	return n
}
