// Package s2 is a client for the Semantic Scholar Graph API. It adds what
// the raw API lacks: client-side rate limiting, retry with backoff on 429
// and 5xx, offset emulation for endpoints whose paging model has no native
// offset, and a closed error taxonomy for the gateway's HTTP mapping.
package s2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

const (
	// searchPageMax and relationPageMax bound a single upstream page.
	searchPageMax   = 100
	relationPageMax = 1000
	// relationTotalCap bounds the large-limit probe used to establish a
	// relation total when the page itself does not carry one.
	relationTotalCap = 10000

	healthProbeID = "649def34f8be52c8b66281af98ae884c09aef38b"

	userAgent = "paper-gateway/1.0 (https://github.com/paper-app/gateway)"
)

// Config controls the client. Zero values fall back to production defaults.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	RateLimit     int // requests per minute; 0 disables client-side limiting
	Logger        zerolog.Logger
}

// Client talks to the upstream graph API.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	limiter       *rate.Limiter
	retryAttempts int
	retryBackoff  time.Duration
	logger        zerolog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimit)), 1)
	}
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		limiter:       limiter,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		logger:        cfg.Logger,
	}
}

// do runs one request with rate limiting and retries. 429 waits for
// Retry-After when the header is present, otherwise exponential backoff;
// 5xx and transport timeouts back off exponentially. The last error is
// returned once attempts are exhausted.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (json.RawMessage, error) {
	reqURL := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	attempt := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyTransport(err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			apiErr := classifyTransport(err)
			if apiErr.Kind == KindTimeout && attempt < c.retryAttempts {
				c.logger.Warn().Str("url", reqURL).Int("attempt", attempt+1).Msg("upstream timeout, retrying")
				if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
					return nil, classifyTransport(err)
				}
				attempt++
				continue
			}
			return nil, apiErr
		}

		if resp.StatusCode == http.StatusOK {
			raw, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, &APIError{Kind: KindNetworkError, Message: "read response: " + err.Error()}
			}
			return raw, nil
		}

		msg := readErrorMessage(resp.Body)
		resp.Body.Close()

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.retryAttempts {
			wait := c.backoff(attempt)
			if resp.StatusCode == http.StatusTooManyRequests {
				wait = retryAfter(resp.Header, wait)
			}
			c.logger.Warn().
				Str("url", reqURL).
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("upstream error, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, classifyTransport(err)
			}
			attempt++
			continue
		}

		return nil, &APIError{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * c.retryBackoff
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// readErrorMessage pulls a human-readable message out of an error response.
// The upstream answers {"error": "..."} bodies; anything else is passed
// through truncated.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 2048))
	if err != nil || len(raw) == 0 {
		return "upstream request failed"
	}
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return truncate(strings.TrimSpace(string(raw)), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetPaper fetches a single paper document. A nil fields slice leaves the
// field selection to the upstream default.
func (c *Client) GetPaper(ctx context.Context, paperID string, fields []string) (map[string]any, error) {
	q := url.Values{}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	raw, err := c.do(ctx, http.MethodGet, "paper/"+paperID, q, nil)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode paper: " + err.Error()}
	}
	return doc, nil
}

// RelationPage is one page of citations or references. Data holds the raw
// upstream entries, each wrapping the neighbor under citingPaper or
// citedPaper.
type RelationPage struct {
	Total  int
	Offset int
	Data   []map[string]any
}

// GetPaperCitations returns papers citing paperID.
func (c *Client) GetPaperCitations(ctx context.Context, paperID string, offset, limit int, fields []string) (*RelationPage, error) {
	return c.relationPage(ctx, paperID, "citations", offset, limit, fields)
}

// GetPaperReferences returns papers cited by paperID.
func (c *Client) GetPaperReferences(ctx context.Context, paperID string, offset, limit int, fields []string) (*RelationPage, error) {
	return c.relationPage(ctx, paperID, "references", offset, limit, fields)
}

// relationPage emulates offset paging: the endpoint accepts only a limit,
// so we fetch offset+limit entries and slice locally. A missing total is
// established by a single large-limit probe, falling back to the number of
// entries actually observed.
func (c *Client) relationPage(ctx context.Context, paperID, relation string, offset, limit int, fields []string) (*RelationPage, error) {
	fetch := offset + limit
	if fetch > relationPageMax {
		fetch = relationPageMax
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(fetch))
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}

	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("paper/%s/%s", paperID, relation), q, nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Total *int             `json:"total"`
		Next  *int             `json:"next"`
		Data  []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode " + relation + ": " + err.Error()}
	}

	sliced := slicePage(page.Data, offset, limit)

	total := len(page.Data)
	switch {
	case page.Total != nil:
		total = *page.Total
	case len(page.Data) == fetch && page.Next != nil:
		// More pages exist and the response carries no total.
		if probed, ok := c.relationTotal(ctx, paperID, relation); ok {
			total = probed
		}
	}

	return &RelationPage{Total: total, Offset: offset, Data: sliced}, nil
}

func (c *Client) relationTotal(ctx context.Context, paperID, relation string) (int, bool) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(relationTotalCap))
	q.Set("fields", "paperId")
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("paper/%s/%s", paperID, relation), q, nil)
	if err != nil {
		c.logger.Debug().Err(err).Str("paper_id", paperID).Str("relation", relation).Msg("relation total probe failed")
		return 0, false
	}
	var page struct {
		Total *int             `json:"total"`
		Data  []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return 0, false
	}
	if page.Total != nil {
		return *page.Total, true
	}
	return len(page.Data), true
}

func slicePage(items []map[string]any, offset, limit int) []map[string]any {
	if offset >= len(items) {
		return []map[string]any{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// UnwrapRelation unrolls a relation entry to the neighbor paper document.
// Citation entries nest it under citingPaper, reference entries under
// citedPaper; entries already shaped as papers pass through unchanged.
func UnwrapRelation(entry map[string]any) map[string]any {
	for _, key := range []string{"citedPaper", "citingPaper"} {
		if inner, ok := entry[key].(map[string]any); ok {
			return inner
		}
	}
	return entry
}

// SearchPage is one page of search results.
type SearchPage struct {
	Total  int
	Offset int
	Data   []map[string]any
}

// SearchPapers runs a relevance search with the same offset emulation as
// relation pages.
func (c *Client) SearchPapers(ctx context.Context, p SearchParams) (*SearchPage, error) {
	fetch := p.Offset + p.Limit
	if fetch > searchPageMax {
		fetch = searchPageMax
	}
	q := url.Values{}
	q.Set("query", p.Query)
	q.Set("limit", strconv.Itoa(fetch))
	if len(p.Fields) > 0 {
		q.Set("fields", strings.Join(p.Fields, ","))
	}
	if p.Year != "" {
		q.Set("year", p.Year)
	}
	if len(p.Venue) > 0 {
		q.Set("venue", strings.Join(p.Venue, ","))
	}
	if len(p.FieldsOfStudy) > 0 {
		q.Set("fieldsOfStudy", strings.Join(p.FieldsOfStudy, ","))
	}

	raw, err := c.do(ctx, http.MethodGet, "paper/search", q, nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Total  int              `json:"total"`
		Offset int              `json:"offset"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode search: " + err.Error()}
	}
	return &SearchPage{
		Total:  page.Total,
		Offset: p.Offset,
		Data:   slicePage(page.Data, p.Offset, p.Limit),
	}, nil
}

// MatchPaper returns the single best title match.
func (c *Client) MatchPaper(ctx context.Context, query string, fields []string) (map[string]any, error) {
	q := url.Values{}
	q.Set("query", query)
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	raw, err := c.do(ctx, http.MethodGet, "paper/search/match", q, nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode match: " + err.Error()}
	}
	if len(page.Data) == 0 {
		return nil, &APIError{Kind: KindNotFound, StatusCode: 404, Message: "no matching paper"}
	}
	return page.Data[0], nil
}

// Autocomplete suggests paper titles for a partial query.
func (c *Client) Autocomplete(ctx context.Context, query string, limit int) (map[string]any, error) {
	q := url.Values{}
	q.Set("query", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.do(ctx, http.MethodGet, "paper/autocomplete", q, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode autocomplete: " + err.Error()}
	}
	return out, nil
}

// GetPapersBatch fetches up to 500 papers in one call. The result has one
// entry per requested id, nil where the upstream knows no such paper.
func (c *Client) GetPapersBatch(ctx context.Context, ids []string, fields []string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 500 {
		return nil, fmt.Errorf("batch request supports at most 500 ids, got %d", len(ids))
	}
	q := url.Values{}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, "paper/batch", q, body)
	if err != nil {
		return nil, err
	}
	var docs []map[string]any
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode batch: " + err.Error()}
	}
	return docs, nil
}

// GetAuthor fetches a single author document.
func (c *Client) GetAuthor(ctx context.Context, authorID string, fields []string) (map[string]any, error) {
	q := url.Values{}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	raw, err := c.do(ctx, http.MethodGet, "author/"+authorID, q, nil)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &APIError{Kind: KindOther, Message: "decode author: " + err.Error()}
	}
	return doc, nil
}

// Raw forwards an arbitrary request and returns the upstream body verbatim.
// The proxy surface is built on this.
func (c *Client) Raw(ctx context.Context, method, path string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	var payload []byte
	if len(body) > 0 {
		payload = body
	}
	return c.do(ctx, method, path, query, payload)
}

// Health probes the upstream with a known paper id.
func (c *Client) Health(ctx context.Context) bool {
	_, err := c.GetPaper(ctx, healthProbeID, []string{"paperId", "title"})
	return err == nil
}
