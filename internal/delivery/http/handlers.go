package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paper-app/gateway/internal/config"
	"github.com/paper-app/gateway/internal/domain"
	"github.com/paper-app/gateway/internal/usecase"
	"github.com/paper-app/gateway/pkg/s2"
)

// maxProxyBody caps how much request body the proxy forwards upstream.
const maxProxyBody = 1 << 20

type Handler struct {
	papers  *usecase.PaperService
	health  *usecase.HealthService
	proxy   *usecase.ProxyService
	gateway config.GatewayConfig
}

func NewHandler(papers *usecase.PaperService, health *usecase.HealthService, proxy *usecase.ProxyService, gateway config.GatewayConfig) *Handler {
	return &Handler{
		papers:  papers,
		health:  health,
		proxy:   proxy,
		gateway: gateway,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

// statusForError maps pipeline failures onto the status codes the upstream
// API uses, so clients see one error contract no matter which tier failed.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	}

	var apiErr *s2.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case s2.KindNotFound:
			return http.StatusNotFound
		case s2.KindRateLimited:
			return http.StatusTooManyRequests
		case s2.KindTimeout:
			return http.StatusRequestTimeout
		case s2.KindNetworkError:
			return http.StatusBadGateway
		case s2.KindAuthError:
			return http.StatusUnauthorized
		case s2.KindUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusBadRequest:
		writeError(w, status, err.Error())
	case http.StatusNotFound:
		writeError(w, status, "Paper not found")
	case http.StatusTooManyRequests:
		writeError(w, status, "Upstream rate limit exceeded, retry later")
	case http.StatusRequestTimeout:
		writeError(w, status, "Upstream request timed out")
	case http.StatusBadGateway:
		writeError(w, status, "Upstream connection failed")
	case http.StatusUnauthorized:
		writeError(w, status, "Upstream API authentication failed")
	case http.StatusServiceUnavailable:
		writeError(w, status, "Upstream temporarily unavailable")
	default:
		writeError(w, status, "Internal server error")
	}
}

// parsePaging validates offset/limit the way the upstream API does: negative
// offsets and limits outside [1, 100] are rejected before any tier is hit.
func parsePaging(r *http.Request, defaultLimit int) (int, int, error) {
	q := r.URL.Query()

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}

	limit := defaultLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			return 0, 0, errors.New("limit must be an integer between 1 and 100")
		}
		limit = v
	}
	return offset, limit, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Paper handlers

// paperPath splits the wildcard tail of a /paper/* route into the identifier
// and an optional trailing action. Identifiers are matched as a wildcard
// because DOIs contain slashes (10.1038/nature14539).
func paperPath(r *http.Request, actions ...string) (string, string) {
	tail := strings.Trim(chi.URLParam(r, "*"), "/")
	for _, action := range actions {
		if strings.HasSuffix(tail, "/"+action) {
			return strings.TrimSuffix(tail, "/"+action), action
		}
	}
	return tail, ""
}

// GetPaper serves GET /paper/{id} and, via the trailing path segment,
// GET /paper/{id}/citations and GET /paper/{id}/references.
func (h *Handler) GetPaper(w http.ResponseWriter, r *http.Request) {
	id, action := paperPath(r, "citations", "references")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Paper identifier is required")
		return
	}
	if action != "" {
		h.getRelation(w, r, id, action)
		return
	}

	doc, err := h.papers.GetPaper(r.Context(), id, r.URL.Query().Get("fields"), false)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeData(w, http.StatusOK, doc)
}

func (h *Handler) getRelation(w http.ResponseWriter, r *http.Request, id, relation string) {
	offset, limit, err := parsePaging(r, 10)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	fields := r.URL.Query().Get("fields")

	var page *domain.RelationPage
	if relation == "citations" {
		page, err = h.papers.GetPaperCitations(r.Context(), id, offset, limit, fields)
	} else {
		page, err = h.papers.GetPaperReferences(r.Context(), id, offset, limit, fields)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"total":  page.Total,
		"offset": page.Offset,
		relation: page.Data,
	})
}

func (h *Handler) SearchPapers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := strings.TrimSpace(q.Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query parameter is required")
		return
	}
	offset, limit, err := parsePaging(r, 10)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	page, err := h.papers.SearchPapers(r.Context(), usecase.SearchOptions{
		Query:         query,
		Offset:        offset,
		Limit:         limit,
		Fields:        q.Get("fields"),
		Year:          q.Get("year"),
		Venue:         splitCSV(q.Get("venue")),
		FieldsOfStudy: splitCSV(q.Get("fields_of_study")),
		PreferLocal:   h.gateway.PreferLocalSearch,
		FallbackToS2:  true,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// "data" mirrors "papers" for clients written against the raw upstream
	// search response.
	writeData(w, http.StatusOK, map[string]interface{}{
		"total":  page.Total,
		"offset": page.Offset,
		"papers": page.Data,
		"data":   page.Data,
	})
}

func (h *Handler) MatchPaper(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query parameter is required")
		return
	}

	doc, err := h.papers.MatchTitle(r.Context(), query, r.URL.Query().Get("fields"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeData(w, http.StatusOK, doc)
}

func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	doc, err := h.papers.Autocomplete(r.Context(), query, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeData(w, http.StatusOK, doc)
}

type batchRequest struct {
	IDs    []string `json:"ids"`
	Fields string   `json:"fields"`
}

func (h *Handler) GetPapersBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) > 500 {
		writeError(w, http.StatusBadRequest, "Batch requests support at most 500 paper IDs")
		return
	}

	results, err := h.papers.GetPapersBatch(r.Context(), req.IDs, req.Fields, false)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    results,
		Message: fmt.Sprintf("fetched %d papers", len(results)),
	})
}

// Admin handlers

type cacheClearedResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

// ClearPaperCache serves DELETE /paper/{id}/cache.
func (h *Handler) ClearPaperCache(w http.ResponseWriter, r *http.Request) {
	id, action := paperPath(r, "cache")
	if action == "" || id == "" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	deleted, err := h.papers.ClearCache(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cacheClearedResponse{Success: true, Deleted: deleted})
}

// WarmPaperCache serves POST /paper/{id}/cache/warm.
func (h *Handler) WarmPaperCache(w http.ResponseWriter, r *http.Request) {
	id, action := paperPath(r, "cache/warm")
	if action == "" || id == "" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	if err := h.papers.WarmCache(r.Context(), id, r.URL.Query().Get("fields")); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Cache warmed"})
}

func (h *Handler) ClearAllCache(w http.ResponseWriter, r *http.Request) {
	deleted := h.papers.ClearAllCache(r.Context())
	writeJSON(w, http.StatusOK, cacheClearedResponse{Success: true, Deleted: deleted})
}

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.health.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to collect stats")
		return
	}
	writeData(w, http.StatusOK, stats)
}

// Health handlers

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "paper-gateway",
		"version":     h.health.Version(),
		"description": "caching gateway for the Semantic Scholar Academic Graph",
		"health_url":  "/api/v1/health",
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.health.Live())
}

// HealthDetailed reports per-dependency state. The HTTP status stays 200;
// degradation is carried by the success flag so load balancers keep routing
// while operators can still see what is down.
func (h *Handler) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	doc, healthy := h.health.Detailed(r.Context())
	writeJSON(w, http.StatusOK, apiResponse{Success: healthy, Data: doc})
}

// Proxy handler

// Proxy forwards everything under /proxy to the upstream API unchanged. It
// exists for the long tail of endpoints the gateway does not cache (authors,
// bulk search, paper authors).
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	var body json.RawMessage
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		if len(raw) > 0 {
			body = json.RawMessage(raw)
		}
	}

	result, err := h.proxy.Forward(r.Context(), r.Method, path, r.URL.Query(), body)
	if err != nil {
		var apiErr *s2.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
			writeError(w, apiErr.StatusCode, apiErr.Message)
			return
		}
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}
