package redis

import "fmt"

// Cache key builders. Every key the gateway writes is minted here so the
// catalog stays greppable: paper full views, selector variants, relation
// pages, search results, task status, and the upstream status flag.

const (
	// SystemS2StatusKey flags upstream degradation (rate limiting or
	// outage); health reporting reads it.
	SystemS2StatusKey = "system:s2_api_status"

	defaultFieldsTag = "default"
)

// PaperFullKey addresses the canonical full view of a paper.
func PaperFullKey(paperID string) string {
	return "paper:" + paperID + ":full"
}

// PaperSelectorKey addresses a non-normal projection variant, keyed by the
// selector text so custom views never pollute the canonical entry.
func PaperSelectorKey(paperID, selector string) string {
	return "paper:" + paperID + ":" + selector
}

// PaperPatternFor matches every cache entry belonging to a paper.
func PaperPatternFor(paperID string) string {
	return "paper:" + paperID + ":*"
}

// CitationsKey addresses one page of a paper's citations.
func CitationsKey(paperID string, offset, limit int, fields string) string {
	return relationKey(paperID, "citations", offset, limit, fields)
}

// ReferencesKey addresses one page of a paper's references.
func ReferencesKey(paperID string, offset, limit int, fields string) string {
	return relationKey(paperID, "references", offset, limit, fields)
}

func relationKey(paperID, relation string, offset, limit int, fields string) string {
	if fields == "" {
		fields = defaultFieldsTag
	}
	return fmt.Sprintf("paper:%s:%s:%d:%d:%s", paperID, relation, offset, limit, fields)
}

// SearchKey addresses a cached search result page by its query hash.
func SearchKey(queryHash string) string {
	return "search:" + queryHash
}

// AutocompleteKey addresses a cached autocomplete response.
func AutocompleteKey(query string) string {
	return "autocomplete:" + query
}

// TaskStatusKey addresses the informational processing/failed flag for a
// paper's in-flight ingestion.
func TaskStatusKey(paperID string) string {
	return "task:" + paperID + ":status"
}
