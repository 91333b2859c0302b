package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paper-app/gateway/internal/domain"
)

func TestScalarProjection(t *testing.T) {
	doc := domain.Document{
		"paperId":          "a1",
		"title":            "Attention Is All You Need",
		"year":             float64(2017),
		"venue":            "NeurIPS",
		"citationCount":    float64(90000),
		"abstract":         "The dominant sequence transduction models...",
		"url":              "https://example.org/a1",
		"isOpenAccess":     true,
		"publicationDate":  "2017-06-12",
		"fieldsOfStudy":    []any{"Computer Science"},
		"publicationTypes": []any{"JournalArticle", "Conference"},
		"journal":          map[string]any{"name": "NeurIPS"},
		"s2FieldsOfStudy":  []any{map[string]any{"category": "CS"}},
		"externalIds":      map[string]any{"DOI": "10.1/x"},
		"authors":          []any{map[string]any{"authorId": "9", "name": "A"}},
		"references":       []any{map[string]any{"paperId": "b2"}},
		"openAccessPdf":    nil,
	}

	got := scalarProjection(doc)

	// Scalars and scalar lists survive.
	assert.Equal(t, "The dominant sequence transduction models...", got["abstract"])
	assert.Equal(t, true, got["isOpenAccess"])
	assert.Equal(t, "2017-06-12", got["publicationDate"])
	assert.Equal(t, []any{"Computer Science"}, got["fieldsOfStudy"])
	assert.Equal(t, []any{"JournalArticle", "Conference"}, got["publicationTypes"])

	// Flat columns, nested objects, object lists, and relations do not.
	for _, key := range []string{"paperId", "title", "year", "venue", "citationCount",
		"journal", "s2FieldsOfStudy", "externalIds", "authors", "references", "openAccessPdf"} {
		assert.NotContains(t, got, key)
	}
}

func TestScalarProjectionEmpty(t *testing.T) {
	assert.Nil(t, scalarProjection(domain.Document{"paperId": "a1", "title": "t"}))
}

func TestJSONParam(t *testing.T) {
	assert.Nil(t, jsonParam(nil))

	var m map[string]any
	assert.Nil(t, jsonParam(m))

	assert.Equal(t, `{"DOI":"10.1/x"}`, jsonParam(map[string]any{"DOI": "10.1/x"}))
	assert.Equal(t, `["a"]`, jsonParam([]any{"a"}))
}

func TestNullableString(t *testing.T) {
	assert.Nil(t, nullableString(""))
	if got := nullableString("x"); assert.NotNil(t, got) {
		assert.Equal(t, "x", *got)
	}
}

func TestFieldPointers(t *testing.T) {
	doc := domain.Document{"year": float64(2020), "venue": "ICML"}

	if y := intPtr(doc, "year"); assert.NotNil(t, y) {
		assert.Equal(t, 2020, *y)
	}
	assert.Nil(t, intPtr(doc, "citationCount"))

	if v := strPtr(doc, "venue"); assert.NotNil(t, v) {
		assert.Equal(t, "ICML", *v)
	}
	assert.Nil(t, strPtr(doc, "title"))
}
