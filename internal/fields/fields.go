// Package fields implements the field selector used across the paper API:
// parsing comma-separated selectors, projecting documents to a selector, and
// classifying selectors as normal (servable from the canonical full view) or
// custom (cached under their own key).
package fields

import (
	"sort"
	"strings"
)

// CoreFields are the most requested paper fields and the minimum the full
// view always carries.
var CoreFields = []string{
	"paperId", "title", "abstract", "year", "authors",
	"citationCount", "referenceCount", "influentialCitationCount",
	"venue", "fieldsOfStudy", "url",
}

// ExtendedFields are added to the full view for detail pages.
var ExtendedFields = []string{
	"publicationDate", "publicationTypes", "publicationVenue",
	"journal", "externalIds", "openAccessPdf", "isOpenAccess",
	"s2FieldsOfStudy", "citationStyles", "corpusId",
}

// AuthorFields are the nested author selectors included in the full view.
var AuthorFields = []string{
	"authors.authorId", "authors.name", "authors.affiliations",
	"authors.citationCount", "authors.hIndex", "authors.paperCount",
}

// RelationFields are fetched through their own endpoints, never as part of
// the paper body request.
var RelationFields = []string{"citations", "references"}

// AtomicDotted lists dotted selectors that address a single upstream field
// rather than a nested path. New escape-hatch fields land here.
var AtomicDotted = []string{"embedding.specter_v2"}

// Normal reports whether every token in the selector belongs to the set the
// canonical full view covers. An empty selector is normal. Non-normal
// selectors bypass the full view and cache under their own key.
func Normal(selector string) bool {
	tokens := ParseList(selector)
	if len(tokens) == 0 {
		return true
	}
	normal := normalSet()
	for _, tok := range tokens {
		if _, ok := normal[tok]; !ok {
			return false
		}
	}
	return true
}

func normalSet() map[string]struct{} {
	set := make(map[string]struct{}, len(CoreFields)+len(ExtendedFields)+len(AuthorFields))
	for _, f := range CoreFields {
		set[f] = struct{}{}
	}
	for _, f := range ExtendedFields {
		set[f] = struct{}{}
	}
	for _, f := range AuthorFields {
		set[f] = struct{}{}
	}
	return set
}

// BodyFields is the selector the full-view upstream body fetch requests:
// core, extended, and nested author fields. Relations are excluded; they
// page through their own endpoints.
func BodyFields() []string {
	out := make([]string, 0, len(CoreFields)+len(ExtendedFields)+len(AuthorFields))
	out = append(out, CoreFields...)
	out = append(out, ExtendedFields...)
	out = append(out, AuthorFields...)
	return out
}

// DefaultRelationFields is the selector used when paging citations or
// references during ingestion. It stays compact on purpose: relation lists
// run to thousands of entries, and stub nodes only need identity, ranking,
// and display fields.
func DefaultRelationFields() []string {
	return []string{
		"paperId", "title", "year", "venue",
		"citationCount", "referenceCount", "authors",
	}
}

// ParseList splits a comma-separated selector into trimmed tokens, dropping
// empties. A nil result means "no selector".
func ParseList(selector string) []string {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	parts := strings.Split(selector, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Join is the inverse of ParseList.
func Join(tokens []string) string {
	return strings.Join(tokens, ",")
}

// WithoutRelations drops citations/references tokens from a selector list.
func WithoutRelations(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if root := tokenRoot(tok); root == "citations" || root == "references" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// tokenRoot returns the document key a selector token addresses. Atomic
// dotted tokens map to the key before the dot; plain tokens split on the
// first dot.
func tokenRoot(tok string) string {
	for _, atomic := range AtomicDotted {
		if tok == atomic {
			root, _, _ := strings.Cut(tok, ".")
			return root
		}
	}
	root, _, _ := strings.Cut(tok, ".")
	return root
}

// Tree is a parsed selector: document key to sub-tree. A nil sub-tree keeps
// the whole value under that key.
type Tree map[string]Tree

// NewTree builds a projection tree from selector tokens. Atomic dotted
// tokens keep their whole root value, since the dotted tail selects an
// upstream variant rather than a JSON path.
func NewTree(tokens []string) Tree {
	tree := make(Tree)
	for _, tok := range tokens {
		if isAtomic(tok) {
			root, _, _ := strings.Cut(tok, ".")
			tree[root] = nil
			continue
		}
		insert(tree, strings.Split(tok, "."))
	}
	return tree
}

func isAtomic(tok string) bool {
	for _, atomic := range AtomicDotted {
		if tok == atomic {
			return true
		}
	}
	return false
}

func insert(tree Tree, path []string) {
	key := path[0]
	if len(path) == 1 {
		tree[key] = nil
		return
	}
	sub, ok := tree[key]
	if ok && sub == nil {
		// A whole-value selection already covers the refinement.
		return
	}
	if sub == nil {
		sub = make(Tree)
		tree[key] = sub
	}
	insert(sub, path[1:])
}

// Keys returns the tree's document keys, sorted.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Project filters doc down to the selector. An empty selector returns the
// document unchanged. paperId is always carried through, and requested
// citations/references missing from the document come back as empty lists
// so the shape matches upstream responses. Unknown paths are dropped
// silently. The input document is never mutated.
func Project(doc map[string]any, selector string) map[string]any {
	tokens := ParseList(selector)
	if doc == nil || len(tokens) == 0 {
		return doc
	}
	tree := NewTree(tokens)
	out := projectMap(doc, tree)

	if id, ok := doc["paperId"]; ok {
		out["paperId"] = id
	}
	for _, rel := range RelationFields {
		if _, requested := tree[rel]; requested {
			if _, present := out[rel]; !present {
				out[rel] = []any{}
			}
		}
	}
	return out
}

func projectMap(doc map[string]any, tree Tree) map[string]any {
	out := make(map[string]any, len(tree))
	for key, sub := range tree {
		value, ok := doc[key]
		if !ok {
			continue
		}
		out[key] = projectValue(value, sub)
	}
	return out
}

func projectValue(value any, tree Tree) any {
	if tree == nil {
		return value
	}
	switch v := value.(type) {
	case map[string]any:
		return projectMap(v, tree)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			if m, ok := elem.(map[string]any); ok {
				out[i] = projectMap(m, tree)
			} else {
				out[i] = elem
			}
		}
		return out
	default:
		return value
	}
}
