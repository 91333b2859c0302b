package s2

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// SearchParams carries every input that distinguishes one search from
// another. Hash is the cache key for the whole parameter set.
type SearchParams struct {
	Query         string
	Offset        int
	Limit         int
	Fields        []string
	Year          string
	Venue         []string
	FieldsOfStudy []string
	MatchTitle    bool
}

// Hash returns a stable SHA-256 over the canonical JSON form of the
// parameters. List parameters are deduplicated and sorted first, so
// "a,b" and "b,a,b" hash identically.
func (p SearchParams) Hash() string {
	canon := map[string]any{
		"query":  p.Query,
		"offset": p.Offset,
		"limit":  p.Limit,
	}
	if fields := canonicalList(p.Fields); len(fields) > 0 {
		canon["fields"] = fields
	}
	if p.Year != "" {
		canon["year"] = p.Year
	}
	if venue := canonicalList(p.Venue); len(venue) > 0 {
		canon["venue"] = venue
	}
	if fos := canonicalList(p.FieldsOfStudy); len(fos) > 0 {
		canon["fields_of_study"] = fos
	}
	if p.MatchTitle {
		canon["match_title"] = true
	}

	// encoding/json writes map keys in sorted order, which makes the
	// serialization canonical.
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func canonicalList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
