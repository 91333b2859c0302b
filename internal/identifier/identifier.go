// Package identifier parses and normalizes the identifier schemes accepted
// by the gateway. Every tier (cache, graph, identifier index, upstream) keys
// papers by the normalized value produced here.
package identifier

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Kind is an external identifier scheme. The values match the upstream's
// externalIds keys so mapping rows and upstream payloads agree.
type Kind string

const (
	KindDOI       Kind = "DOI"
	KindArXiv     Kind = "ArXiv"
	KindCorpusID  Kind = "CorpusId"
	KindMAG       Kind = "MAG"
	KindACL       Kind = "ACL"
	KindPMID      Kind = "PMID"
	KindPMCID     Kind = "PMCID"
	KindURL       Kind = "URL"
	KindDBLP      Kind = "DBLP"
	KindTitleNorm Kind = "TITLE_NORM"
	KindPaperID   Kind = "PaperId"
)

var (
	ErrEmpty         = errors.New("empty identifier")
	ErrUnknownScheme = errors.New("unknown identifier scheme")
	ErrInvalidValue  = errors.New("invalid identifier value")
)

// ExternalID is a parsed, normalized identifier.
type ExternalID struct {
	Kind  Kind
	Value string
}

// String renders the canonical SCHEME:value form. Parse(String()) round-trips.
func (e ExternalID) String() string {
	return string(e.Kind) + ":" + e.Value
}

// UpstreamRef renders the identifier the way the upstream lookup endpoint
// expects it. PaperId is passed bare; TITLE_NORM has no upstream form and
// returns "" (titles resolve through the match endpoint instead).
func (e ExternalID) UpstreamRef() string {
	switch e.Kind {
	case KindPaperID:
		return e.Value
	case KindTitleNorm:
		return ""
	case KindArXiv:
		return "ARXIV:" + e.Value
	default:
		return string(e.Kind) + ":" + e.Value
	}
}

var (
	doiRe    = regexp.MustCompile(`^10\.`)
	arxivRe  = regexp.MustCompile(`^\d{4}\.\d{4,5}(v\d+)?$`)
	hex40Re  = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	digitsRe = regexp.MustCompile(`^\d+$`)
	verRe    = regexp.MustCompile(`v\d+$`)
	schemeRe = regexp.MustCompile(`^[A-Za-z_]+$`)
)

// prefixKinds maps the accepted TYPE: prefixes (upper-cased) to their kinds.
var prefixKinds = map[string]Kind{
	"DOI":      KindDOI,
	"ARXIV":    KindArXiv,
	"CORPUSID": KindCorpusID,
	"CORPUS":   KindCorpusID,
	"MAG":      KindMAG,
	"ACL":      KindACL,
	"PMID":     KindPMID,
	"PMCID":    KindPMCID,
	"URL":      KindURL,
	"DBLP":     KindDBLP,
	"PAPERID":  KindPaperID,
	"PAPER_ID": KindPaperID,
	"TITLE":    KindTitleNorm,
}

// Parse accepts either a SCHEME:value form or a bare value and returns the
// normalized identifier. Bare values are classified in a fixed order: DOI,
// URL, arXiv, 40-hex paper id, corpus id, and finally normalized title.
// A colon-prefixed value whose scheme is not recognized is rejected so typos
// like "DIO:10.1/x" surface as 400 instead of being treated as titles.
func Parse(raw string) (ExternalID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ExternalID{}, ErrEmpty
	}

	if doiRe.MatchString(s) {
		return build(KindDOI, s)
	}
	if strings.HasPrefix(strings.ToLower(s), "http") {
		return build(KindURL, s)
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		if kind, known := prefixKinds[strings.ToUpper(prefix)]; known {
			return build(kind, rest)
		}
		if schemeRe.MatchString(prefix) {
			return ExternalID{}, fmt.Errorf("%w: %q", ErrUnknownScheme, prefix)
		}
	}

	switch {
	case arxivRe.MatchString(s):
		return build(KindArXiv, s)
	case hex40Re.MatchString(s):
		return build(KindPaperID, s)
	case digitsRe.MatchString(s):
		return build(KindCorpusID, s)
	}
	return build(KindTitleNorm, s)
}

func build(kind Kind, value string) (ExternalID, error) {
	norm, err := Normalize(kind, value)
	if err != nil {
		return ExternalID{}, err
	}
	return ExternalID{Kind: kind, Value: norm}, nil
}

// Normalize applies the per-scheme canonical form. It is idempotent:
// Normalize(k, Normalize(k, v)) == Normalize(k, v).
func Normalize(kind Kind, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", ErrEmpty
	}

	switch kind {
	case KindDOI:
		return strings.ToLower(v), nil
	case KindArXiv:
		if len(v) > 6 && strings.EqualFold(v[:6], "arxiv:") {
			v = v[6:]
		}
		return verRe.ReplaceAllString(v, ""), nil
	case KindCorpusID, KindMAG, KindPMID:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s %q", ErrInvalidValue, kind, value)
		}
		return strconv.FormatInt(n, 10), nil
	case KindPMCID:
		if len(v) > 3 && strings.EqualFold(v[:3], "pmc") {
			v = v[3:]
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s %q", ErrInvalidValue, kind, value)
		}
		return strconv.FormatInt(n, 10), nil
	case KindURL:
		return normalizeURL(v)
	case KindPaperID:
		if !hex40Re.MatchString(v) {
			return "", fmt.Errorf("%w: %s %q", ErrInvalidValue, kind, value)
		}
		return strings.ToLower(v), nil
	case KindTitleNorm:
		t := NormalizeTitle(v)
		if t == "" {
			return "", fmt.Errorf("%w: title normalizes to empty", ErrInvalidValue)
		}
		return t, nil
	case KindACL, KindDBLP:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScheme, kind)
}

// normalizeURL lowercases the scheme and host, drops utm_* tracking params,
// and removes a trailing slash so equivalent links key identically.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: URL %q", ErrInvalidValue, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""

	out := u.String()
	return strings.TrimSuffix(out, "/"), nil
}

// NormalizeTitle lowercases, strips Unicode punctuation and symbols, and
// collapses whitespace to single spaces. Used as a strong title match key.
func NormalizeTitle(s string) string {
	lowered := strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// KindForUpstreamKey maps an upstream externalIds key to a Kind. Returns ""
// for keys the gateway does not index.
func KindForUpstreamKey(key string) Kind {
	switch key {
	case "DOI":
		return KindDOI
	case "ArXiv":
		return KindArXiv
	case "CorpusId":
		return KindCorpusID
	case "MAG":
		return KindMAG
	case "ACL":
		return KindACL
	case "PubMed":
		return KindPMID
	case "PubMedCentral":
		return KindPMCID
	case "DBLP":
		return KindDBLP
	case "URL":
		return KindURL
	}
	return ""
}
