// Package matcher compares product identifiers that the shopping site encodes
// inconsistently across result cards, links, and redirect wrappers.
package matcher

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const (
	maxDecodeRounds = 3
	maxInnerDepth   = 2
)

// innerParams name query parameters that commonly wrap a redirect target.
var innerParams = []string{
	"url", "u", "link", "redir", "redirect", "redirect_url",
	"targetUrl", "origUrl", "dest", "to",
}

var (
	productsPath = regexp.MustCompile(`/products/([0-9]+)`)
	catalogPath  = regexp.MustCompile(`/catalog/([0-9]+)`)
	nvMidParam   = regexp.MustCompile(`(?i)(?:^|[?&#;])nvMid=([0-9]+)`)
	productParam = regexp.MustCompile(`(?i)(?:^|[?&#;])productId=([0-9]+)`)
	prodNoParam  = regexp.MustCompile(`(?i)(?:^|[?&#;])prodNo=([0-9]+)`)
)

// CandidateSet holds the identifiers found in one URL, one per namespace.
type CandidateSet struct {
	ProdNo    string `json:"prod_no,omitempty"`
	NvMid     string `json:"nv_mid,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

// Empty reports whether no namespace matched.
func (c CandidateSet) Empty() bool {
	return c.ProdNo == "" && c.NvMid == "" && c.ProductID == ""
}

// Matches reports whether any namespace equals target.
func (c CandidateSet) Matches(target string) bool {
	return Equals(c.ProdNo, target) || Equals(c.NvMid, target) || Equals(c.ProductID, target)
}

// First returns the first non-empty identifier, preferring prodNo, then nvMid, then productId.
func (c CandidateSet) First() string {
	switch {
	case c.ProdNo != "":
		return c.ProdNo
	case c.NvMid != "":
		return c.NvMid
	default:
		return c.ProductID
	}
}

// Normalize keeps only ASCII digits and drops leading zeros. Zero-width
// characters and whitespace disappear with every other non-digit rune.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// Equals reports whether a and b name the same product. An empty side,
// before or after normalisation, never matches.
func Equals(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}

// Decode returns the decoding layers of raw: the entity-unescaped form
// followed by up to three percent-decoding rounds. Rounds stop once
// decoding no longer changes the string or fails.
func Decode(raw string) []string {
	current := html.UnescapeString(strings.TrimSpace(raw))
	layers := []string{current}
	for i := 0; i < maxDecodeRounds; i++ {
		next, err := url.QueryUnescape(current)
		if err != nil || next == current {
			break
		}
		layers = append(layers, next)
		current = next
	}
	return layers
}

// Candidates returns every URL string worth scanning for raw, outermost and
// least decoded first. Redirect targets found in the query string of any
// layer follow, each expanded through the same pipeline.
func Candidates(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	collectCandidates(raw, 0, seen, &out)
	return out
}

func collectCandidates(raw string, depth int, seen map[string]struct{}, out *[]string) {
	layers := Decode(raw)
	for _, layer := range layers {
		if _, ok := seen[layer]; ok {
			continue
		}
		seen[layer] = struct{}{}
		*out = append(*out, layer)
	}
	if depth >= maxInnerDepth {
		return
	}
	for _, layer := range layers {
		for _, inner := range innerTargets(layer) {
			collectCandidates(inner, depth+1, seen, out)
		}
	}
}

func innerTargets(layer string) []string {
	idx := strings.IndexByte(layer, '?')
	if idx < 0 || idx == len(layer)-1 {
		return nil
	}
	query := layer[idx+1:]
	if hash := strings.IndexByte(query, '#'); hash >= 0 {
		query = query[:hash]
	}
	values, err := url.ParseQuery(query)
	if err != nil && len(values) == 0 {
		return nil
	}
	var targets []string
	for _, name := range innerParams {
		for key, vals := range values {
			if !strings.EqualFold(key, name) {
				continue
			}
			for _, v := range vals {
				if strings.TrimSpace(v) != "" {
					targets = append(targets, v)
				}
			}
		}
	}
	return targets
}

// ExtractCandidateIDs scans the candidate sequence of rawURL and returns the
// identifiers of the first URL that yields any namespace.
func ExtractCandidateIDs(rawURL string) CandidateSet {
	if strings.TrimSpace(rawURL) == "" {
		return CandidateSet{}
	}
	for _, candidate := range Candidates(rawURL) {
		if set := scan(candidate); !set.Empty() {
			return set
		}
	}
	return CandidateSet{}
}

func scan(s string) CandidateSet {
	var set CandidateSet
	if m := productsPath.FindStringSubmatch(s); m != nil {
		set.ProdNo = m[1]
	}
	if m := catalogPath.FindStringSubmatch(s); m != nil {
		set.ProductID = m[1]
	}
	if m := nvMidParam.FindStringSubmatch(s); m != nil {
		set.NvMid = m[1]
	}
	if set.ProductID == "" {
		if m := productParam.FindStringSubmatch(s); m != nil {
			set.ProductID = m[1]
		}
	}
	if set.ProdNo == "" {
		if m := prodNoParam.FindStringSubmatch(s); m != nil {
			set.ProdNo = m[1]
		}
	}
	return set
}
