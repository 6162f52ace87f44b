package browse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"shoprank/internal/config"
	"shoprank/internal/matcher"
)

// Card is one ranked result entry read from a rendered page.
type Card struct {
	Link      string
	IDs       matcher.CandidateSet
	Sponsored bool
	StoreName string
	Price     int
}

// PageFacts is everything the resolver needs from one results page.
type PageFacts struct {
	Cards       []Card
	TotalCards  int
	Blocked     bool
	BlockMarker string
}

// Extract parses html and returns the cards that count for ranking, in
// document order. With sponsoredOnly only sponsor-flagged cards are kept.
func Extract(html string, sel config.SelectorConfig, sponsoredOnly bool) (PageFacts, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageFacts{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script,style,noscript").Remove()

	var facts PageFacts
	if marker, ok := blockMarker(doc, sel.BlockMarkers); ok {
		facts.Blocked = true
		facts.BlockMarker = marker
	}

	cardSel := strings.Join(sel.Cards, ", ")
	linkSel := strings.Join(sel.ProductLinks, ", ")
	if cardSel == "" || linkSel == "" {
		return facts, nil
	}

	doc.Find(cardSel).Each(func(_ int, s *goquery.Selection) {
		// Nested matches belong to the outer card.
		if s.ParentsFiltered(cardSel).Length() > 0 {
			return
		}
		links := s.Find(linkSel)
		if links.Length() == 0 {
			return
		}
		facts.TotalCards++
		card := Card{Sponsored: isSponsored(s, sel)}
		if sponsoredOnly && !card.Sponsored {
			return
		}
		links.EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			href = strings.TrimSpace(href)
			if href == "" {
				return true
			}
			if card.Link == "" {
				card.Link = href
			}
			if ids := matcher.ExtractCandidateIDs(href); !ids.Empty() {
				card.Link, card.IDs = href, ids
				return false
			}
			return true
		})
		card.StoreName = firstText(s, sel.StoreNames)
		card.Price = parsePrice(firstText(s, sel.Prices))
		facts.Cards = append(facts.Cards, card)
	})
	return facts, nil
}

func blockMarker(doc *goquery.Document, markers []string) (string, bool) {
	if len(markers) == 0 {
		return "", false
	}
	text := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("body").Text())
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}

// isSponsored checks marker text, sponsor classes and ad attributes on the
// card and its descendants, and sponsor styling on any ancestor.
func isSponsored(card *goquery.Selection, sel config.SelectorConfig) bool {
	if flagged(card, sel) {
		return true
	}
	found := false
	card.Find("*").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if flagged(el, sel) || markerText(el, sel.SponsorMarkers) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}
	card.Parents().EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if flagged(el, sel) {
			found = true
			return false
		}
		return true
	})
	return found
}

func flagged(el *goquery.Selection, sel config.SelectorConfig) bool {
	for _, attr := range sel.SponsorAttrs {
		if v, ok := el.Attr(attr); ok {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "false" && v != "0" {
				return true
			}
		}
	}
	class, ok := el.Attr("class")
	if !ok {
		return false
	}
	for _, token := range strings.Fields(strings.ToLower(class)) {
		for _, pattern := range sel.SponsorClasses {
			if classMatches(token, strings.ToLower(pattern)) {
				return true
			}
		}
	}
	return false
}

// classMatches treats short patterns as prefix or suffix tokens so that
// "ad_" does not match "head_title".
func classMatches(token, pattern string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(token, pattern) || strings.HasSuffix(token, pattern) {
		return true
	}
	return len(pattern) >= 4 && strings.Contains(token, pattern)
}

func markerText(el *goquery.Selection, markers []string) bool {
	if el.Children().Length() > 0 {
		return false
	}
	text := strings.TrimSpace(el.Text())
	if text == "" || len(text) > 16 {
		return false
	}
	for _, m := range markers {
		if strings.EqualFold(text, m) {
			return true
		}
	}
	return false
}

func firstText(s *goquery.Selection, selectors []string) string {
	for _, q := range selectors {
		if text := strings.Join(strings.Fields(s.Find(q).First().Text()), " "); text != "" {
			return text
		}
	}
	return ""
}

func parsePrice(raw string) int {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',':
		case b.Len() > 0:
			// First number only, so "9,900원~12,000원" reads as 9900.
			n, _ := strconv.Atoi(b.String())
			return n
		}
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return n
}
